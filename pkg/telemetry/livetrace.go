package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LiveTrace is a websocket broadcast hub: it implements ports.Sink[T] so
// it can be wired directly onto an Output the same way trace.LogSink and
// trace.SQLSink are, and fans every recorded value out as JSON to every
// currently-connected dashboard client. Broadcast is one-directional: a
// trace viewer has no publish or request traffic to route back in.
type LiveTrace[T any] struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewLiveTrace creates an empty hub with no connected clients.
func NewLiveTrace[T any]() *LiveTrace[T] {
	return &LiveTrace[T]{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Record implements ports.Sink[T]; it runs on a goroutine that
// Output.Send waits for, so it must never block on a slow or dead
// client. Each write has a 5-second deadline, and a client whose write
// fails or times out is dropped rather than retried.
func (h *LiveTrace[T]) Record(_ context.Context, value T) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.clients))
	locks := make([]*sync.Mutex, 0, len(h.clients))
	for conn, lock := range h.clients {
		targets = append(targets, conn)
		locks = append(locks, lock)
	}
	h.mu.RUnlock()

	for i, conn := range targets {
		locks[i].Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			locks[i].Unlock()
			h.drop(conn)
			continue
		}
		locks[i].Unlock()
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket connection and registers
// it as a broadcast target until the client disconnects. It never reads
// from the connection beyond what's needed to notice a close, since this
// hub is push-only.
func (h *LiveTrace[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	h.mu.Unlock()

	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *LiveTrace[T]) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// ClientCount reports how many dashboard connections are currently live.
func (h *LiveTrace[T]) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
