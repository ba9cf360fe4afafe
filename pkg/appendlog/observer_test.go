package appendlog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/desim/pkg/simtime"
)

type testObserver struct {
	enqueued   int64
	persisted  int64
	rejected   int64
	rotated    int64
	recovered  int64
	lastReason atomic.Value
}

func (o *testObserver) OnRecover(RecoverInfo) { atomic.AddInt64(&o.recovered, 1) }
func (o *testObserver) OnAppendEnqueued(AppendInfo) {
	atomic.AddInt64(&o.enqueued, 1)
}
func (o *testObserver) OnAppendPersisted(PersistInfo) {
	atomic.AddInt64(&o.persisted, 1)
}
func (o *testObserver) OnAppendRejected(RejectInfo) { atomic.AddInt64(&o.rejected, 1) }
func (o *testObserver) OnRotate(info RotateInfo) {
	atomic.AddInt64(&o.rotated, 1)
	o.lastReason.Store(info.Reason)
}

func TestFSStore_Observer_SeesAppendAndPersist(t *testing.T) {
	dir := t.TempDir()
	obs := &testObserver{}

	s, err := NewFSStore(FSStoreConfig{
		Dir:              dir,
		MaxSegmentBytes:  1024,
		MaxBufferedBytes: 1024,
		Durability:       DurabilityFsync,
		Observer:         obs,
	})
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if atomic.LoadInt64(&obs.recovered) < 1 {
		t.Fatalf("expected observer recovered>=1 on open")
	}

	if _, err := s.Append(simtime.At(1, 0), []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Persist happens asynchronously; wait briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&obs.enqueued) >= 1 && atomic.LoadInt64(&obs.persisted) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt64(&obs.enqueued) < 1 {
		t.Fatalf("expected observer enqueued>=1")
	}
	if atomic.LoadInt64(&obs.persisted) < 1 {
		t.Fatalf("expected observer persisted>=1")
	}
}

func TestFSStore_Observer_SeesRotate(t *testing.T) {
	dir := t.TempDir()
	obs := &testObserver{}

	s, err := NewFSStore(FSStoreConfig{
		Dir:              dir,
		MaxSegmentBytes:  32, // below one 40-byte record, so every append rotates
		MaxBufferedBytes: 1024,
		Durability:       DurabilityFsync,
		Observer:         obs,
	})
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 5; i++ {
		if _, err := s.Append(simtime.At(int64(i), 0), []byte("xxxxxxxxxxxxxxxx")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if atomic.LoadInt64(&obs.rotated) < 1 {
		t.Fatalf("expected observer rotated>=1")
	}
	if reason, _ := obs.lastReason.Load().(string); reason != "size" {
		t.Fatalf("lastReason = %q, want %q", reason, "size")
	}
}
