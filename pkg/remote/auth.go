// Package remote exposes a Simulation's scheduler handle to external
// processes over NATS: a detached way to inject and cancel scheduled
// events concurrently with stepping, serialized through the scheduler's
// own mutex.
//
// Each request message carries a bearer token; the check is per-message
// since there is no HTTP request to attach a middleware chain to.
package remote

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidSecret is returned by MintToken when the caller-supplied
// shared secret does not match the issuer's stored hash.
var ErrInvalidSecret = errors.New("remote: invalid shared secret")

// ErrUnauthorized is reported to a caller whose request token fails
// Verify; the underlying jwt/v5 error is not reflected back to an
// unauthenticated caller.
var ErrUnauthorized = errors.New("remote: unauthorized")

// Claims is the JWT payload minted for a remote caller. Subject
// identifies the caller for audit logging; it is not otherwise trusted.
type Claims struct {
	jwt.RegisteredClaims
	Subject string `json:"sub"`
}

// TokenIssuer mints and verifies the bearer tokens that guard the
// schedule/cancel NATS subjects. The shared secret presented to mint a
// token is never stored in the clear — only its bcrypt hash is kept —
// so a TokenIssuer built from a leaked config file does not itself leak
// the secret.
type TokenIssuer struct {
	secretHash []byte
	signingKey []byte
	ttl        time.Duration
}

// DefaultTokenTTL is how long a minted token remains valid.
const DefaultTokenTTL = 15 * time.Minute

// NewTokenIssuer hashes sharedSecret with bcrypt and returns an issuer
// that signs tokens with signingKey (HS256). signingKey should be
// distinct from sharedSecret: the secret gates minting, the signing key
// authenticates the minted tokens themselves.
func NewTokenIssuer(sharedSecret string, signingKey []byte) (*TokenIssuer, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(sharedSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &TokenIssuer{secretHash: hash, signingKey: signingKey, ttl: DefaultTokenTTL}, nil
}

// MintToken verifies providedSecret against the stored bcrypt hash and,
// if it matches, signs a token bound to subject valid for the issuer's
// TTL.
func (i *TokenIssuer) MintToken(providedSecret, subject string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(i.secretHash, []byte(providedSecret)); err != nil {
		return "", ErrInvalidSecret
	}
	now := time.Now()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.signingKey)
}

// Verify parses and validates tokenString, rejecting anything not
// signed with HS256 to avoid algorithm-confusion attacks.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("remote: unexpected signing method")
		}
		return i.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
