// Package auth implements the Authentication Provider (spec §4.2, component
// F): the session-auth and driver-level authenticate algorithms, a token
// manager abstraction with refresh coalescing, and credential fingerprinting
// adapted from the teacher's SCRAM-SHA-256 primitives.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"

	"github.com/graphdriver/core/internal/channel"
)

// TokenManager is the injected capability the driver-level authenticate
// path asks for the current credential (spec §4.2 "Auth Token Manager").
type TokenManager interface {
	// GetToken returns the current token, refreshing it if expired.
	GetToken(ctx context.Context) (channel.AuthToken, error)
	// HandleSecurityException reacts to a Security.* error observed on a
	// connection authenticated with token, returning whether the error is
	// now retriable (spec §4.2 "Error handling", §4.7).
	HandleSecurityException(ctx context.Context, token channel.AuthToken, code string) bool
	// IsStatic reports whether this manager ever rotates its token — a
	// Security.TokenExpired error is only retriable for a non-static
	// manager (spec §4.7).
	IsStatic() bool
}

// StaticTokenManager always returns the same token; it never rotates and
// never retries a TokenExpired error (spec §4.7's "non-static" carve-out).
type StaticTokenManager struct {
	token channel.AuthToken
}

// NewStaticTokenManager wraps a fixed credential.
func NewStaticTokenManager(token channel.AuthToken) *StaticTokenManager {
	return &StaticTokenManager{token: token}
}

func (m *StaticTokenManager) GetToken(context.Context) (channel.AuthToken, error) {
	return m.token, nil
}

func (m *StaticTokenManager) HandleSecurityException(context.Context, channel.AuthToken, string) bool {
	return false
}

func (m *StaticTokenManager) IsStatic() bool { return true }

// TokenSupplier fetches a fresh token and its expiration time from wherever
// rotating credentials live (a file, a secrets manager, an STS endpoint).
type TokenSupplier func(ctx context.Context) (token channel.AuthToken, expiresAt time.Time, err error)

// RotatingTokenManager refreshes its token on demand via an injected
// TokenSupplier, coalescing concurrent refreshes into a single call with
// golang.org/x/sync/singleflight — the same "one in-flight refresh, shared
// by all callers" contract spec §4.2/§5 requires, here grounded on the
// pack's singleflight usage rather than hand-rolled locking.
type RotatingTokenManager struct {
	fetch TokenSupplier
	group singleflight.Group

	mu        sync.RWMutex
	current   channel.AuthToken
	hasToken  bool
	expiresAt time.Time
}

// NewRotatingTokenManager creates a manager backed by fetch.
func NewRotatingTokenManager(fetch TokenSupplier) *RotatingTokenManager {
	return &RotatingTokenManager{fetch: fetch}
}

func (m *RotatingTokenManager) IsStatic() bool { return false }

// GetToken returns the cached token unless it is missing or expired, in
// which case it refreshes (spec §4.2 "Any token with expirationTime ≤ now
// is treated as missing").
func (m *RotatingTokenManager) GetToken(ctx context.Context) (channel.AuthToken, error) {
	m.mu.RLock()
	valid := m.hasToken && (m.expiresAt.IsZero() || time.Now().Before(m.expiresAt))
	tok := m.current
	m.mu.RUnlock()
	if valid {
		return tok, nil
	}
	return m.refresh(ctx)
}

// ForceRefresh bypasses the cache, used after a Security.TokenExpired or
// Security.AuthorizationExpired error (spec §4.2 "Error handling").
func (m *RotatingTokenManager) ForceRefresh(ctx context.Context) (channel.AuthToken, error) {
	return m.refresh(ctx)
}

func (m *RotatingTokenManager) refresh(ctx context.Context) (channel.AuthToken, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		tok, expiresAt, err := m.fetch(ctx)
		if err != nil {
			return channel.AuthToken{}, err
		}
		m.mu.Lock()
		m.current = tok
		m.hasToken = true
		m.expiresAt = expiresAt
		m.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return channel.AuthToken{}, err
	}
	return v.(channel.AuthToken), nil
}

// HandleSecurityException forces a refresh on TokenExpired/AuthorizationExpired
// so the next authenticate call observes fresh credentials, and reports the
// error retriable in that case (spec §4.2, §4.7).
func (m *RotatingTokenManager) HandleSecurityException(ctx context.Context, observed channel.AuthToken, code string) bool {
	if code != "Neo.ClientError.Security.TokenExpired" && code != "Neo.ClientError.Security.AuthorizationExpired" {
		return false
	}
	m.mu.RLock()
	stillCurrent := m.hasToken && m.current.Equal(observed)
	m.mu.RUnlock()
	if !stillCurrent {
		// Someone already refreshed past this token; treat as retriable
		// without triggering a redundant fetch.
		return true
	}
	if _, err := m.ForceRefresh(ctx); err != nil {
		return false
	}
	return true
}

// Fingerprint derives a stable, non-reversible identifier for a token's
// credential material, adapted from the teacher's SCRAM-SHA-256
// authenticatePG: the same PBKDF2-HMAC-SHA-256 construction, repurposed
// from a PostgreSQL wire challenge-response into a keying function for the
// Home-DB Cache's per-principal TTL map (spec §4.5), so the cache key never
// contains the raw secret. Token equality checks in the authenticate paths
// use channel.AuthToken.Equal, not this fingerprint. The PBKDF2 salt is
// derived deterministically from the scheme, principal and realm so the
// same credential always fingerprints to the same value.
func Fingerprint(token channel.AuthToken) string {
	salt := saltFor(token.Scheme, token.Principal, token.Realm)
	derived := pbkdf2.Key([]byte(token.Credentials), salt, 4096, 32, sha256.New)
	mac := hmac.New(sha256.New, derived)
	mac.Write([]byte(token.Scheme))
	mac.Write([]byte{0})
	mac.Write([]byte(token.Principal))
	mac.Write([]byte{0})
	mac.Write([]byte(token.Realm))
	sum := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum)
}

func saltFor(scheme, principal, realm string) []byte {
	h := sha256.New()
	h.Write([]byte("graphdriver-fingerprint-salt"))
	h.Write([]byte{0})
	h.Write([]byte(scheme))
	h.Write([]byte{0})
	h.Write([]byte(principal))
	h.Write([]byte{0})
	h.Write([]byte(realm))
	return h.Sum(nil)
}
