// Package provider implements the Direct and Routing Connection Providers
// (spec §4.8, components J and K): the public surface a driver session
// layer calls to borrow a ready-to-use, authenticated connection and hand
// it back when done. It is the composition root tying together
// internal/pool, internal/auth, internal/classify, internal/routing,
// internal/discovery, internal/homedb, and internal/balancer, the same
// role the teacher's proxy.Server plays wiring pool+router+metrics+health
// together, adapted from "accept an inbound client socket and relay it to
// a backend" into "hand an outbound connection to an in-process caller."
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/auth"
	"github.com/graphdriver/core/internal/channel"
	"github.com/graphdriver/core/internal/classify"
	"github.com/graphdriver/core/internal/pool"
	"github.com/graphdriver/core/internal/routing"
)

// AcquireRequest bundles a session's request for a connection (spec
// §4.8).
type AcquireRequest struct {
	Mode             routing.AccessMode
	Database         string
	Bookmarks        []string
	ImpersonatedUser string
	// Auth, when set, requests session-level authentication (spec §4.2,
	// §4.3); nil means authenticate at the driver level using the
	// configured token manager.
	Auth        *channel.AuthToken
	ForceReAuth bool
}

// AcquireResult is the outcome of a successful acquisition. Database is
// the database the connection was actually routed/connected to, which
// for a Routing provider may differ from AcquireRequest.Database when the
// request asked for the default database (spec §4.5).
type AcquireResult struct {
	Connection channel.Connection
	Database   string
}

// ConnectionProvider is the contract both Direct and Routing implement
// (spec §4.8).
type ConnectionProvider interface {
	AcquireConnection(ctx context.Context, req AcquireRequest) (*AcquireResult, error)
	ReleaseConnection(conn channel.Connection)
	VerifyConnectivityAndGetServerInfo(ctx context.Context) (channel.ServerInfo, error)
	VerifyAuthentication(ctx context.Context, token channel.AuthToken) (bool, error)
	SupportsMultiDb(ctx context.Context) (bool, error)
	SupportsTransactionConfig(ctx context.Context) (bool, error)
	SupportsUserImpersonation(ctx context.Context) (bool, error)
	SupportsSessionAuth(ctx context.Context) (bool, error)
	Close()
}

// Protocol version thresholds capability queries compare against (spec
// §4.8): v3 for tx-config, v4.0 for multi-db, v4.4 for impersonation,
// v5.1 for session auth (also the threshold channel.Connection.SupportsReAuth
// uses for re-auth).
var (
	protoMultiDb       = channel.ProtocolVersion{Major: 4, Minor: 0}
	protoTxConfig      = channel.ProtocolVersion{Major: 3, Minor: 0}
	protoImpersonation = channel.ProtocolVersion{Major: 4, Minor: 4}
	protoSessionAuth    = channel.ProtocolVersion{Major: 5, Minor: 1}
)

// base implements the machinery shared by Direct and Routing: pool hook
// wiring, stickiness bookkeeping (spec §4.3), and the post-acquire
// session-auth verification step (spec §4.2, §4.8).
type base struct {
	factory   channel.Factory
	authP     *auth.Provider
	userAgent string
	boltAgent string

	livenessTimeout time.Duration

	pool *pool.Pool

	stickyMu sync.Mutex
	sticky   map[channel.Connection]struct{}

	// registry is nil for a Direct provider, which has no routing table
	// to forget servers from.
	registry *routing.Registry
}

func newBase(factory channel.Factory, authP *auth.Provider, userAgent, boltAgent string, livenessTimeout time.Duration, cfg pool.Config, registry *routing.Registry) *base {
	b := &base{
		factory:         factory,
		authP:           authP,
		userAgent:       userAgent,
		boltAgent:       boltAgent,
		livenessTimeout: livenessTimeout,
		sticky:          make(map[channel.Connection]struct{}),
		registry:        registry,
	}
	b.pool = pool.New(pool.Hooks{
		Create:            b.create,
		Destroy:           b.destroy,
		ValidateOnAcquire: b.validateOnAcquire,
		ValidateOnRelease: b.validateOnRelease,
	}, cfg)
	return b
}

// create opens a fresh channel and, for a driver-level acquisition (no
// session token requested), authenticates it immediately. A
// session-level acquisition defers its first Connect to verifySessionAuth
// so the caller's own token drives the handshake (spec §4.2 step 1).
func (b *base) create(ctx context.Context, addr address.Address, acq pool.AcquireContext) (channel.Connection, error) {
	conn, err := b.factory.Create(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acq.Auth == nil {
		if _, err := b.authP.Authenticate(ctx, auth.Request{
			Connection: conn,
			UserAgent:  b.userAgent,
			BoltAgent:  b.boltAgent,
		}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (b *base) destroy(conn channel.Connection) {
	b.unmarkSticky(conn)
	conn.Close()
}

// validateOnAcquire checks liveness and, for the driver-level auth path
// only, re-authenticates a connection whose cached token has gone stale
// (spec §4.1 Hooks.ValidateOnAcquire doc, §4.2). Session-level requests
// (acq.Auth != nil) are validated afterward by verifySessionAuth, which
// alone can surface the sticky/ErrUserSwitchNotSupported outcome.
func (b *base) validateOnAcquire(ctx context.Context, acq pool.AcquireContext, conn channel.Connection) bool {
	if conn.Closed() {
		return false
	}
	if !b.checkLiveness(ctx, conn) {
		return false
	}
	if acq.Auth != nil {
		return true
	}
	_, err := b.authP.Authenticate(ctx, auth.Request{
		Connection:  conn,
		UserAgent:   b.userAgent,
		BoltAgent:   b.boltAgent,
		ForceReAuth: acq.ForceReAuth,
	})
	return err == nil
}

func (b *base) checkLiveness(ctx context.Context, conn channel.Connection) bool {
	if b.livenessTimeout <= 0 {
		return true
	}
	idle := conn.IdleTimestamp()
	if idle.IsZero() || time.Since(idle) < b.livenessTimeout {
		return true
	}
	return conn.Alive(ctx)
}

// validateOnRelease destroys a connection marked sticky instead of
// re-pooling it (spec §4.3 "a sticky connection must never be reused by
// another session").
func (b *base) validateOnRelease(conn channel.Connection) bool {
	if conn.Closed() {
		return false
	}
	if b.isSticky(conn) {
		return false
	}
	return true
}

func (b *base) markSticky(conn channel.Connection) {
	b.stickyMu.Lock()
	b.sticky[conn] = struct{}{}
	b.stickyMu.Unlock()
}

func (b *base) unmarkSticky(conn channel.Connection) {
	b.stickyMu.Lock()
	delete(b.sticky, conn)
	b.stickyMu.Unlock()
}

func (b *base) isSticky(conn channel.Connection) bool {
	b.stickyMu.Lock()
	defer b.stickyMu.Unlock()
	_, ok := b.sticky[conn]
	return ok
}

// verifySessionAuth runs the session-level authenticate algorithm for a
// request carrying its own token (spec §4.2 steps 2-4, §4.3). A request
// with no token is a no-op: driver-level auth already ran inside
// validateOnAcquire/create.
func (b *base) verifySessionAuth(ctx context.Context, conn channel.Connection, req AcquireRequest) error {
	if req.Auth == nil {
		return nil
	}
	sticky, err := b.authP.Authenticate(ctx, auth.Request{
		Connection:  conn,
		Auth:        req.Auth,
		ForceReAuth: req.ForceReAuth,
		UserAgent:   b.userAgent,
		BoltAgent:   b.boltAgent,
	})
	if sticky {
		b.markSticky(conn)
	}
	return err
}

// ReleaseConnection returns conn to the pool, destroying it instead of
// re-pooling if it was marked sticky (spec §4.3).
func (b *base) ReleaseConnection(conn channel.Connection) {
	b.pool.Release(conn.Address(), conn)
}

// classifyAcquireError maps a pool.Acquire failure onto the driver's
// terminal error taxonomy (spec §7).
func classifyAcquireError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pool.ErrClosed) {
		return classify.Wrap(classify.CodePoolClosed, "connection pool is closed", err)
	}
	if errors.Is(err, pool.ErrAcquisitionTimeout) {
		return classify.Wrap(classify.CodePoolAcquisitionTimeout, "timed out waiting for a pooled connection", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return classify.Wrap(classify.CodeServiceUnavailable, "failed to acquire a connection", err)
}

// errorHooksFor builds the classify.Hooks for one request's database,
// wiring the error classifier's side effects back into the pool, the
// routing registry (if any), and the auth provider (spec §4.7).
func (b *base) errorHooksFor(database string) classify.Hooks {
	h := classify.Hooks{
		NullifyAuthToken: func(addr address.Address) {
			b.pool.Apply(addr, func(c channel.Connection) { c.SetAuthToken(channel.AuthToken{}, false) })
		},
		HandleSecurityException: func(ctx context.Context, conn channel.Connection, code classify.Code) bool {
			return b.authP.HandleError(ctx, conn, string(code))
		},
	}
	if b.registry != nil {
		h.ForgetServer = func(addr address.Address) {
			b.registry.Apply(database, routing.Handlers{
				WhenExists: func(t routing.Table) routing.Table { return t.Forget(addr) },
			})
		}
		h.ForgetWriter = func(addr address.Address) {
			b.registry.Apply(database, routing.Handlers{
				WhenExists: func(t routing.Table) routing.Table { return t.ForgetWriter(addr) },
			})
		}
		h.RoutingTableRendering = func(db string) string {
			return b.registry.Get(db, nil).String()
		}
	}
	return h
}

// notifyError classifies a wire-protocol error observed on conn (spec
// §4.7). A session layer built on top of this module (out of scope per
// spec §1) calls this once per protocol error it sees on an acquired
// connection; the mapping lives here since it depends on this provider's
// pool/registry/auth wiring, exposed via Direct.NotifyError and
// Routing.NotifyError.
func (b *base) notifyError(ctx context.Context, mode classify.Mode, database string, conn channel.Connection, code classify.Code, message string, cause error) error {
	h := classify.NewConnectionErrorHandler(mode, database, b.errorHooksFor(database))
	return h.HandleWireError(ctx, conn, code, message, cause)
}

func (b *base) probeAddress(ctx context.Context, addr address.Address) (channel.Connection, error) {
	conn, err := b.pool.Acquire(ctx, addr, pool.AcquireContext{})
	if err != nil {
		return nil, classifyAcquireError(err)
	}
	return conn, nil
}

func (b *base) Close() {
	b.pool.Close()
}

// Pool exposes the underlying connection pool for diagnostics (spec
// §10's diagnostics API reads pool occupancy directly).
func (b *base) Pool() *pool.Pool { return b.pool }
