// Package channel defines the ChannelConnection contract the connection
// provider core consumes from the transport layer (spec §6) and ships a
// plain TCP-dialing default implementation. The binary framing/handshake
// itself is out of scope for this module (spec §1); DialFactory.Handshake
// (and, for routing, discovery.Rediscoverer) are the injected hooks a real
// transport would implement with the actual wire codec.
package channel

import (
	"context"
	"net"
	"time"

	"github.com/graphdriver/core/internal/address"
)

// ProtocolVersion is the negotiated Bolt-style protocol version,
// compared against fixed thresholds by the capability queries in
// spec §4.8 (supportsMultiDb, etc).
type ProtocolVersion struct {
	Major int
	Minor int
}

// AtLeast reports whether this version is >= other.
func (v ProtocolVersion) AtLeast(other ProtocolVersion) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}

// AuthToken is an opaque credential blob. Two tokens are compared for
// "semantic deep equality" (spec §4.2) via Equal, not pointer identity.
type AuthToken struct {
	Scheme      string
	Principal   string
	Credentials string
	Realm       string
	Parameters  map[string]any
}

// Equal reports whether two tokens carry the same credential material.
func (t AuthToken) Equal(o AuthToken) bool {
	if t.Scheme != o.Scheme || t.Principal != o.Principal ||
		t.Credentials != o.Credentials || t.Realm != o.Realm {
		return false
	}
	if len(t.Parameters) != len(o.Parameters) {
		return false
	}
	for k, v := range t.Parameters {
		ov, ok := o.Parameters[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// ServerInfo describes a negotiated connection's remote endpoint,
// returned from connectivity verification (spec §4.8).
type ServerInfo struct {
	Address         address.Address
	Agent           string
	ProtocolVersion ProtocolVersion
}

// Connection is the contract the pool, authentication provider, and
// error classifier consume from the transport layer (spec §6).
type Connection interface {
	// ID is a transport-assigned connection identifier, used only for
	// logging/diagnostics.
	ID() string
	// Address is the remote server this connection is attached to.
	Address() address.Address
	// Server returns negotiated server identity information.
	Server() ServerInfo
	// Protocol returns the negotiated protocol version.
	Protocol() ProtocolVersion
	// AuthToken returns the token this connection last authenticated
	// with, or the zero value if never authenticated.
	AuthToken() (AuthToken, bool)
	// SetAuthToken overwrites the cached auth-token reference without
	// touching the wire — used by the error classifier to null out a
	// stale token after a security exception (spec §4.7).
	SetAuthToken(token AuthToken, ok bool)
	// SupportsReAuth reports whether the negotiated protocol version
	// supports re-authenticating an already-open connection (spec §4.3).
	SupportsReAuth() bool
	// Connect performs (or re-performs) the authentication handshake.
	// waitReAuth indicates whether the caller wants to block until any
	// in-flight re-auth on this connection settles.
	Connect(ctx context.Context, userAgent, boltAgent string, auth AuthToken, waitReAuth bool) error
	// ResetAndFlush sends a protocol reset and waits for acknowledgement;
	// used by connectivity verification before reusing a non-fresh
	// connection (spec §4.8).
	ResetAndFlush(ctx context.Context) error
	// CreationTimestamp is when this connection was established.
	CreationTimestamp() time.Time
	// IdleTimestamp is when this connection last became idle; the zero
	// time if never idle.
	IdleTimestamp() time.Time
	// MarkIdle/MarkActive update IdleTimestamp bookkeeping; called by the
	// pool on release/acquire.
	MarkIdle()
	MarkActive()
	// Alive performs a passive liveness check; it must not block on
	// network I/O beyond a short deadline (spec §4.1 validateOnAcquire).
	Alive(ctx context.Context) bool
	// Close tears down the underlying channel. Idempotent.
	Close() error
	// Closed reports whether Close has been called.
	Closed() bool
}

// Factory creates new ChannelConnections against a given address,
// matching the spec §6 createChannelConnection contract. The rediscovery
// call and error handling are left to the caller (the discovery client and
// the delegate connection respectively) rather than baked into the factory,
// so the core stays independent of the actual wire codec.
type Factory interface {
	Create(ctx context.Context, addr address.Address) (Connection, error)
}

// DialFactory is the default Factory: it opens a raw TCP connection and
// wraps it, deferring all protocol handshake work to Connect — mirroring
// the teacher's net.Dialer-based TenantPool.dial, generalized away from a
// specific SQL wire protocol.
type DialFactory struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
	// Handshake is invoked once per new raw connection to perform
	// whatever out-of-band negotiation (Bolt HELLO, protocol version
	// exchange) the real transport requires. It is nil-safe: if unset,
	// Protocol() reports the zero version and Connect is a no-op beyond
	// recording the token, which is sufficient for unit tests that stub
	// out the wire entirely.
	Handshake func(ctx context.Context, raw net.Conn) (ProtocolVersion, ServerInfo, error)
}

// Create implements Factory.
func (f *DialFactory) Create(ctx context.Context, addr address.Address) (Connection, error) {
	dialer := net.Dialer{Timeout: f.DialTimeout, KeepAlive: f.KeepAlive}
	raw, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	conn := &tcpConnection{
		raw:     raw,
		address: addr,
		created: time.Now(),
	}

	if f.Handshake != nil {
		version, info, err := f.Handshake(ctx, raw)
		if err != nil {
			raw.Close()
			return nil, err
		}
		conn.protocol = version
		conn.server = info
	}

	return conn, nil
}
