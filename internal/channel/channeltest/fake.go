// Package channeltest provides an in-memory channel.Connection and
// channel.Factory double for exercising the pool, auth, discovery, and
// provider packages without a real socket.
package channeltest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/channel"
)

// Fake is an in-memory channel.Connection.
type Fake struct {
	mu sync.Mutex

	id       string
	addr     address.Address
	server   channel.ServerInfo
	protocol channel.ProtocolVersion
	reAuth   bool

	token   channel.AuthToken
	hasAuth bool

	created time.Time
	idle    time.Time
	closed  bool

	// ConnectErr, when non-nil, is returned by every Connect call.
	ConnectErr error
	// ConnectCount counts calls to Connect.
	ConnectCount int32
	// AliveFunc overrides the default liveness response.
	AliveFunc func() bool
	// ResetErr, when non-nil, is returned by ResetAndFlush.
	ResetErr error
}

// New creates a Fake for the given address with protocol version 5.4 and
// re-auth support, matching a modern server by default.
func New(addr address.Address) *Fake {
	return &Fake{
		id:       addr.String(),
		addr:     addr,
		protocol: channel.ProtocolVersion{Major: 5, Minor: 4},
		reAuth:   true,
		created:  time.Now(),
		server:   channel.ServerInfo{Address: addr, Agent: "fake/1.0", ProtocolVersion: channel.ProtocolVersion{Major: 5, Minor: 4}},
	}
}

// WithProtocol sets the negotiated protocol version (and re-auth support
// implied by it, if not separately overridden with WithReAuth).
func (f *Fake) WithProtocol(v channel.ProtocolVersion) *Fake {
	f.protocol = v
	f.server.ProtocolVersion = v
	f.reAuth = v.AtLeast(channel.ProtocolVersion{Major: 5, Minor: 1})
	return f
}

// WithReAuth overrides re-auth support independent of protocol version.
func (f *Fake) WithReAuth(supported bool) *Fake {
	f.reAuth = supported
	return f
}

func (f *Fake) ID() string                   { return f.id }
func (f *Fake) Address() address.Address     { return f.addr }
func (f *Fake) Server() channel.ServerInfo    { return f.server }
func (f *Fake) Protocol() channel.ProtocolVersion { return f.protocol }

func (f *Fake) AuthToken() (channel.AuthToken, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.hasAuth
}

func (f *Fake) SetAuthToken(token channel.AuthToken, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	f.hasAuth = ok
}

func (f *Fake) SupportsReAuth() bool { return f.reAuth }

func (f *Fake) Connect(_ context.Context, _, _ string, auth channel.AuthToken, _ bool) error {
	atomic.AddInt32(&f.ConnectCount, 1)
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.SetAuthToken(auth, true)
	return nil
}

func (f *Fake) ResetAndFlush(_ context.Context) error { return f.ResetErr }

func (f *Fake) CreationTimestamp() time.Time { return f.created }

func (f *Fake) IdleTimestamp() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *Fake) MarkIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = time.Now()
}

func (f *Fake) MarkActive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = time.Time{}
}

func (f *Fake) Alive(_ context.Context) bool {
	if f.AliveFunc != nil {
		return f.AliveFunc()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Factory is a channel.Factory that hands out Fakes, optionally failing
// for specific addresses.
type Factory struct {
	mu sync.Mutex

	// FailAddresses maps an address string to the error Create should
	// return for it.
	FailAddresses map[string]error
	// Created records every connection this factory has produced, keyed
	// by address string, in creation order.
	Created map[string][]*Fake
	// Configure, if set, is called on every freshly created Fake before
	// it is returned, letting tests customize protocol/re-auth per call.
	Configure func(*Fake)
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{
		FailAddresses: make(map[string]error),
		Created:       make(map[string][]*Fake),
	}
}

// Create implements channel.Factory.
func (f *Factory) Create(_ context.Context, addr address.Address) (channel.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.FailAddresses[addr.String()]; ok && err != nil {
		return nil, err
	}

	conn := New(addr)
	if f.Configure != nil {
		f.Configure(conn)
	}
	f.Created[addr.String()] = append(f.Created[addr.String()], conn)
	return conn, nil
}

// CountCreated returns how many connections were created for addr.
func (f *Factory) CountCreated(addr address.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created[addr.String()])
}

// FailAddress makes subsequent Create calls for addr fail with err.
func (f *Factory) FailAddress(addr address.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("dial %s: connection refused", addr)
	}
	f.FailAddresses[addr.String()] = err
}
