package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/graphdriver/core/internal/address"
)

// tcpConnection is the default Connection: a raw net.Conn plus the
// bookkeeping the pool, auth provider, and error classifier need. It
// performs no wire-protocol I/O of its own beyond the optional handshake
// hook injected by DialFactory and a liveness probe borrowed from the
// teacher's PooledConn.Ping.
type tcpConnection struct {
	mu       sync.Mutex
	raw      net.Conn
	address  address.Address
	server   ServerInfo
	protocol ProtocolVersion

	token   AuthToken
	hasAuth bool

	created time.Time
	idle    time.Time
	closed  bool
}

func (c *tcpConnection) ID() string { return c.address.String() }

func (c *tcpConnection) Address() address.Address { return c.address }

func (c *tcpConnection) Server() ServerInfo { return c.server }

func (c *tcpConnection) Protocol() ProtocolVersion { return c.protocol }

func (c *tcpConnection) AuthToken() (AuthToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.hasAuth
}

func (c *tcpConnection) SetAuthToken(token AuthToken, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.hasAuth = ok
}

func (c *tcpConnection) SupportsReAuth() bool {
	return c.protocol.AtLeast(ProtocolVersion{Major: 5, Minor: 1})
}

func (c *tcpConnection) Connect(_ context.Context, _, _ string, auth AuthToken, _ bool) error {
	c.SetAuthToken(auth, true)
	return nil
}

func (c *tcpConnection) ResetAndFlush(_ context.Context) error {
	return nil
}

func (c *tcpConnection) CreationTimestamp() time.Time { return c.created }

func (c *tcpConnection) IdleTimestamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

func (c *tcpConnection) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = time.Now()
}

func (c *tcpConnection) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = time.Time{}
}

// Alive performs a 1-byte read with a short deadline: a timeout means the
// connection is alive but idle, any other error means it is dead. Ported
// from the teacher's PooledConn.Ping.
func (c *tcpConnection) Alive(_ context.Context) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	c.raw.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := c.raw.Read(buf)
	c.raw.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true
		}
		return false
	}
	return true
}

func (c *tcpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

func (c *tcpConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
