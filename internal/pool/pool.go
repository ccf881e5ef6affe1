// Package pool implements the bounded, keyed connection pool described in
// spec §4.1 (component D). It is adapted from the teacher's
// internal/pool.TenantPool/Manager: the same sync.Cond-based FIFO waiter
// queue and idle reaper, generalized from "one pool per tenant dialing a
// fixed SQL backend" to "one pool per server address, with
// create/validate/destroy hooks supplied by the connection provider."
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/channel"
)

// AcquireContext carries the optional auth/re-auth intent through to the
// create/validate hooks (spec §4.1).
type AcquireContext struct {
	Auth        *channel.AuthToken
	ForceReAuth bool
	SkipReAuth  bool
}

// Hooks are the validation/lifecycle callbacks injected by the connection
// provider (spec §4.1 "Validation hooks").
type Hooks struct {
	// Create opens a channel, performs the handshake, and authenticates.
	// On failure the pool treats the slot as never having been taken.
	Create func(ctx context.Context, addr address.Address, acq AcquireContext) (channel.Connection, error)
	// Destroy closes the underlying channel and unregisters it from any
	// open-connection bookkeeping the provider keeps.
	Destroy func(conn channel.Connection)
	// ValidateOnAcquire returns false if the connection is closed, beyond
	// MaxConnectionLifetime, fails a liveness probe, or fails re-auth.
	ValidateOnAcquire func(ctx context.Context, acq AcquireContext, conn channel.Connection) bool
	// ValidateOnRelease returns false if the connection is closed, beyond
	// MaxConnectionLifetime, or sticky.
	ValidateOnRelease func(conn channel.Connection) bool
}

// Config are the pool-wide configuration knobs (spec §6).
type Config struct {
	// MaxSize is the maximum number of connections (idle + leased) per
	// address.
	MaxSize int
	// GlobalMaxSize bounds idle+leased connections across all addresses;
	// zero means unbounded.
	GlobalMaxSize int
	// AcquisitionTimeout bounds how long Acquire waits for an idle slot
	// once at capacity; zero means fail immediately.
	AcquisitionTimeout time.Duration
	// MaxConnectionLifetime fails validation for entries older than this;
	// zero means no lifetime limit.
	MaxConnectionLifetime time.Duration
	// LivenessCheckTimeout is carried for configuration parity; the pool
	// itself does not read it. Liveness probing of entries idle longer than
	// a threshold is done by the ValidateOnAcquire hook, which the
	// connection provider configures with its own timeout.
	LivenessCheckTimeout time.Duration
	// MinSize is an optional idle floor the reaper will not trim below;
	// zero (the default) means idle connections may be reaped down to
	// none, appropriate for addresses that come and go with the routing
	// table, unlike the teacher which always warms a per-tenant minimum.
	MinSize int
	// IdleCheckInterval is the reaper ticker period; defaults to 30s.
	IdleCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = 30 * time.Second
	}
	return c
}

// Stats reports a point-in-time snapshot of one address's occupancy
// (spec §4.1), served by the diagnostics API's /pools endpoint.
type Stats struct {
	Address string `json:"address"`
	Active  int    `json:"active"`
	Idle    int    `json:"idle"`
	Total   int    `json:"total"`
	Waiting int    `json:"waiting"`
	MaxSize int    `json:"max_size"`
}

// Pool is the top-level, keyed, bounded connection pool (spec §4.1,
// §5 "the pool is the sole mutator of per-address counters and queues").
type Pool struct {
	hooks  Hooks
	config Config

	mu        sync.Mutex
	addresses map[address.Address]*addressPool
	globalCur int
	closed    bool
	stopCh    chan struct{}
	closeOnce sync.Once
}

// New creates a Pool with the given hooks and configuration.
func New(hooks Hooks, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		hooks:     hooks,
		config:    cfg,
		addresses: make(map[address.Address]*addressPool),
		stopCh:    make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.config.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapAll()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapAll() {
	p.mu.Lock()
	pools := make([]*addressPool, 0, len(p.addresses))
	for _, ap := range p.addresses {
		pools = append(pools, ap)
	}
	p.mu.Unlock()

	for _, ap := range pools {
		reaped := ap.reapIdle(p.config.MaxConnectionLifetime, p.config.MinSize, p.hooks.Destroy)
		if reaped > 0 {
			p.mu.Lock()
			p.globalCur -= reaped
			p.mu.Unlock()
		}
	}
}

// getOrCreate returns (creating if needed) the per-address pool.
func (p *Pool) getOrCreate(addr address.Address) (*addressPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("connection pool: %w", ErrClosed)
	}
	ap, ok := p.addresses[addr]
	if !ok {
		ap = newAddressPool(addr, p.config, p.hooks, p)
		p.addresses[addr] = ap
	}
	return ap, nil
}

// tryAcquireGlobalSlot reserves a global slot if GlobalMaxSize is set,
// returning false if the pool is at global capacity.
func (p *Pool) tryAcquireGlobalSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config.GlobalMaxSize > 0 && p.globalCur >= p.config.GlobalMaxSize {
		return false
	}
	p.globalCur++
	return true
}

func (p *Pool) releaseGlobalSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.globalCur > 0 {
		p.globalCur--
	}
}

// Acquire returns an idle connection for addr, creating one if capacity
// allows, else waiting up to Config.AcquisitionTimeout (spec §4.1).
func (p *Pool) Acquire(ctx context.Context, addr address.Address, acq AcquireContext) (channel.Connection, error) {
	ap, err := p.getOrCreate(addr)
	if err != nil {
		return nil, err
	}
	return ap.acquire(ctx, acq)
}

// Release returns a leased connection to the pool (spec §4.1). If the
// address has no pool (e.g. after Close, or because Purge retired it out
// from under a still-leased connection), the connection is destroyed and
// the global slot it was occupying is freed — the addressPool that would
// normally account for it is already gone, so Pool itself must release
// the slot to avoid leaking global capacity (spec §3 invariant: total
// in-use + total idle <= global limit).
func (p *Pool) Release(addr address.Address, conn channel.Connection) {
	p.mu.Lock()
	ap, ok := p.addresses[addr]
	p.mu.Unlock()
	if !ok {
		if p.hooks.Destroy != nil {
			p.hooks.Destroy(conn)
		}
		p.releaseGlobalSlot()
		return
	}
	ap.release(conn)
}

// Purge destroys all idle entries for addr and retires its addressPool, so
// any in-flight leased connection is destroyed (not re-pooled) on Release,
// and a later Acquire for the same address starts a fresh pool (spec §4.1).
func (p *Pool) Purge(addr address.Address) {
	p.mu.Lock()
	ap, ok := p.addresses[addr]
	if ok {
		delete(p.addresses, addr)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	reaped := ap.purge()
	p.mu.Lock()
	p.globalCur -= reaped
	p.mu.Unlock()
}

// KeepAll purges every address not present in keep, used after routing
// table updates (spec §4.1, §4.4 "commit").
func (p *Pool) KeepAll(keep []address.Address) {
	keepSet := make(map[address.Address]struct{}, len(keep))
	for _, a := range keep {
		keepSet[a] = struct{}{}
	}

	p.mu.Lock()
	var toPurge []address.Address
	for a := range p.addresses {
		if _, ok := keepSet[a]; !ok {
			toPurge = append(toPurge, a)
		}
	}
	p.mu.Unlock()

	for _, a := range toPurge {
		p.Purge(a)
	}
}

// Apply invokes fn for every pooled connection (idle and in-use) of addr,
// used for bulk auth-token invalidation without closing the connection
// (spec §4.1, §4.7).
func (p *Pool) Apply(addr address.Address, fn func(channel.Connection)) {
	p.mu.Lock()
	ap, ok := p.addresses[addr]
	p.mu.Unlock()
	if !ok {
		return
	}
	ap.apply(fn)
}

// InUseCount returns the number of leased connections for addr, used by
// the load-balancing strategy (spec §4.6). Returns 0 for an address with
// no pool yet.
func (p *Pool) InUseCount(addr address.Address) int {
	p.mu.Lock()
	ap, ok := p.addresses[addr]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return ap.inUseCount()
}

// Stats returns the current snapshot for addr, or the zero Stats if the
// address has no pool.
func (p *Pool) Stats(addr address.Address) Stats {
	p.mu.Lock()
	ap, ok := p.addresses[addr]
	p.mu.Unlock()
	if !ok {
		return Stats{Address: addr.String(), MaxSize: p.config.MaxSize}
	}
	return ap.stats()
}

// AllStats returns stats for every address with a pool.
func (p *Pool) AllStats() []Stats {
	p.mu.Lock()
	pools := make([]*addressPool, 0, len(p.addresses))
	for _, ap := range p.addresses {
		pools = append(pools, ap)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(pools))
	for _, ap := range pools {
		out = append(out, ap.stats())
	}
	return out
}

// Close terminates all entries and rejects pending waiters (spec §4.1).
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pools := make([]*addressPool, 0, len(p.addresses))
	for _, ap := range p.addresses {
		pools = append(pools, ap)
	}
	p.addresses = make(map[address.Address]*addressPool)
	p.mu.Unlock()

	for _, ap := range pools {
		ap.closeAll()
	}
	slog.Info("connection pool closed")
}
