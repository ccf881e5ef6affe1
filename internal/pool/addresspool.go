package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/channel"
)

// ErrClosed is wrapped into errors returned once a pool (or one of its
// per-address queues) has been closed or purged out from under a caller,
// so provider code can tell a closed pool apart from a timed-out wait via
// errors.Is (spec §7 "PoolClosed").
var ErrClosed = errors.New("connection pool closed")

// ErrAcquisitionTimeout is wrapped into the error Acquire returns once
// Config.AcquisitionTimeout elapses with no idle slot available (spec §7
// "PoolAcquisitionTimeout").
var ErrAcquisitionTimeout = errors.New("connection pool acquisition timeout")

// addressPool holds the connections for a single server address, with the
// same sync.Cond FIFO waiter pattern as the teacher's TenantPool.Acquire.
type addressPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	addr   address.Address
	config Config
	hooks  Hooks
	parent *Pool

	idle    []channel.Connection
	active  map[channel.Connection]struct{}
	total   int
	waiting int
	closed  bool
}

func newAddressPool(addr address.Address, cfg Config, hooks Hooks, parent *Pool) *addressPool {
	ap := &addressPool{
		addr:   addr,
		config: cfg,
		hooks:  hooks,
		parent: parent,
		active: make(map[channel.Connection]struct{}),
	}
	ap.cond = sync.NewCond(&ap.mu)
	return ap
}

// acquire mirrors the teacher's TenantPool.Acquire loop: try an idle slot,
// else create under the per-address and global caps, else wait on the
// condition variable with a deadline built from AcquisitionTimeout.
func (ap *addressPool) acquire(ctx context.Context, acq AcquireContext) (channel.Connection, error) {
	var deadlineAt time.Time
	if ap.config.AcquisitionTimeout > 0 {
		deadlineAt = time.Now().Add(ap.config.AcquisitionTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
			deadlineAt = d
		}
	}

	ap.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			ap.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if ap.closed {
			ap.mu.Unlock()
			return nil, fmt.Errorf("pool closed for address %s: %w", ap.addr, ErrClosed)
		}

		for len(ap.idle) > 0 {
			conn := ap.idle[len(ap.idle)-1]
			ap.idle = ap.idle[:len(ap.idle)-1]

			if !ap.validate(ctx, acq, conn) {
				ap.total--
				ap.parent.releaseGlobalSlot()
				ap.destroy(conn)
				continue
			}

			conn.MarkActive()
			ap.active[conn] = struct{}{}
			ap.mu.Unlock()
			return conn, nil
		}

		maxSize := ap.config.MaxSize
		if maxSize <= 0 || ap.total < maxSize {
			if !ap.parent.tryAcquireGlobalSlot() {
				// global cap reached; fall through to waiting
			} else {
				ap.total++
				ap.mu.Unlock()

				conn, err := ap.create(ctx, acq)
				if err != nil {
					ap.mu.Lock()
					ap.total--
					ap.mu.Unlock()
					ap.parent.releaseGlobalSlot()
					return nil, fmt.Errorf("creating connection to %s: %w", ap.addr, err)
				}

				conn.MarkActive()
				ap.mu.Lock()
				ap.active[conn] = struct{}{}
				ap.mu.Unlock()
				return conn, nil
			}
		}

		if ap.config.AcquisitionTimeout <= 0 {
			ap.mu.Unlock()
			return nil, fmt.Errorf("pool acquisition timeout for address %s: %w", ap.addr, ErrAcquisitionTimeout)
		}

		ap.waiting++
		if deadlineAt.IsZero() {
			ap.cond.Wait()
		} else {
			remaining := time.Until(deadlineAt)
			if remaining <= 0 {
				ap.waiting--
				ap.mu.Unlock()
				return nil, fmt.Errorf("pool acquisition timeout for address %s: %w", ap.addr, ErrAcquisitionTimeout)
			}
			timer := time.AfterFunc(remaining, func() { ap.cond.Broadcast() })
			ap.cond.Wait()
			timer.Stop()
		}
		ap.waiting--

		if ap.closed {
			ap.mu.Unlock()
			return nil, fmt.Errorf("pool closing for address %s: %w", ap.addr, ErrClosed)
		}
		if !deadlineAt.IsZero() && time.Now().After(deadlineAt) {
			ap.mu.Unlock()
			return nil, fmt.Errorf("pool acquisition timeout for address %s: %w", ap.addr, ErrAcquisitionTimeout)
		}
		// retry from the top, mu is held
	}
}

func (ap *addressPool) create(ctx context.Context, acq AcquireContext) (channel.Connection, error) {
	if ap.hooks.Create == nil {
		return nil, fmt.Errorf("no create hook configured")
	}
	return ap.hooks.Create(ctx, ap.addr, acq)
}

func (ap *addressPool) destroy(conn channel.Connection) {
	if ap.hooks.Destroy != nil {
		ap.hooks.Destroy(conn)
		return
	}
	conn.Close()
}

func (ap *addressPool) validate(ctx context.Context, acq AcquireContext, conn channel.Connection) bool {
	if conn.Closed() {
		return false
	}
	if ap.config.MaxConnectionLifetime > 0 && time.Since(conn.CreationTimestamp()) > ap.config.MaxConnectionLifetime {
		return false
	}
	if ap.hooks.ValidateOnAcquire != nil {
		return ap.hooks.ValidateOnAcquire(ctx, acq, conn)
	}
	return true
}

// release returns a leased connection to the idle list, or destroys it if
// it fails ValidateOnRelease (spec §4.1, e.g. sticky connections).
func (ap *addressPool) release(conn channel.Connection) {
	ap.mu.Lock()
	delete(ap.active, conn)

	keep := !ap.closed && !conn.Closed()
	if keep && ap.config.MaxConnectionLifetime > 0 && time.Since(conn.CreationTimestamp()) > ap.config.MaxConnectionLifetime {
		keep = false
	}
	if keep && ap.hooks.ValidateOnRelease != nil {
		keep = ap.hooks.ValidateOnRelease(conn)
	}

	if !keep {
		ap.total--
		ap.mu.Unlock()
		ap.parent.releaseGlobalSlot()
		ap.destroy(conn)
		ap.mu.Lock()
		ap.cond.Signal()
		ap.mu.Unlock()
		return
	}

	conn.MarkIdle()
	ap.idle = append(ap.idle, conn)
	ap.cond.Signal()
	ap.mu.Unlock()
}

// purge destroys every idle entry and retires this addressPool: the
// caller (Pool.Purge) removes it from the address map first, so any
// connection still active against it is destroyed directly on Release
// rather than being re-pooled here. Returns the count of slots freed
// immediately.
func (ap *addressPool) purge() int {
	ap.mu.Lock()
	ap.closed = true
	idle := ap.idle
	ap.idle = nil
	ap.total -= len(idle)
	freed := len(idle)
	ap.cond.Broadcast()
	ap.mu.Unlock()

	for _, conn := range idle {
		ap.destroy(conn)
	}
	return freed
}

// apply invokes fn for every idle and active connection.
func (ap *addressPool) apply(fn func(channel.Connection)) {
	ap.mu.Lock()
	conns := make([]channel.Connection, 0, len(ap.idle)+len(ap.active))
	conns = append(conns, ap.idle...)
	for c := range ap.active {
		conns = append(conns, c)
	}
	ap.mu.Unlock()

	for _, c := range conns {
		fn(c)
	}
}

func (ap *addressPool) inUseCount() int {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return len(ap.active)
}

func (ap *addressPool) stats() Stats {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return Stats{
		Address: ap.addr.String(),
		Active:  len(ap.active),
		Idle:    len(ap.idle),
		Total:   ap.total,
		Waiting: ap.waiting,
		MaxSize: ap.config.MaxSize,
	}
}

// reapIdle closes idle entries beyond maxLifetime, keeping at least
// minSize idle connections, mirroring the teacher's TenantPool.reapIdle.
func (ap *addressPool) reapIdle(maxLifetime time.Duration, minSize int, destroy func(channel.Connection)) int {
	ap.mu.Lock()
	if len(ap.idle) <= minSize {
		ap.mu.Unlock()
		return 0
	}

	kept := make([]channel.Connection, 0, len(ap.idle))
	var toClose []channel.Connection
	excess := len(ap.idle) - minSize
	for i, conn := range ap.idle {
		expired := maxLifetime > 0 && time.Since(conn.CreationTimestamp()) > maxLifetime
		if i < excess && expired {
			toClose = append(toClose, conn)
			ap.total--
		} else {
			kept = append(kept, conn)
		}
	}
	ap.idle = kept
	ap.mu.Unlock()

	for _, conn := range toClose {
		if destroy != nil {
			destroy(conn)
		} else {
			conn.Close()
		}
	}
	return len(toClose)
}

// closeAll closes every idle and active connection and wakes all waiters,
// mirroring the teacher's TenantPool.Close/Drain.
func (ap *addressPool) closeAll() {
	ap.mu.Lock()
	ap.closed = true
	idle := ap.idle
	ap.idle = nil
	active := make([]channel.Connection, 0, len(ap.active))
	for c := range ap.active {
		active = append(active, c)
	}
	ap.active = make(map[channel.Connection]struct{})
	ap.cond.Broadcast()
	ap.mu.Unlock()

	for _, conn := range idle {
		ap.destroy(conn)
	}
	for _, conn := range active {
		ap.destroy(conn)
	}
}
