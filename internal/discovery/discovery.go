// Package discovery implements the Rediscovery Client (spec §4.4, §4.5,
// component G): the try-seed-then-known-routers (or vice versa) attempt
// loop that fetches a fresh routing table from a cluster router, commits
// it into the registry, and prunes the pool of servers no longer
// referenced by any table. It is grounded in the vendored
// neo4j-go-driver-v5 router's readTable/per-router fallback loop, adapted
// to use golang.org/x/sync/singleflight (as the auth package already does
// for token refresh) instead of a hand-rolled pending-future map for the
// "at most one refresh in flight per database" requirement (spec §4.4,
// §5, testable property 3).
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/channel"
	"github.com/graphdriver/core/internal/classify"
	"github.com/graphdriver/core/internal/pool"
	"github.com/graphdriver/core/internal/routing"
)

// Rediscoverer issues the rediscovery procedure call against an
// already-pooled, already-authenticated connection to a router and
// returns the routing table it describes. The wire procedure itself is
// out of scope for this module (spec §1); a real session/transport layer
// supplies this as the injected hook, the same way channel.DialFactory
// injects a Handshake hook for the binary handshake.
//
// The returned Table's Database field carries the server-resolved name:
// for a request with Database == routing.DefaultDatabase, that is the
// caller's home database, which the routing provider caches via
// internal/homedb (spec §4.5) rather than this package.
type Rediscoverer func(ctx context.Context, conn channel.Connection, req Request) (routing.Table, error)

// Request bundles one rediscovery attempt's parameters (spec §4.4
// "incoming request", §4.5 home-database resolution inputs).
type Request struct {
	Database         string
	Mode             routing.AccessMode
	Bookmarks        []string
	ImpersonatedUser string
}

// PoolAcquirer is the subset of *pool.Pool the client needs to borrow a
// short-lived connection to a router (spec §4.4 "open a short-lived
// session over a pooled connection").
type PoolAcquirer interface {
	Acquire(ctx context.Context, addr address.Address, acq pool.AcquireContext) (channel.Connection, error)
	Release(addr address.Address, conn channel.Connection)
	KeepAll(keep []address.Address)
}

// Client implements the refresh state machine of spec §4.4.
type Client struct {
	Pool           PoolAcquirer
	Registry       *routing.Registry
	Rediscover     Rediscoverer
	Seed           address.Address
	Resolver       address.Resolver
	RoutingContext map[string]string
	PurgeDelay     time.Duration

	group singleflight.Group

	mu            sync.Mutex
	useSeedRouter map[string]bool
}

// NewClient builds a Client. resolver may be nil, in which case
// address.IdentityResolver is used (spec §4.4's "host-name resolver").
func NewClient(p PoolAcquirer, registry *routing.Registry, rediscover Rediscoverer, seed address.Address, resolver address.Resolver, routingContext map[string]string, purgeDelay time.Duration) *Client {
	if resolver == nil {
		resolver = address.IdentityResolver
	}
	if purgeDelay <= 0 {
		purgeDelay = 30 * time.Second
	}
	return &Client{
		Pool:           p,
		Registry:       registry,
		Rediscover:     rediscover,
		Seed:           seed,
		Resolver:       resolver,
		RoutingContext: routingContext,
		PurgeDelay:     purgeDelay,
		useSeedRouter:  make(map[string]bool),
	}
}

func emptyTable(database string) func() routing.Table {
	return func() routing.Table { return routing.Table{Database: database} }
}

// EnsureFresh returns a routing table for req.Database that is not stale
// for req.Mode, refreshing it first if necessary (spec §4.4 "Freshness
// check"). Concurrent callers for the same database share one refresh
// (spec §4.4 "Request coalescing", §5(b), testable property 3).
func (c *Client) EnsureFresh(ctx context.Context, req Request) (routing.Table, error) {
	table := c.Registry.Get(req.Database, emptyTable(req.Database))
	if !table.StaleFor(req.Mode) {
		return table, nil
	}

	v, err, _ := c.group.Do(req.Database, func() (any, error) {
		return c.refresh(ctx, req)
	})
	if err != nil {
		return routing.Table{}, err
	}
	return v.(routing.Table), nil
}

func (c *Client) refresh(ctx context.Context, req Request) (routing.Table, error) {
	candidates, err := c.candidateOrder(ctx, req.Database)
	if err != nil {
		return routing.Table{}, err
	}
	if len(candidates) == 0 {
		current := c.Registry.Get(req.Database, emptyTable(req.Database))
		return routing.Table{}, classify.New(classify.CodeServiceUnavailable,
			fmt.Sprintf("no routers known for database %q and no seed router configured; last known table: %s", req.Database, current))
	}

	var lastErr error
	for _, addr := range candidates {
		table, attemptErr := c.attempt(ctx, addr, req)
		if attemptErr == nil {
			c.commit(table)
			c.setUseSeedRouter(req.Database, len(table.Writers) == 0)
			return table, nil
		}

		var derr *classify.DriverError
		if errors.As(attemptErr, &derr) {
			if derr.Code == classify.CodeProcedureNotFound {
				return routing.Table{}, classify.Wrap(classify.CodeServiceUnavailable,
					fmt.Sprintf("server at %s does not expose a routing procedure (not a cluster member)", addr), attemptErr)
			}
			if derr.Code.IsFailFast() {
				return routing.Table{}, attemptErr
			}
		}

		slog.Debug("rediscovery attempt failed, trying next router",
			"address", addr.String(), "database", req.Database, "error", attemptErr)
		c.forgetRouter(req.Database, addr)
		lastErr = attemptErr
	}

	current := c.Registry.Get(req.Database, emptyTable(req.Database))
	return routing.Table{}, classify.Wrap(classify.CodeServiceUnavailable,
		fmt.Sprintf("could not obtain a routing table for database %q from any router; last known table: %s", req.Database, current),
		lastErr)
}

// candidateOrder builds the ordered router attempt list per spec §4.4's
// useSeedRouter state machine, deduplicating while preserving order.
func (c *Client) candidateOrder(ctx context.Context, database string) ([]address.Address, error) {
	seedAddrs, err := c.Resolver.Resolve(ctx, c.Seed)
	if err != nil {
		slog.Debug("seed router resolution failed", "seed", c.Seed.String(), "error", err)
		seedAddrs = nil
	}
	known := c.Registry.Get(database, emptyTable(database)).Routers

	var ordered []address.Address
	if c.getUseSeedRouter(database) {
		ordered = append(ordered, seedAddrs...)
		ordered = append(ordered, known...)
	} else {
		ordered = append(ordered, known...)
		ordered = append(ordered, seedAddrs...)
	}
	return dedupe(ordered), nil
}

func dedupe(addrs []address.Address) []address.Address {
	seen := make(map[address.Address]struct{}, len(addrs))
	out := make([]address.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// attempt opens a short-lived pooled connection to addr and runs the
// rediscovery procedure over it (spec §4.4 "Per-router attempt").
func (c *Client) attempt(ctx context.Context, addr address.Address, req Request) (routing.Table, error) {
	conn, err := c.Pool.Acquire(ctx, addr, pool.AcquireContext{})
	if err != nil {
		return routing.Table{}, err
	}
	defer c.Pool.Release(addr, conn)

	if c.Rediscover == nil {
		return routing.Table{}, fmt.Errorf("discovery: no rediscoverer configured")
	}
	return c.Rediscover(ctx, conn, Request{
		Database:         req.Database,
		Mode:             req.Mode,
		Bookmarks:        req.Bookmarks,
		ImpersonatedUser: req.ImpersonatedUser,
	})
}

// forgetRouter removes addr from database's routers list in place (spec
// §4.4 "the previous candidate is removed... it is forgotten").
func (c *Client) forgetRouter(database string, addr address.Address) {
	c.Registry.Apply(database, routing.Handlers{
		WhenExists: func(t routing.Table) routing.Table { return t.ForgetRouter(addr) },
	})
}

// commit registers the freshly fetched table, prunes the pool of any
// address no longer referenced by any registered table, and sweeps
// expired tables (spec §4.4 "Commit"). Pruning is computed across every
// registered database's table rather than only the freshly fetched one,
// so a multi-database driver never closes connections a different
// database's table still depends on.
func (c *Client) commit(table routing.Table) {
	c.Registry.Register(table)
	c.Pool.KeepAll(c.allKnownAddresses())
	c.Registry.RemoveExpired(c.PurgeDelay)
}

func (c *Client) allKnownAddresses() []address.Address {
	seen := make(map[address.Address]struct{})
	var out []address.Address
	for _, t := range c.Registry.AllTables() {
		for _, a := range t.AllServers() {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

func (c *Client) getUseSeedRouter(database string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.useSeedRouter[database]
	if !ok {
		return true
	}
	return v
}

func (c *Client) setUseSeedRouter(database string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useSeedRouter[database] = v
}
