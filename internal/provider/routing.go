package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/auth"
	"github.com/graphdriver/core/internal/balancer"
	"github.com/graphdriver/core/internal/channel"
	"github.com/graphdriver/core/internal/classify"
	"github.com/graphdriver/core/internal/discovery"
	"github.com/graphdriver/core/internal/homedb"
	"github.com/graphdriver/core/internal/pool"
	"github.com/graphdriver/core/internal/routing"
)

// Routing is the Routing Connection Provider (spec §4.8, component K): it
// resolves the caller's home database, keeps the routing table fresh via
// internal/discovery, picks a server with internal/balancer, and borrows
// a pooled connection to it.
type Routing struct {
	*base
	registry  *routing.Registry
	discovery *discovery.Client
	homedb    *homedb.Cache
	balancer  *balancer.Balancer
}

// NewRouting creates a Routing provider. rediscover supplies the wire
// call a real transport layer makes to fetch a routing table (spec §1,
// §4.4); purgeDelay and homeDBTTL both default when <= 0.
func NewRouting(
	seed address.Address,
	resolver address.Resolver,
	routingContext map[string]string,
	rediscover discovery.Rediscoverer,
	factory channel.Factory,
	tokens auth.TokenManager,
	userAgent, boltAgent string,
	livenessTimeout time.Duration,
	cfg pool.Config,
	purgeDelay time.Duration,
	homeDBTTL time.Duration,
) *Routing {
	registry := routing.NewRegistry()
	b := newBase(factory, auth.NewProvider(tokens), userAgent, boltAgent, livenessTimeout, cfg, registry)
	r := &Routing{
		base:     b,
		registry: registry,
		homedb:   homedb.NewCache(homeDBTTL),
		balancer: balancer.New(),
	}
	r.discovery = discovery.NewClient(poolAcquirer{b.pool}, registry, rediscover, seed, resolver, routingContext, purgeDelay)
	return r
}

var _ ConnectionProvider = (*Routing)(nil)

// poolAcquirer adapts *pool.Pool to discovery.PoolAcquirer.
type poolAcquirer struct{ p *pool.Pool }

func (a poolAcquirer) Acquire(ctx context.Context, addr address.Address, acq pool.AcquireContext) (channel.Connection, error) {
	return a.p.Acquire(ctx, addr, acq)
}
func (a poolAcquirer) Release(addr address.Address, conn channel.Connection) { a.p.Release(addr, conn) }
func (a poolAcquirer) KeepAll(keep []address.Address)                        { a.p.KeepAll(keep) }

// AcquireConnection resolves the target database, ensures a fresh routing
// table, selects a server, and borrows a pooled connection to it (spec
// §4.8 "Routing").
func (r *Routing) AcquireConnection(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	principal := homedb.PrincipalKey(req.ImpersonatedUser, req.Auth)
	database := req.Database

	resolvingHome := database == routing.DefaultDatabase
	if resolvingHome {
		if cached, ok := r.homedb.Get(ctx, principal); ok {
			database = cached
		}
	}

	table, err := r.discovery.EnsureFresh(ctx, discovery.Request{
		Database:         database,
		Mode:             req.Mode,
		Bookmarks:        req.Bookmarks,
		ImpersonatedUser: req.ImpersonatedUser,
	})
	if err != nil {
		if resolvingHome {
			r.homedb.Forget(principal)
		}
		return nil, err
	}

	if resolvingHome && table.Database != routing.DefaultDatabase {
		r.homedb.Put(principal, table.Database)
		database = table.Database
	}

	var candidates []address.Address
	switch req.Mode {
	case routing.Write:
		candidates = table.Writers
	case routing.Read:
		candidates = table.Readers
	default:
		return nil, classify.New(classify.CodeIllegalAccessMode,
			fmt.Sprintf("illegal access mode %v", req.Mode))
	}
	if len(candidates) == 0 {
		return nil, classify.New(classify.CodeSessionExpired,
			fmt.Sprintf("no %s servers available for database %q", req.Mode, database)).WithRoutingTable(table.String())
	}

	addr, ok := r.balancer.Select(database+"/"+req.Mode.String(), candidates, r.pool.InUseCount)
	if !ok {
		return nil, classify.New(classify.CodeSessionExpired, "no candidate servers available").WithRoutingTable(table.String())
	}

	conn, err := r.pool.Acquire(ctx, addr, pool.AcquireContext{Auth: req.Auth, ForceReAuth: req.ForceReAuth})
	if err != nil {
		return nil, classifyAcquireError(err)
	}

	if err := r.verifySessionAuth(ctx, conn, req); err != nil {
		r.pool.Release(addr, conn)
		return nil, err
	}

	return &AcquireResult{Connection: conn, Database: database}, nil
}

// VerifyConnectivityAndGetServerInfo ensures a routing table is available
// for the default database and returns the identity of the server it
// acquires a connection to (spec §4.8).
func (r *Routing) VerifyConnectivityAndGetServerInfo(ctx context.Context) (channel.ServerInfo, error) {
	res, err := r.AcquireConnection(ctx, AcquireRequest{Mode: routing.Read})
	if err != nil {
		return channel.ServerInfo{}, err
	}
	defer r.ReleaseConnection(res.Connection)
	return res.Connection.Server(), nil
}

// VerifyAuthentication checks whether token is accepted by a server
// reachable through the current routing table (spec §4.8).
func (r *Routing) VerifyAuthentication(ctx context.Context, token channel.AuthToken) (bool, error) {
	res, err := r.AcquireConnection(ctx, AcquireRequest{Mode: routing.Read, Auth: &token})
	if err != nil {
		var derr *classify.DriverError
		if errors.As(err, &derr) && derr.Code.IsSecurity() {
			return false, nil
		}
		if errors.Is(err, auth.ErrUserSwitchNotSupported) {
			return false, nil
		}
		return false, err
	}
	r.ReleaseConnection(res.Connection)
	return true, nil
}

func (r *Routing) SupportsMultiDb(ctx context.Context) (bool, error) {
	return r.supports(ctx, protoMultiDb)
}
func (r *Routing) SupportsTransactionConfig(ctx context.Context) (bool, error) {
	return r.supports(ctx, protoTxConfig)
}
func (r *Routing) SupportsUserImpersonation(ctx context.Context) (bool, error) {
	return r.supports(ctx, protoImpersonation)
}
func (r *Routing) SupportsSessionAuth(ctx context.Context) (bool, error) {
	return r.supports(ctx, protoSessionAuth)
}

// NotifyError classifies a wire-protocol error observed on conn for
// database (spec §4.7), forgetting servers from the routing table and
// nullifying/rotating auth tokens as the Routing-mode action table
// dictates.
func (r *Routing) NotifyError(ctx context.Context, database string, conn channel.Connection, code classify.Code, message string, cause error) error {
	return r.notifyError(ctx, classify.Routing, database, conn, code, message, cause)
}

func (r *Routing) supports(ctx context.Context, threshold channel.ProtocolVersion) (bool, error) {
	res, err := r.AcquireConnection(ctx, AcquireRequest{Mode: routing.Read})
	if err != nil {
		return false, err
	}
	defer r.ReleaseConnection(res.Connection)
	return res.Connection.Protocol().AtLeast(threshold), nil
}

// Close shuts down the pool and the home-database cache's sweeper.
func (r *Routing) Close() {
	r.homedb.Stop()
	r.base.Close()
}

// Registry exposes the routing table registry for diagnostics (spec
// §10's diagnostics API renders current routing tables).
func (r *Routing) Registry() *routing.Registry { return r.registry }
