package provider

import (
	"context"
	"errors"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/auth"
	"github.com/graphdriver/core/internal/channel"
	"github.com/graphdriver/core/internal/classify"
	"github.com/graphdriver/core/internal/pool"
)

// Direct is the Direct Connection Provider (spec §4.8, component J): a
// single fixed server address, no routing table, no rediscovery. It
// backs drivers configured against a single standalone server (or a
// single cluster member the caller addresses directly).
type Direct struct {
	*base
	address address.Address
}

// NewDirect creates a Direct provider for a single server address.
func NewDirect(addr address.Address, factory channel.Factory, tokens auth.TokenManager, userAgent, boltAgent string, livenessTimeout time.Duration, cfg pool.Config) *Direct {
	return &Direct{
		base:    newBase(factory, auth.NewProvider(tokens), userAgent, boltAgent, livenessTimeout, cfg, nil),
		address: addr,
	}
}

var _ ConnectionProvider = (*Direct)(nil)

// AcquireConnection borrows a connection to the configured address (spec
// §4.8 "Direct"). Database/Bookmarks/Mode are accepted for interface
// parity with Routing but otherwise unused: a direct connection is never
// routed.
func (d *Direct) AcquireConnection(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	conn, err := d.pool.Acquire(ctx, d.address, pool.AcquireContext{Auth: req.Auth, ForceReAuth: req.ForceReAuth})
	if err != nil {
		return nil, classifyAcquireError(err)
	}

	if err := d.verifySessionAuth(ctx, conn, req); err != nil {
		d.pool.Release(d.address, conn)
		return nil, err
	}

	return &AcquireResult{Connection: conn, Database: req.Database}, nil
}

// VerifyConnectivityAndGetServerInfo opens (or reuses) a connection to
// the configured address and returns its negotiated server identity
// (spec §4.8).
func (d *Direct) VerifyConnectivityAndGetServerInfo(ctx context.Context) (channel.ServerInfo, error) {
	conn, err := d.probeAddress(ctx, d.address)
	if err != nil {
		return channel.ServerInfo{}, err
	}
	defer d.pool.Release(d.address, conn)
	return conn.Server(), nil
}

// VerifyAuthentication checks whether token is accepted by the
// configured address, without affecting the driver-level token manager
// (spec §4.8).
func (d *Direct) VerifyAuthentication(ctx context.Context, token channel.AuthToken) (bool, error) {
	conn, err := d.pool.Acquire(ctx, d.address, pool.AcquireContext{Auth: &token})
	if err != nil {
		return false, classifyAcquireError(err)
	}
	err = d.verifySessionAuth(ctx, conn, AcquireRequest{Auth: &token})
	d.pool.Release(d.address, conn)
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
	return true, nil
}

func (d *Direct) SupportsMultiDb(ctx context.Context) (bool, error)       { return d.supports(ctx, protoMultiDb) }
func (d *Direct) SupportsTransactionConfig(ctx context.Context) (bool, error) {
	return d.supports(ctx, protoTxConfig)
}
func (d *Direct) SupportsUserImpersonation(ctx context.Context) (bool, error) {
	return d.supports(ctx, protoImpersonation)
}
func (d *Direct) SupportsSessionAuth(ctx context.Context) (bool, error) {
	return d.supports(ctx, protoSessionAuth)
}

// NotifyError classifies a wire-protocol error observed on conn (spec
// §4.7), closing/nullifying/surfacing as the action table for Direct mode
// dictates.
func (d *Direct) NotifyError(ctx context.Context, conn channel.Connection, code classify.Code, message string, cause error) error {
	return d.notifyError(ctx, classify.Direct, "", conn, code, message, cause)
}

func (d *Direct) supports(ctx context.Context, threshold channel.ProtocolVersion) (bool, error) {
	conn, err := d.probeAddress(ctx, d.address)
	if err != nil {
		return false, err
	}
	defer d.pool.Release(d.address, conn)
	return conn.Protocol().AtLeast(threshold), nil
}
