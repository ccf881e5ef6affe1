// Command connectivitycheck is a small operational tool that loads a
// driver configuration, builds a Direct or Routing connection provider,
// and verifies connectivity against the configured server(s). It plays
// the role the teacher's cmd/dbbouncer/main.go plays for the proxy: load
// config, wire components, run until signalled, shut down in order — but
// in the spirit of a one-shot diagnostic rather than a long-lived proxy,
// since there is no inbound client traffic for this module to serve
// (spec §1 places the binary framing/handshake itself out of scope).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/api"
	"github.com/graphdriver/core/internal/auth"
	"github.com/graphdriver/core/internal/channel"
	"github.com/graphdriver/core/internal/config"
	"github.com/graphdriver/core/internal/discovery"
	"github.com/graphdriver/core/internal/metrics"
	"github.com/graphdriver/core/internal/pool"
	"github.com/graphdriver/core/internal/provider"
	"github.com/graphdriver/core/internal/routing"
)

// connectionProvider is the subset of provider.ConnectionProvider this
// tool drives.
type connectionProvider interface {
	VerifyConnectivityAndGetServerInfo(ctx context.Context) (channel.ServerInfo, error)
	Close()
}

func main() {
	configPath := flag.String("config", "configs/connectivitycheck.yaml", "path to configuration file")
	timeout := flag.Duration("timeout", 10*time.Second, "connectivity check deadline")
	serveDiagnostics := flag.Bool("serve", false, "keep running and serve the diagnostics HTTP API after the check")
	flag.Parse()

	slog.Info("connectivitycheck starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	prov, diagPool, diagRegistry, err := buildProvider(cfg)
	if err != nil {
		slog.Error("failed to build connection provider", "error", err)
		os.Exit(1)
	}
	defer prov.Close()

	m := metrics.New()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	info, err := prov.VerifyConnectivityAndGetServerInfo(ctx)
	cancel()
	if err != nil {
		slog.Error("connectivity check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("connectivity check succeeded",
		"server", info.Address.String(), "agent", info.Agent,
		"protocol", fmt.Sprintf("%d.%d", info.ProtocolVersion.Major, info.ProtocolVersion.Minor))

	if !*serveDiagnostics {
		return
	}

	apiServer := api.NewServer(diagPool, diagRegistry, m, cfg.Mode, cfg.Address)
	if err := apiServer.Start(cfg.Diagnostics); err != nil {
		slog.Error("failed to start diagnostics server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		slog.Warn("diagnostics server shutdown error", "error", err)
	}
}

// buildProvider wires a Direct or Routing connection provider per
// cfg.Mode, matching the teacher's main.go's "initialize components in
// dependency order" style. It returns the pool and registry the
// diagnostics server reads directly, since neither provider type exposes
// them through the shared ConnectionProvider interface.
func buildProvider(cfg *config.Config) (connectionProvider, *pool.Pool, *routing.Registry, error) {
	addr, err := address.Parse(cfg.Address)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing address: %w", err)
	}

	tokens, err := buildTokenManager(cfg.Auth)
	if err != nil {
		return nil, nil, nil, err
	}

	factory := &channel.DialFactory{DialTimeout: 5 * time.Second, KeepAlive: 30 * time.Second}

	poolCfg := pool.Config{
		MaxSize:               cfg.Pool.MaxSize,
		GlobalMaxSize:         cfg.Pool.GlobalMaxSize,
		AcquisitionTimeout:    cfg.Pool.AcquisitionTimeout,
		MaxConnectionLifetime: cfg.Pool.MaxConnectionLifetime,
		LivenessCheckTimeout:  cfg.Pool.LivenessCheckTimeout,
		MinSize:               cfg.Pool.MinSize,
		IdleCheckInterval:     cfg.Pool.IdleCheckInterval,
	}

	switch cfg.Mode {
	case config.ModeRouting:
		p := provider.NewRouting(
			addr,
			address.IdentityResolver,
			cfg.Routing.RoutingContext,
			notImplementedRediscoverer,
			factory,
			tokens,
			cfg.UserAgent,
			cfg.BoltAgent,
			cfg.Pool.LivenessCheckTimeout,
			poolCfg,
			cfg.Routing.PurgeDelay,
			cfg.Routing.HomeDatabaseCacheTTL,
		)
		return p, p.Pool(), p.Registry(), nil
	default:
		p := provider.NewDirect(addr, factory, tokens, cfg.UserAgent, cfg.BoltAgent, cfg.Pool.LivenessCheckTimeout, poolCfg)
		return p, p.Pool(), nil, nil
	}
}

// notImplementedRediscoverer stands in for the binary rediscovery RPC,
// which is out of scope for this module (spec §1): a real transport
// layer supplies the actual procedure call the same way it supplies
// channel.DialFactory.Handshake for the binary handshake.
func notImplementedRediscoverer(ctx context.Context, conn channel.Connection, req discovery.Request) (routing.Table, error) {
	return routing.Table{}, errors.New("connectivitycheck: rediscovery RPC not wired to a transport layer")
}

func buildTokenManager(cfg config.AuthConfig) (auth.TokenManager, error) {
	if !cfg.Rotating() {
		return auth.NewStaticTokenManager(channel.AuthToken{
			Scheme:      cfg.Scheme,
			Principal:   cfg.Principal,
			Credentials: cfg.Credentials,
			Realm:       cfg.Realm,
		}), nil
	}

	path := cfg.CredentialsFile
	scheme, principal, realm := cfg.Scheme, cfg.Principal, cfg.Realm
	supplier := func(ctx context.Context) (channel.AuthToken, time.Time, error) {
		doc, err := config.LoadCredentialDocument(path)
		if err != nil {
			return channel.AuthToken{}, time.Time{}, err
		}
		expiresAt := time.Time{}
		if doc.ExpiresAt != nil {
			expiresAt = *doc.ExpiresAt
		}
		return channel.AuthToken{
			Scheme:      scheme,
			Principal:   principal,
			Credentials: doc.Token,
			Realm:       realm,
		}, expiresAt, nil
	}
	return auth.NewRotatingTokenManager(supplier), nil
}
