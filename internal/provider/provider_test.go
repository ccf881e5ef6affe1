package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/auth"
	"github.com/graphdriver/core/internal/channel"
	"github.com/graphdriver/core/internal/channel/channeltest"
	"github.com/graphdriver/core/internal/discovery"
	"github.com/graphdriver/core/internal/pool"
	"github.com/graphdriver/core/internal/routing"
)

func testCfg() pool.Config {
	return pool.Config{MaxSize: 4, AcquisitionTimeout: time.Second}
}

func TestDirectAcquireReleaseRoundTrip(t *testing.T) {
	factory := channeltest.NewFactory()
	addr := address.New("a1", "7687")
	d := NewDirect(addr, factory, auth.NewStaticTokenManager(channel.AuthToken{Scheme: "basic", Credentials: "pw"}), "agent/1", "bolt-agent/1", 0, testCfg())
	defer d.Close()

	res, err := d.AcquireConnection(context.Background(), AcquireRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Connection == nil {
		t.Fatal("expected a connection")
	}
	d.ReleaseConnection(res.Connection)

	if factory.CountCreated(addr) != 1 {
		t.Errorf("expected exactly one connection created, got %d", factory.CountCreated(addr))
	}
}

func TestDirectDriverLevelAuthConnectsOnCreate(t *testing.T) {
	factory := channeltest.NewFactory()
	addr := address.New("a1", "7687")
	token := channel.AuthToken{Scheme: "basic", Credentials: "pw"}
	d := NewDirect(addr, factory, auth.NewStaticTokenManager(token), "agent", "bolt-agent", 0, testCfg())
	defer d.Close()

	res, err := d.AcquireConnection(context.Background(), AcquireRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := res.Connection.AuthToken()
	if !ok || !got.Equal(token) {
		t.Errorf("expected the connection to be authenticated with the driver-level token")
	}
	d.ReleaseConnection(res.Connection)
}

func TestDirectSessionAuthUserSwitchDestroysConnection(t *testing.T) {
	factory := channeltest.NewFactory()
	factory.Configure = func(f *channeltest.Fake) { f.WithReAuth(false) }
	addr := address.New("a1", "7687")
	d := NewDirect(addr, factory, auth.NewStaticTokenManager(channel.AuthToken{}), "agent", "bolt-agent", 0, testCfg())
	defer d.Close()

	tokenA := channel.AuthToken{Scheme: "basic", Principal: "alice", Credentials: "pwA"}
	tokenB := channel.AuthToken{Scheme: "basic", Principal: "bob", Credentials: "pwB"}

	res, err := d.AcquireConnection(context.Background(), AcquireRequest{Auth: &tokenA})
	if err != nil {
		t.Fatalf("unexpected error acquiring with tokenA: %v", err)
	}
	d.ReleaseConnection(res.Connection)

	_, err = d.AcquireConnection(context.Background(), AcquireRequest{Auth: &tokenB})
	if !errors.Is(err, auth.ErrUserSwitchNotSupported) {
		t.Fatalf("expected ErrUserSwitchNotSupported, got %v", err)
	}

	if d.pool.Stats(addr).Idle != 0 {
		t.Errorf("expected the sticky connection to have been destroyed rather than re-pooled")
	}
}

func TestDirectVerifyConnectivity(t *testing.T) {
	factory := channeltest.NewFactory()
	addr := address.New("a1", "7687")
	d := NewDirect(addr, factory, auth.NewStaticTokenManager(channel.AuthToken{}), "agent", "bolt-agent", 0, testCfg())
	defer d.Close()

	info, err := d.VerifyConnectivityAndGetServerInfo(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Address != addr {
		t.Errorf("expected server info for %v, got %v", addr, info.Address)
	}
}

func TestRoutingAcquireSelectsReaderAndWriter(t *testing.T) {
	factory := channeltest.NewFactory()
	seed := address.New("seed", "7687")
	reader := address.New("r1", "7687")
	writer := address.New("w1", "7687")

	rediscover := func(ctx context.Context, conn channel.Connection, req discovery.Request) (routing.Table, error) {
		return routing.Table{
			Database:       req.Database,
			Routers:        []address.Address{seed},
			Readers:        []address.Address{reader},
			Writers:        []address.Address{writer},
			ExpirationTime: time.Now().Add(time.Minute),
		}, nil
	}

	r := NewRouting(seed, nil, nil, rediscover, factory, auth.NewStaticTokenManager(channel.AuthToken{}), "agent", "bolt-agent", 0, testCfg(), 0, 0)
	defer r.Close()

	readRes, err := r.AcquireConnection(context.Background(), AcquireRequest{Mode: routing.Read})
	if err != nil {
		t.Fatalf("unexpected error acquiring a reader: %v", err)
	}
	if readRes.Connection.Address() != reader {
		t.Errorf("expected the reader address %v, got %v", reader, readRes.Connection.Address())
	}
	r.ReleaseConnection(readRes.Connection)

	writeRes, err := r.AcquireConnection(context.Background(), AcquireRequest{Mode: routing.Write})
	if err != nil {
		t.Fatalf("unexpected error acquiring a writer: %v", err)
	}
	if writeRes.Connection.Address() != writer {
		t.Errorf("expected the writer address %v, got %v", writer, writeRes.Connection.Address())
	}
	r.ReleaseConnection(writeRes.Connection)
}

func TestRoutingCachesResolvedHomeDatabase(t *testing.T) {
	factory := channeltest.NewFactory()
	seed := address.New("seed", "7687")
	reader := address.New("r1", "7687")

	var rediscoverCalls int
	rediscover := func(ctx context.Context, conn channel.Connection, req discovery.Request) (routing.Table, error) {
		rediscoverCalls++
		return routing.Table{
			Database:       "resolved-db",
			Routers:        []address.Address{seed},
			Readers:        []address.Address{reader},
			ExpirationTime: time.Now().Add(time.Minute),
		}, nil
	}

	r := NewRouting(seed, nil, nil, rediscover, factory, auth.NewStaticTokenManager(channel.AuthToken{}), "agent", "bolt-agent", 0, testCfg(), 0, time.Minute)
	defer r.Close()

	res, err := r.AcquireConnection(context.Background(), AcquireRequest{Mode: routing.Read})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Database != "resolved-db" {
		t.Fatalf("expected the resolved database name, got %q", res.Database)
	}
	r.ReleaseConnection(res.Connection)

	if r.homedb.Len() != 1 {
		t.Errorf("expected the resolved database to be cached for the anonymous principal")
	}
	if rediscoverCalls != 1 {
		t.Errorf("expected a single rediscovery call, got %d", rediscoverCalls)
	}
}

func TestDirectNotifyErrorClosesOnAuthorizationExpired(t *testing.T) {
	factory := channeltest.NewFactory()
	addr := address.New("a1", "7687")
	d := NewDirect(addr, factory, auth.NewStaticTokenManager(channel.AuthToken{}), "agent", "bolt-agent", 0, testCfg())
	defer d.Close()

	res, err := d.AcquireConnection(context.Background(), AcquireRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outer := d.NotifyError(context.Background(), res.Connection, "Neo.ClientError.Security.AuthorizationExpired", "expired", nil)
	if outer == nil {
		t.Fatal("expected a classified error")
	}
	if !res.Connection.Closed() {
		t.Errorf("expected AuthorizationExpired to close the connection")
	}
	d.ReleaseConnection(res.Connection)
}

func TestRoutingNotifyErrorForgetsServerOnIOError(t *testing.T) {
	factory := channeltest.NewFactory()
	seed := address.New("seed", "7687")
	reader := address.New("r1", "7687")

	rediscover := func(ctx context.Context, conn channel.Connection, req discovery.Request) (routing.Table, error) {
		return routing.Table{
			Database:       req.Database,
			Routers:        []address.Address{seed},
			Readers:        []address.Address{reader},
			ExpirationTime: time.Now().Add(time.Minute),
		}, nil
	}

	r := NewRouting(seed, nil, nil, rediscover, factory, auth.NewStaticTokenManager(channel.AuthToken{}), "agent", "bolt-agent", 0, testCfg(), 0, 0)
	defer r.Close()

	res, err := r.AcquireConnection(context.Background(), AcquireRequest{Mode: routing.Read})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.NotifyError(context.Background(), res.Database, res.Connection, "", "connection reset", errors.New("eof")); err == nil {
		t.Fatal("expected a classified SessionExpired error")
	}
	r.ReleaseConnection(res.Connection)

	updated := r.registry.Get(res.Database, nil)
	for _, a := range updated.Readers {
		if a == reader {
			t.Errorf("expected the failed reader to have been forgotten from the routing table")
		}
	}
}

func TestRoutingNoWritersReturnsSessionExpired(t *testing.T) {
	factory := channeltest.NewFactory()
	seed := address.New("seed", "7687")
	reader := address.New("r1", "7687")

	rediscover := func(ctx context.Context, conn channel.Connection, req discovery.Request) (routing.Table, error) {
		return routing.Table{
			Database:       req.Database,
			Routers:        []address.Address{seed},
			Readers:        []address.Address{reader},
			ExpirationTime: time.Now().Add(time.Minute),
		}, nil
	}

	r := NewRouting(seed, nil, nil, rediscover, factory, auth.NewStaticTokenManager(channel.AuthToken{}), "agent", "bolt-agent", 0, testCfg(), 0, 0)
	defer r.Close()

	_, err := r.AcquireConnection(context.Background(), AcquireRequest{Mode: routing.Write})
	if err == nil {
		t.Fatal("expected an error when no writers are available")
	}
}
