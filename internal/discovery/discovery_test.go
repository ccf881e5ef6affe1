package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/channel"
	"github.com/graphdriver/core/internal/channel/channeltest"
	"github.com/graphdriver/core/internal/classify"
	"github.com/graphdriver/core/internal/pool"
	"github.com/graphdriver/core/internal/routing"
)

func testPool(factory *channeltest.Factory) *pool.Pool {
	return pool.New(pool.Hooks{
		Create: func(ctx context.Context, addr address.Address, acq pool.AcquireContext) (channel.Connection, error) {
			return factory.Create(ctx, addr)
		},
		Destroy: func(conn channel.Connection) { conn.Close() },
	}, pool.Config{MaxSize: 4})
}

func TestEnsureFreshSkipsRefreshWhenNotStale(t *testing.T) {
	registry := routing.NewRegistry()
	seed := address.New("seed", "7687")
	router := address.New("r1", "7687")
	registry.Register(routing.Table{
		Database:       routing.DefaultDatabase,
		Routers:        []address.Address{router},
		Readers:        []address.Address{router},
		Writers:        []address.Address{router},
		ExpirationTime: time.Now().Add(time.Hour),
	})

	factory := channeltest.NewFactory()
	p := testPool(factory)
	defer p.Close()

	called := false
	c := NewClient(p, registry, func(ctx context.Context, conn channel.Connection, req Request) (routing.Table, error) {
		called = true
		return routing.Table{}, nil
	}, seed, nil, nil, 0)

	table, err := c.EnsureFresh(context.Background(), Request{Database: routing.DefaultDatabase, Mode: routing.Read})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Errorf("expected no refresh for a fresh table")
	}
	if len(table.Readers) != 1 {
		t.Errorf("expected the existing table to be returned unchanged")
	}
}

func TestEnsureFreshRefreshesAndCommits(t *testing.T) {
	registry := routing.NewRegistry()
	seed := address.New("seed", "7687")
	writer := address.New("w1", "7687")
	reader := address.New("r1", "7687")

	factory := channeltest.NewFactory()
	p := testPool(factory)
	defer p.Close()

	c := NewClient(p, registry, func(ctx context.Context, conn channel.Connection, req Request) (routing.Table, error) {
		return routing.Table{
			Database:       req.Database,
			Routers:        []address.Address{seed},
			Readers:        []address.Address{reader},
			Writers:        []address.Address{writer},
			ExpirationTime: time.Now().Add(time.Minute),
		}, nil
	}, seed, nil, nil, 0)

	table, err := c.EnsureFresh(context.Background(), Request{Database: routing.DefaultDatabase, Mode: routing.Read})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table.Writers) != 1 || table.Writers[0] != writer {
		t.Errorf("expected the fetched table to be returned, got %+v", table)
	}

	stored := registry.Get(routing.DefaultDatabase, nil)
	if len(stored.Readers) != 1 {
		t.Errorf("expected the table to be committed to the registry")
	}

	if factory.CountCreated(seed) != 1 {
		t.Errorf("expected exactly one connection created against the seed router, got %d", factory.CountCreated(seed))
	}
}

func TestRefreshFallsBackToNextRouterOnFailure(t *testing.T) {
	registry := routing.NewRegistry()
	seed := address.New("seed", "7687")
	secondRouter := address.New("r2", "7687")
	writer := address.New("w1", "7687")
	registry.Register(routing.Table{
		Database:       routing.DefaultDatabase,
		Routers:        []address.Address{secondRouter},
		ExpirationTime: time.Now().Add(-time.Second),
	})

	factory := channeltest.NewFactory()
	p := testPool(factory)
	defer p.Close()

	var attempted []address.Address
	c := NewClient(p, registry, func(ctx context.Context, conn channel.Connection, req Request) (routing.Table, error) {
		attempted = append(attempted, conn.Address())
		if conn.Address() == seed {
			return routing.Table{}, errors.New("connection reset")
		}
		return routing.Table{
			Database:       req.Database,
			Routers:        []address.Address{secondRouter},
			Writers:        []address.Address{writer},
			ExpirationTime: time.Now().Add(time.Minute),
		}, nil
	}, seed, nil, nil, 0)

	table, err := c.EnsureFresh(context.Background(), Request{Database: routing.DefaultDatabase, Mode: routing.Write})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempted) != 2 {
		t.Fatalf("expected both routers to be attempted, got %d", len(attempted))
	}
	if len(table.Writers) != 1 {
		t.Errorf("expected the successful router's table to win")
	}

	stored := registry.Get(routing.DefaultDatabase, nil)
	found := false
	for _, r := range stored.Routers {
		if r == secondRouter {
			found = true
		}
		if r == seed {
			t.Errorf("failed seed router should not end up registered as a router")
		}
	}
	if !found {
		t.Errorf("expected the second router to remain registered")
	}
}

func TestRefreshFailFastAbortsWithoutTryingOtherRouters(t *testing.T) {
	registry := routing.NewRegistry()
	seed := address.New("seed", "7687")

	factory := channeltest.NewFactory()
	p := testPool(factory)
	defer p.Close()

	attempts := 0
	c := NewClient(p, registry, func(ctx context.Context, conn channel.Connection, req Request) (routing.Table, error) {
		attempts++
		return routing.Table{}, classify.New(classify.CodeDatabaseNotFound, "no such database")
	}, seed, nil, nil, 0)

	_, err := c.EnsureFresh(context.Background(), Request{Database: "missingdb", Mode: routing.Read})
	if err == nil {
		t.Fatal("expected an error")
	}
	var derr *classify.DriverError
	if !errors.As(err, &derr) || derr.Code != classify.CodeDatabaseNotFound {
		t.Fatalf("expected CodeDatabaseNotFound to propagate, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly one attempt for a fail-fast error, got %d", attempts)
	}
}

func TestRefreshProcedureNotFoundRemapsToServiceUnavailable(t *testing.T) {
	registry := routing.NewRegistry()
	seed := address.New("seed", "7687")

	factory := channeltest.NewFactory()
	p := testPool(factory)
	defer p.Close()

	c := NewClient(p, registry, func(ctx context.Context, conn channel.Connection, req Request) (routing.Table, error) {
		return routing.Table{}, classify.New(classify.CodeProcedureNotFound, "unknown procedure")
	}, seed, nil, nil, 0)

	_, err := c.EnsureFresh(context.Background(), Request{Database: routing.DefaultDatabase, Mode: routing.Read})
	var derr *classify.DriverError
	if !errors.As(err, &derr) || derr.Code != classify.CodeServiceUnavailable {
		t.Fatalf("expected ProcedureNotFound to remap to ServiceUnavailable, got %v", err)
	}
}

func TestRefreshAllRoutersFailReturnsServiceUnavailableWithLastKnownTable(t *testing.T) {
	registry := routing.NewRegistry()
	seed := address.New("seed", "7687")
	registry.Register(routing.Table{
		Database:       routing.DefaultDatabase,
		Readers:        []address.Address{seed},
		ExpirationTime: time.Now().Add(-time.Second),
	})

	factory := channeltest.NewFactory()
	p := testPool(factory)
	defer p.Close()

	c := NewClient(p, registry, func(ctx context.Context, conn channel.Connection, req Request) (routing.Table, error) {
		return routing.Table{}, errors.New("i/o timeout")
	}, seed, nil, nil, 0)

	_, err := c.EnsureFresh(context.Background(), Request{Database: routing.DefaultDatabase, Mode: routing.Read})
	var derr *classify.DriverError
	if !errors.As(err, &derr) || derr.Code != classify.CodeServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
	if derr.Message == "" {
		t.Errorf("expected the last-known table's rendering to appear in the error message")
	}
}

func TestUseSeedRouterSwitchesOnZeroWriters(t *testing.T) {
	registry := routing.NewRegistry()
	seed := address.New("seed", "7687")
	reader := address.New("r1", "7687")

	factory := channeltest.NewFactory()
	p := testPool(factory)
	defer p.Close()

	c := NewClient(p, registry, func(ctx context.Context, conn channel.Connection, req Request) (routing.Table, error) {
		return routing.Table{
			Database:       req.Database,
			Routers:        []address.Address{seed},
			Readers:        []address.Address{reader},
			ExpirationTime: time.Now().Add(time.Minute),
		}, nil
	}, seed, nil, nil, 0)

	if !c.getUseSeedRouter(routing.DefaultDatabase) {
		t.Fatalf("expected useSeedRouter to default true")
	}
	if _, err := c.EnsureFresh(context.Background(), Request{Database: routing.DefaultDatabase, Mode: routing.Read}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.getUseSeedRouter(routing.DefaultDatabase) {
		t.Errorf("expected useSeedRouter to remain true when the fetched table has no writers")
	}
}
