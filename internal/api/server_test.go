package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/channel"
	"github.com/graphdriver/core/internal/channel/channeltest"
	"github.com/graphdriver/core/internal/config"
	"github.com/graphdriver/core/internal/metrics"
	"github.com/graphdriver/core/internal/pool"
	"github.com/graphdriver/core/internal/routing"
)

func testPool() *pool.Pool {
	return pool.New(pool.Hooks{
		Create: func(ctx context.Context, addr address.Address, acq pool.AcquireContext) (channel.Connection, error) {
			return channeltest.New(addr), nil
		},
		Destroy: func(channel.Connection) {},
	}, pool.Config{MaxSize: 4})
}

func newTestRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/pools", s.poolsHandler).Methods("GET")
	r.HandleFunc("/routing", s.routingHandler).Methods("GET")
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	return r
}

func TestStatusHandler(t *testing.T) {
	s := NewServer(testPool(), nil, metrics.New(), config.ModeDirect, "a1:7687")
	mr := newTestRouter(s)

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["mode"] != "direct" {
		t.Errorf("expected mode direct, got %v", body["mode"])
	}
	if body["address"] != "a1:7687" {
		t.Errorf("expected address a1:7687, got %v", body["address"])
	}
}

func TestPoolsHandler(t *testing.T) {
	p := testPool()
	addr := address.New("a1", "7687")
	p.Acquire(context.Background(), addr, pool.AcquireContext{})

	s := NewServer(p, nil, metrics.New(), config.ModeDirect, "a1:7687")
	mr := newTestRouter(s)

	req := httptest.NewRequest("GET", "/pools", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats []pool.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(stats) != 1 || stats[0].Address != "a1:7687" {
		t.Errorf("expected one stats entry for a1:7687, got %+v", stats)
	}
}

func TestRoutingHandlerDirectModeReportsEmpty(t *testing.T) {
	s := NewServer(testPool(), nil, metrics.New(), config.ModeDirect, "a1:7687")
	mr := newTestRouter(s)

	req := httptest.NewRequest("GET", "/routing", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	var body map[string]interface{}
	json.NewDecoder(rr.Body).Decode(&body)
	if body["mode"] != "direct" {
		t.Errorf("expected mode direct, got %v", body["mode"])
	}
}

func TestRoutingHandlerRendersTables(t *testing.T) {
	registry := routing.NewRegistry()
	registry.Register(routing.Table{
		Database:       "neo4j",
		Routers:        []address.Address{address.New("r1", "7687")},
		Readers:        []address.Address{address.New("r1", "7687")},
		Writers:        []address.Address{address.New("w1", "7687")},
		ExpirationTime: time.Now().Add(time.Minute),
	})

	s := NewServer(testPool(), registry, metrics.New(), config.ModeRouting, "seed:7687")
	mr := newTestRouter(s)

	req := httptest.NewRequest("GET", "/routing", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	var body struct {
		Mode   string              `json:"mode"`
		Tables []routingTableView `json:"tables"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Mode != "routing" {
		t.Errorf("expected mode routing, got %q", body.Mode)
	}
	if len(body.Tables) != 1 || body.Tables[0].Database != "neo4j" {
		t.Fatalf("expected one table for neo4j, got %+v", body.Tables)
	}
	if len(body.Tables[0].Writers) != 1 || body.Tables[0].Writers[0] != "w1:7687" {
		t.Errorf("expected writer w1:7687, got %v", body.Tables[0].Writers)
	}
}

func TestDashboardHandlerServesHTML(t *testing.T) {
	s := NewServer(testPool(), nil, metrics.New(), config.ModeDirect, "a1:7687")
	mr := newTestRouter(s)

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("expected text/html content type, got %q", ct)
	}
}
