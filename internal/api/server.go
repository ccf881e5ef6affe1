// Package api exposes a small read-only HTTP surface for introspecting
// a running connection provider: process status, per-address pool
// occupancy, and (in routing mode) the current routing tables, plus a
// Prometheus /metrics endpoint. It is adapted from the teacher's
// internal/api.Server, which served a tenant CRUD + pause/resume REST
// API and an admin dashboard over a proxy's tenant router; here there is
// nothing to mutate over HTTP; the server only renders state the driver
// core already tracks in internal/pool and internal/routing.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/config"
	"github.com/graphdriver/core/internal/metrics"
	"github.com/graphdriver/core/internal/pool"
	"github.com/graphdriver/core/internal/routing"
)

// Server is the read-only diagnostics HTTP server.
type Server struct {
	pool     *pool.Pool
	registry *routing.Registry // nil for a Direct provider: no routing table to show
	metrics  *metrics.Collector

	mode    config.Mode
	address string

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a diagnostics server over a provider's pool and (for
// routing mode) its routing registry. registry may be nil.
func NewServer(p *pool.Pool, registry *routing.Registry, m *metrics.Collector, mode config.Mode, addr string) *Server {
	return &Server{
		pool:      p,
		registry:  registry,
		metrics:   m,
		mode:      mode,
		address:   addr,
		startTime: time.Now(),
	}
}

// Start starts the HTTP diagnostics server in the background.
func (s *Server) Start(cfg config.DiagnosticsConfig) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/pools", s.poolsHandler).Methods("GET")
	r.HandleFunc("/routing", s.routingHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	listenAddr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("diagnostics server listening", "address", listenAddr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("diagnostics server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the diagnostics server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":           string(s.mode),
		"address":        s.address,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
	})
}

func (s *Server) poolsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.AllStats())
}

// routingTableView is the JSON-friendly rendering of a routing.Table:
// routing.Table stores addresses as address.Address values, which have
// no natural JSON encoding, so this flattens them to their "host:port"
// strings.
type routingTableView struct {
	Database       string   `json:"database"`
	Routers        []string `json:"routers"`
	Readers        []string `json:"readers"`
	Writers        []string `json:"writers"`
	ExpirationTime string   `json:"expiration_time"`
}

func renderTable(t routing.Table) routingTableView {
	return routingTableView{
		Database:       t.Database,
		Routers:        renderAddresses(t.Routers),
		Readers:        renderAddresses(t.Readers),
		Writers:        renderAddresses(t.Writers),
		ExpirationTime: t.ExpirationTime.UTC().Format(time.RFC3339),
	}
}

func renderAddresses(addrs []address.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func (s *Server) routingHandler(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"mode": "direct", "tables": []routingTableView{}})
		return
	}

	tables := s.registry.AllTables()
	views := make([]routingTableView, len(tables))
	for i, t := range tables {
		views[i] = renderTable(t)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mode": "routing", "tables": views})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
