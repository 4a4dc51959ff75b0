package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/messages"
)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port   int
	server *http.Server
	status *HealthStatus
	mu     sync.RWMutex
}

// HealthStatus represents the current health status
type HealthStatus struct {
	Healthy       bool           `json:"healthy"`
	NATSConnected bool           `json:"nats_connected"`
	StoreOK       bool           `json:"store_ok"`
	LastCheck     time.Time      `json:"last_check"`
	Uptime        string         `json:"uptime"`
	Version       string         `json:"version"`
	Stats         messages.Stats `json:"stats"`
}

var startTime = time.Now()

// NewHealthServer creates a new health server
func NewHealthServer(port int) *HealthServer {
	return &HealthServer{
		port:   port,
		status: &HealthStatus{Version: Version},
	}
}

// Handler returns the endpoint mux.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/metrics", h.handleMetrics)
	return mux
}

// Start starts the health server
func (h *HealthServer) Start() {
	h.mu.Lock()
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", h.port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := h.server
	h.mu.Unlock()

	log.Info().Int("port", h.port).Msg("Starting health server")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Stop stops the health server
func (h *HealthServer) Stop() {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// UpdateStatus updates the health status
func (h *HealthServer) UpdateStatus(natsConnected, storeOK bool, stats messages.Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.NATSConnected = natsConnected
	h.status.StoreOK = storeOK
	h.status.Healthy = natsConnected && storeOK
	h.status.Stats = stats
	h.status.LastCheck = time.Now()
}

func (h *HealthServer) snapshot() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status := *h.status
	status.Uptime = time.Since(startTime).String()
	return status
}

// handleHealth handles the /health endpoint
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleReady handles the /ready endpoint (for Kubernetes readiness probes)
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.snapshot().Healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}

func gauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

// handleMetrics handles the /metrics endpoint (Prometheus format)
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()

	w.Header().Set("Content-Type", "text/plain")
	metric := func(name, kind, help string, value any) {
		fmt.Fprintf(w, "# HELP vettid_messages_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE vettid_messages_%s %s\n", name, kind)
		fmt.Fprintf(w, "vettid_messages_%s %v\n", name, value)
	}
	metric("healthy", "gauge", "Whether the service is healthy", gauge(status.Healthy))
	metric("nats_connected", "gauge", "Whether connected to NATS", gauge(status.NATSConnected))
	metric("store_ok", "gauge", "Whether the store answers", gauge(status.StoreOK))
	metric("posts_total", "counter", "Posts received", status.Stats.Posts)
	metric("delivered_total", "counter", "Per-recipient deliveries", status.Stats.Delivered)
	metric("failed_deliveries_total", "counter", "Per-recipient delivery failures", status.Stats.FailedDelivery)
	metric("transactions_total", "counter", "Transactions applied at emission", status.Stats.Transactions)
	metric("duplicate_transactions_total", "counter", "Duplicate transactions ignored", status.Stats.DuplicateTx)
	metric("cached_replies", "gauge", "Replies held for redelivered posts", status.Stats.CachedReplies)
	metric("uptime_seconds", "counter", "Uptime in seconds", fmt.Sprintf("%.0f", time.Since(startTime).Seconds()))
}
