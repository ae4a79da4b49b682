// Package api exposes the worker's HTTP surface: health, status and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/models"
	"github.com/grabfeed/grabfeed/internal/poller"
)

// AccountReader lists accounts for the status view.
type AccountReader interface {
	ListActive(ctx context.Context) ([]models.Account, error)
}

// ChannelReader lists channels for the status view.
type ChannelReader interface {
	ListActive(ctx context.Context) ([]models.Channel, error)
}

// PoolInspector reports which accounts hold live clients.
type PoolInspector interface {
	ConnectedAccounts() []uuid.UUID
}

// StatsSource reports the last completed cycle.
type StatsSource interface {
	LastStats() *poller.CycleStats
}

// Pinger verifies database liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the read-only operational API.
type Server struct {
	accounts AccountReader
	channels ChannelReader
	pool     PoolInspector
	stats    StatsSource
	db       Pinger

	httpServer *http.Server
	log        *logger.Logger
}

// Config holds server construction parameters.
type Config struct {
	Port     int
	Accounts AccountReader
	Channels ChannelReader
	Pool     PoolInspector
	Stats    StatsSource
	DB       Pinger
}

// NewServer creates the HTTP server with all routes mounted.
func NewServer(cfg Config) *Server {
	s := &Server{
		accounts: cfg.Accounts,
		channels: cfg.Channels,
		pool:     cfg.Pool,
		stats:    cfg.Stats,
		db:       cfg.DB,
		log:      logger.Get(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("api: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountStatus struct {
	ID        uuid.UUID `json:"id"`
	Phone     string    `json:"phone"`
	Connected bool      `json:"connected"`
	NeedsAuth bool      `json:"needs_auth"`
}

type channelStatus struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	LastMessageID int64      `json:"last_message_id"`
	LastPolledAt  *time.Time `json:"last_polled_at,omitempty"`
}

type statusResponse struct {
	Accounts  []accountStatus    `json:"accounts"`
	Channels  []channelStatus    `json:"channels"`
	LastCycle *poller.CycleStats `json:"last_cycle,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	channels, err := s.channels.ListActive(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	connected := make(map[uuid.UUID]bool)
	for _, id := range s.pool.ConnectedAccounts() {
		connected[id] = true
	}

	resp := statusResponse{
		Accounts:  make([]accountStatus, 0, len(accounts)),
		Channels:  make([]channelStatus, 0, len(channels)),
		LastCycle: s.stats.LastStats(),
	}
	for _, a := range accounts {
		resp.Accounts = append(resp.Accounts, accountStatus{
			ID:        a.ID,
			Phone:     maskPhone(a.Phone),
			Connected: connected[a.ID],
			NeedsAuth: a.NeedsAuth,
		})
	}
	for _, c := range channels {
		resp.Channels = append(resp.Channels, channelStatus{
			ID:            c.ID,
			Name:          c.Name,
			URL:           c.URL,
			LastMessageID: c.LastMessageID,
			LastPolledAt:  c.LastPolledAt,
		})
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("api: encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Error().Err(err).Msg("api: request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func maskPhone(phone string) string {
	if len(phone) < 4 {
		return "***"
	}
	return phone[:2] + "****" + phone[len(phone)-2:]
}
