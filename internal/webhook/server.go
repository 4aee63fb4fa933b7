// Package webhook receives run-completion notifications from external
// crawlers and turns them into interaction cycles. The same server
// carries the small operator console API: stats, recent reports, the
// idea pool and manual triggers.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/brain"
	"github.com/Chuanyin1202/anima/internal/ideas"
	"github.com/Chuanyin1202/anima/internal/ledger"
)

// Core is the slice of the decision engine the server drives.
type Core interface {
	RunCycle(ctx context.Context, opts brain.CycleOptions) *ledger.CycleReport
	CreatePost(ctx context.Context, topic string, dryRun bool) (string, error)
	Stats(ctx context.Context) (*brain.AgentStats, error)
}

// ReportSource reads back persisted cycle reports.
type ReportSource interface {
	RecentReports(ctx context.Context, limit int) ([]ledger.CycleReport, error)
}

// Handler processes one provider's webhook payloads. Payload is the
// verified, syntactically valid JSON body.
type Handler interface {
	Provider() string
	Handle(ctx context.Context, payload []byte) error
}

// Runner serializes cycle triggers: webhook-driven ingestion and
// console runs must never overlap each other.
type Runner struct {
	core   Core
	logger *zap.Logger
	busy   atomic.Bool
}

// NewRunner wraps the engine's cycle entry point with a single-flight
// guard.
func NewRunner(core Core, logger *zap.Logger) *Runner {
	return &Runner{core: core, logger: logger}
}

// TryCycle runs one cycle unless another triggered cycle is live.
// Returns (nil, false) when busy; dropped triggers are safe because a
// later cycle re-fetches and skips anything already answered.
func (r *Runner) TryCycle(ctx context.Context, opts brain.CycleOptions) (*ledger.CycleReport, bool) {
	if !r.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	defer r.busy.Store(false)
	return r.core.RunCycle(ctx, opts), true
}

// Config carries the server's listen address and shared secret.
type Config struct {
	Host   string
	Port   int
	Secret string // bearer token; empty disables auth (local runs)
}

// Server is the webhook receiver plus the console API.
type Server struct {
	cfg      Config
	core     Core
	runner   *Runner
	reports  ReportSource
	pool     *ideas.Pool
	handlers map[string]Handler
	logger   *zap.Logger
	srv      *http.Server
}

// NewServer builds the server. reports and pool may be nil; the
// matching console routes then answer 503.
func NewServer(cfg Config, core Core, runner *Runner, reports ReportSource, pool *ideas.Pool, logger *zap.Logger, handlers ...Handler) *Server {
	s := &Server{
		cfg:      cfg,
		core:     core,
		runner:   runner,
		reports:  reports,
		pool:     pool,
		handlers: make(map[string]Handler, len(handlers)),
		logger:   logger,
	}
	for _, h := range handlers {
		s.handlers[h.Provider()] = h
		logger.Info("webhook handler registered", zap.String("provider", h.Provider()))
	}
	return s
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/healthz", s.health)
	r.Post("/webhooks/{provider}", s.auth(s.receive))

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
		r.Get("/stats", s.auth(s.getStats))
		r.Get("/reports", s.auth(s.getReports))
		r.Get("/ideas", s.auth(s.getIdeas))
		r.Post("/ideas/{id}/skip", s.auth(s.skipIdea))
		r.Post("/post", s.auth(s.createPost))
		r.Post("/cycle", s.auth(s.runCycle))
	})

	return r
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", zap.String("addr", s.srv.Addr))
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// auth enforces the bearer secret when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid authorization"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Secret)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid webhook secret"})
			return
		}
		next(w, r)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	h, ok := s.handlers[provider]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no handler for provider: " + provider})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		s.logger.Warn("webhook with invalid payload", zap.String("provider", provider), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	if err := h.Handle(r.Context(), body); err != nil {
		s.logger.Error("webhook handler failed", zap.String("provider", provider), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook handler failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "webhook processed"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
