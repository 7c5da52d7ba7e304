// Package http serves the decision, rule and inventory APIs plus the
// admin and observability surfaces.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/feed"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/inventory"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/locates"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/metrics"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/persistence"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/publisher"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/refdata"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/rules"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/shortsell"
)

// Snapshotter is the slice of the position engine the admin surface needs.
type Snapshotter interface {
	SnapshotAll() error
}

// Services carries everything the handlers dispatch into. Nil entries
// disable their routes.
type Services struct {
	Gate      *shortsell.Gate
	Locates   *locates.Workflow
	Rules     *rules.Engine
	Inventory *inventory.Calculator
	RefData   *refdata.Store
	Feeds     *feed.Service
	Positions Snapshotter
	Bus       bus.EventBus
	Publisher *publisher.Publisher
	Repo      *persistence.Repository
	Metrics   *metrics.Registry
}

// Server is the HTTP front end.
type Server struct {
	cfg    config.HTTPConfig
	logger zerolog.Logger
	router *mux.Router
	server *http.Server
	svc    Services
}

// NewServer builds the router and wires every route the services support.
func NewServer(cfg config.HTTPConfig, svc Services) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.Component("http"),
		router: mux.NewRouter(),
		svc:    svc,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Observability and streaming sit outside the JSON API subrouter so
	// the content-type middleware does not touch them.
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.svc.Metrics != nil {
		s.router.Handle("/metrics", s.svc.Metrics.Handler()).Methods("GET")
	}
	if s.svc.Publisher != nil {
		s.router.HandleFunc("/ws", s.svc.Publisher.HandleWS)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.jsonMiddleware)

	if s.svc.Gate != nil {
		api.HandleFunc("/shortsell/validate", s.handleShortSellValidate).Methods("POST")
		api.HandleFunc("/shortsell/cancel", s.handleShortSellCancel).Methods("POST")
	}
	if s.svc.Locates != nil {
		api.HandleFunc("/locates", s.handleLocateSubmit).Methods("POST")
		api.HandleFunc("/locates/pending", s.handleLocatePending).Methods("GET")
		api.HandleFunc("/locates/{id}", s.handleLocateGet).Methods("GET")
		api.HandleFunc("/locates/{id}/approve", s.handleLocateApprove).Methods("POST")
		api.HandleFunc("/locates/{id}/reject", s.handleLocateReject).Methods("POST")
		api.HandleFunc("/locates/{id}/cancel", s.handleLocateCancel).Methods("POST")
	}
	if s.svc.Rules != nil {
		api.HandleFunc("/rules", s.handleRuleList).Methods("GET")
		api.HandleFunc("/rules", s.handleRuleCreate).Methods("POST")
		api.HandleFunc("/rules/test", s.handleRuleTest).Methods("POST")
		api.HandleFunc("/rules/{id}", s.handleRuleGet).Methods("GET")
		api.HandleFunc("/rules/{id}", s.handleRuleEdit).Methods("PUT")
		api.HandleFunc("/rules/{id}/publish", s.handleRulePublish).Methods("POST")
		api.HandleFunc("/rules/{id}/revert", s.handleRuleRevert).Methods("POST")
	}
	if s.svc.Inventory != nil {
		api.HandleFunc("/inventory/{security}", s.handleInventoryList).Methods("GET")
		api.HandleFunc("/inventory/{security}/{unit}/{calculation}", s.handleInventoryGet).Methods("GET")
	}
	if s.svc.RefData != nil {
		api.HandleFunc("/refdata/conflicts", s.handleConflicts).Methods("GET")
		api.HandleFunc("/refdata/securities/{id}", s.handleSecurityGet).Methods("GET")
	}
	if s.svc.Feeds != nil {
		api.HandleFunc("/feeds/{source}/batches", s.handleBatchSubmit).Methods("POST")
		api.HandleFunc("/feeds/batches/{id}", s.handleBatchReport).Methods("GET")
	}
	if s.svc.Repo != nil {
		api.HandleFunc("/decisions/shortsell", s.handleShortSellAudit).Methods("GET")
		api.HandleFunc("/decisions/locates", s.handleLocateAudit).Methods("GET")
	}

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.jsonMiddleware)
	if s.svc.Feeds != nil {
		admin.HandleFunc("/reprocess-batch/{id}", s.handleReprocessBatch).Methods("POST")
	}
	if s.svc.Rules != nil {
		admin.HandleFunc("/reload-rules", s.handleReloadRules).Methods("POST")
	}
	if s.svc.Positions != nil {
		admin.HandleFunc("/snapshot-now", s.handleSnapshotNow).Methods("POST")
	}
	if s.svc.Bus != nil {
		admin.HandleFunc("/replay-from", s.handleReplayFrom).Methods("POST")
	}
	if s.svc.Inventory != nil {
		admin.HandleFunc("/recalculate", s.handleRecalculate).Methods("POST")
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "path": r.URL.Path})
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		ctx := log.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server stopping")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr reports the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
