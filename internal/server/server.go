package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eyepyon/airzone-sub000/internal/auth"
	"github.com/eyepyon/airzone-sub000/internal/config"
	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/handshake"
	"github.com/eyepyon/airzone-sub000/internal/hmacauth"
	"github.com/eyepyon/airzone-sub000/internal/idempotency"
	"github.com/eyepyon/airzone-sub000/internal/metrics"
	"github.com/eyepyon/airzone-sub000/internal/order"
	"github.com/eyepyon/airzone-sub000/internal/settlement"
	"github.com/eyepyon/airzone-sub000/internal/stake"
	"github.com/eyepyon/airzone-sub000/internal/tasks"
)

// Deps are the components the HTTP layer fronts.
type Deps struct {
	Orders     *order.Orchestrator
	Stakes     *stake.Orchestrator
	Handshakes *handshake.Broker
	Tasks      tasks.Ledger
	Card       *settlement.CardRail
	Idem       idempotency.Store
	Metrics    *metrics.Registry
	Logger     *slog.Logger

	DBHealth  func(context.Context) error
	RPCHealth func(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	orders     *order.Orchestrator
	stakes     *stake.Orchestrator
	handshakes *handshake.Broker
	tasks      tasks.Ledger
	card       *settlement.CardRail
	idem       idempotency.Store
	auth       *auth.Authenticator
	relay      *hmacauth.Verifier
	metrics    *metrics.Registry
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server

	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		orders:      d.Orders,
		stakes:      d.Stakes,
		handshakes:  d.Handshakes,
		tasks:       d.Tasks,
		card:        d.Card,
		idem:        d.Idem,
		auth:        auth.New(cfg.Service.JWTSecret),
		metrics:     d.Metrics,
		logger:      logger.With("component", "http"),
		dbHealthFn:  d.DBHealth,
		rpcHealthFn: d.RPCHealth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// signing apps connect from arbitrary origins; the handshake id is the credential
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.relay = &hmacauth.Verifier{
		Secret:  cfg.Service.RelaySecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		Logger:  s.logger,
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/api/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/api/v1/metrics", s.metrics.Handler())
	}
	r.Post("/api/v1/callbacks/card", s.handleCardCallback)
	r.With(s.relay.Middleware).Post("/api/v1/handshakes/{id}/signal", s.handleHandshakeSignal)
	r.Get("/ws/handshakes/{id}", s.handleHandshakeSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/api/v1/orders", s.handleCreateOrder)
		r.Get("/api/v1/orders/{id}", s.handleGetOrder)
		r.Post("/api/v1/orders/{id}/confirm", s.handleConfirmOrder)
		r.Post("/api/v1/orders/{id}/cancel", s.handleCancelOrder)

		r.Post("/api/v1/stakes", s.handleCreateStake)
		r.Get("/api/v1/stakes/{id}", s.handleGetStake)
		r.Post("/api/v1/stakes/{id}/cancel", s.handleCancelStake)

		r.Get("/api/v1/tasks/{id}", s.handleGetTask)

		r.Post("/api/v1/handshakes", s.handleCreateHandshake)
		r.Get("/api/v1/handshakes/{id}", s.handleGetHandshake)
		r.Delete("/api/v1/handshakes/{id}", s.handleCancelHandshake)
		r.Get("/api/v1/handshakes/{id}/qr.png", s.handleHandshakeQR)
		r.Get("/api/v1/handshakes/{id}/events", s.handleHandshakeEvents)
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info("api_listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queue := tasks.Stats{}
	if s.tasks != nil {
		stats, err := s.tasks.Stats(ctx)
		if err != nil {
			overallHealthy = false
		} else {
			queue = stats
			s.metrics.SetQueueDepth(stats)
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        any         `json:"rpc"`
		Database   any         `json:"database"`
		QueueDepth int         `json:"queue_depth"`
		Tasks      tasks.Stats `json:"tasks"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queue[domain.TaskPending] + queue[domain.TaskRunning],
		Tasks:      queue,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get("X-Request-Id"),
		)
	})
}
