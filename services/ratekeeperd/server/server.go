package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rateswap/native/ledger"
	"rateswap/observability/metrics"
	"rateswap/services/ratekeeperd/keeper"
	"rateswap/services/ratekeeperd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	RateLimit     RateLimit
	TLS           TLSConfig
}

// TLSConfig describes optional TLS settings.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

func (c TLSConfig) enabled() bool {
	return strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) != ""
}

// Server hosts the ledger API, health and metrics endpoints.
type Server struct {
	cfg     Config
	ledger  *ledger.Ledger
	journal *storage.Journal
	keeper  *keeper.Keeper
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithKeeper exposes the keeper's last report.
func WithKeeper(k *keeper.Keeper) Option {
	return func(s *Server) { s.keeper = k }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a new HTTP server.
func New(cfg Config, l *ledger.Ledger, journal *storage.Journal, auth *Authenticator, opts ...Option) (*Server, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if journal == nil {
		return nil, fmt.Errorf("journal required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	s := &Server{
		cfg:     cfg,
		ledger:  l,
		journal: journal,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v chi.Router) {
		v.Use(s.limiter.Middleware)

		v.Get("/rate", s.handleRate)
		v.Get("/rate/twap", s.handleTWAP)
		v.Get("/rate/sources", s.handleSources)
		v.Get("/ledger", s.handleLedger)
		v.Get("/keeper", s.handleKeeper)
		v.Get("/positions", s.handleListPositions)
		v.Get("/positions/{id}", s.handlePosition)
		v.Get("/events", s.handleEvents)

		v.Group(func(trade chi.Router) {
			trade.Use(s.auth.Middleware(ScopeTrade))
			trade.Post("/positions", s.handleOpen)
			trade.Post("/positions/{id}/margin", s.handleMargin)
			trade.Post("/positions/{id}/close", s.handleClose)
		})
		v.Group(func(keep chi.Router) {
			keep.Use(s.auth.Middleware(ScopeKeeper))
			keep.Post("/positions/{id}/settle", s.handleSettle)
			keep.Post("/positions/{id}/liquidate", s.handleLiquidate)
			keep.Post("/settle/batch", s.handleBatchSettle)
			keep.Post("/liquidate/batch", s.handleBatchLiquidate)
		})
		v.Group(func(admin chi.Router) {
			admin.Use(s.auth.Middleware(ScopeAdmin))
			admin.Post("/rate/refresh", s.handleRefresh)
			admin.Post("/rate/reset", s.handleResetBreaker)
			admin.Post("/reserve", s.handleFundReserve)
		})
	})
	return otelhttp.NewHandler(r, "ratekeeperd")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		TLSConfig:         s.cfg.TLS.Config,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("address", s.cfg.ListenAddress), slog.Bool("tls", s.cfg.TLS.enabled()))
	var err error
	if s.cfg.TLS.enabled() {
		err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.API().Observe(route, r.Method, rec.status, time.Since(start))
	})
}
