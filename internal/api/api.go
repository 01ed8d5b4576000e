// Package api provides the HTTP control API for BulkPipe.
//
// It exposes endpoints to link operator sessions, create and control campaigns,
// and read pacing settings and dispatch statistics. Every route except /health
// requires the shared service secret.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/BulkPipe/internal/events"
	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/store"
)

// Constants for API server configuration
const (
	// DefaultServerAddress is the default address for the API server
	DefaultServerAddress = ":3001"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds request header reads
	DefaultReadHeaderTimeout = 10 * time.Second
	// SSEKeepAliveInterval is how often an idle event stream receives a comment line
	SSEKeepAliveInterval = 15 * time.Second
)

// SessionService is the session registry as seen by the API.
type SessionService interface {
	Connect(ctx context.Context, owner string) error
	Disconnect(ctx context.Context, owner string) error
	GetStatus(ctx context.Context, owner string) (*models.SessionStatus, error)
	IsConnected(owner string) bool
	QRCode(owner string) string
	Subscribe(owner string) *events.Subscription
}

// CampaignService is the send queue as seen by the API.
type CampaignService interface {
	Enqueue(ctx context.Context, campaignID, owner string) error
	Pause(ctx context.Context, id string) (*models.Campaign, error)
	Resume(ctx context.Context, id string) (*models.Campaign, error)
	Cancel(ctx context.Context, id string) (*models.Campaign, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr   string // address to listen on
	Secret string // shared secret expected in events.SecretHeader
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithSecret sets the shared service secret. An empty secret rejects every protected request.
func WithSecret(secret string) Option {
	return func(o *Opts) {
		o.Secret = secret
	}
}

// Server serves the control API.
type Server struct {
	store     store.Store
	sessions  SessionService
	campaigns CampaignService
	validator *requestValidator
	opts      Opts
	now       func() time.Time
}

// NewServer creates a Server, applying any provided options.
func NewServer(st store.Store, sessions SessionService, campaigns CampaignService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}
	if cfg.Secret == "" {
		slog.Warn("api.NewServer: no service secret configured, all protected routes will return 401")
	}
	return &Server{
		store:     st,
		sessions:  sessions,
		campaigns: campaigns,
		validator: newRequestValidator(),
		opts:      cfg,
		now:       time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSecret)

		r.Route("/sessions/{owner}", func(r chi.Router) {
			r.Post("/connect", s.connectHandler)
			r.Delete("/", s.disconnectHandler)
			r.Get("/status", s.statusHandler)
			r.Get("/qr", s.qrStreamHandler)
			r.Get("/qr.png", s.qrImageHandler)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.createCampaignHandler)
			r.Get("/", s.listCampaignsHandler)
			r.Get("/{id}", s.getCampaignHandler)
			r.Patch("/{id}/{action}", s.campaignActionHandler)
		})

		r.Get("/settings/antispam", s.getAntiSpamHandler)
		r.Put("/settings/antispam", s.putAntiSpamHandler)
		r.Get("/stats", s.statsHandler)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("BulkPipe API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		return nil
	}
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(events.SecretHeader)
		if s.opts.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Secret)) != 1 {
			slog.Warn("Server.requireSecret: unauthorized request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "ok"}))
}
