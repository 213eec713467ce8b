package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

// RouteRegistrar mounts its routes on a mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the gateway HTTP server: health, channel webhooks and the API.
type Server struct {
	cfg         config.GatewayConfig
	webhooks    map[string]http.Handler
	rateLimiter *channels.WebhookRateLimiter
	handlers    []RouteRegistrar

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server. webhooks maps paths to channel
// webhook handlers; each is rate limited per source and body-size capped.
func NewServer(cfg config.GatewayConfig, webhooks map[string]http.Handler, handlers ...RouteRegistrar) *Server {
	window, maxHits := cfg.WebhookRate()
	return &Server{
		cfg:         cfg,
		webhooks:    webhooks,
		rateLimiter: channels.NewWebhookRateLimiter(window, maxHits),
		handlers:    handlers,
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.RouteHealth, s.handleHealth)

	maxBody := s.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	paths := make([]string, 0, len(s.webhooks))
	for path := range s.webhooks {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		h := http.MaxBytesHandler(s.webhooks[path], maxBody)
		mux.Handle(path, s.rateLimiter.Wrap(h))
		slog.Info("webhook route registered", "path", path)
	}

	for _, h := range s.handlers {
		h.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.BuildMux() }

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}
