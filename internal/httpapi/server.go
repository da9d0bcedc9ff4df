// Package httpapi serves the health probes, the admin API, the payment
// webhook and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/slipgate/internal/auth"
	"github.com/rcourtman/slipgate/internal/clock"
	"github.com/rcourtman/slipgate/internal/ratelimit"
	"github.com/rcourtman/slipgate/internal/registry"
	"github.com/rcourtman/slipgate/internal/workflow"
)

const (
	shutdownTimeout   = 30 * time.Second
	webhookRateLimit  = 120
	webhookRateWindow = time.Minute
	limiterPruneEvery = 5 * time.Minute
	readHeaderTimeout = 15 * time.Second
	serverIdleTimeout = 120 * time.Second
)

// Workflow is the subset of the workflow service the HTTP surface drives.
type Workflow interface {
	Approve(ctx context.Context, orderID, actor string) (workflow.Decision, error)
	Reject(ctx context.Context, orderID, actor, reason string) (workflow.Decision, error)
	Describe(ctx context.Context, orderID string) (*registry.Order, []registry.OrderEvent, error)
	SubmitEvidenceForOrder(ctx context.Context, orderID string, sub workflow.Submission) (workflow.Result, error)
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Store          *registry.Store
	Workflow       Workflow
	AdminKeys      *auth.KeyChecker
	WebhookSecret  string
	WebhookLimiter *ratelimit.Limiter // defaults to 120 requests per minute per client IP
	PublicMetrics  bool
	Gateway        GatewayStatusFunc // nil when the gateway is not running
	Clock          clock.Clock
	Version        string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.AdminKeys, next)
	}

	// Unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /{$}", HandleRoot)
	mux.HandleFunc("GET /healthz", HandleHealthz)
	mux.HandleFunc("GET /readyz", HandleReadyz(deps.Store))

	mux.Handle("GET /status", adminAuth(HandleStatus(deps.Store, deps.Gateway, deps.Version)))

	metricsHandler := promhttp.Handler()
	if deps.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	// Payment webhook (signature-authenticated).
	limiter := deps.WebhookLimiter
	if limiter == nil {
		limiter = ratelimit.New(webhookRateLimit, webhookRateWindow, clk)
	}
	mux.Handle("/api/stripe/webhook", limiter.Middleware(NewWebhookHandler(deps.WebhookSecret, deps.Workflow)))

	// Admin API (key-authenticated).
	orders := deps.Store.Orders()
	entitlements := deps.Store.Entitlements()
	mux.Handle("GET /admin/orders", adminAuth(HandleListOrders(orders)))
	mux.Handle("GET /admin/orders/{id}", adminAuth(HandleGetOrder(deps.Workflow, entitlements)))
	mux.Handle("POST /admin/orders/{id}/approve", adminAuth(HandleApprove(deps.Workflow)))
	mux.Handle("POST /admin/orders/{id}/reject", adminAuth(HandleReject(deps.Workflow)))
	mux.Handle("GET /admin/entitlements", adminAuth(HandleListEntitlements(entitlements, clk.Now)))
}

// NewHandler returns the full HTTP handler with error middleware applied.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return ErrorHandler(mux)
}

// Server is the HTTP listener with graceful shutdown.
type Server struct {
	srv     *http.Server
	limiter *ratelimit.Limiter
}

// NewServer builds a server listening on addr.
func NewServer(addr string, deps *Deps) *Server {
	if deps.WebhookLimiter == nil {
		deps.WebhookLimiter = ratelimit.New(webhookRateLimit, webhookRateWindow, deps.Clock)
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(deps),
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       serverIdleTimeout,
		},
		limiter: deps.WebhookLimiter,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	prune := time.NewTicker(limiterPruneEvery)
	defer prune.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-prune.C:
			s.limiter.Prune()
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown error")
				return err
			}
			log.Info().Msg("HTTP server stopped")
			return nil
		}
	}
}
