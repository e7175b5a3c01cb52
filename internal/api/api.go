// Package api serves the HTTP surface of the notification center: health,
// metrics, diagnostics, subscription removal and the notification stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/nkkko/axnotify/internal/api/errors"
	"github.com/nkkko/axnotify/internal/api/models"
	"github.com/nkkko/axnotify/internal/api/response"
	"github.com/nkkko/axnotify/internal/api/validation"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/handlecache"
	"github.com/nkkko/axnotify/internal/logging"
	"github.com/nkkko/axnotify/internal/metrics"
	"github.com/nkkko/axnotify/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// Name used for request spans
	ServiceName string

	// Path of the Prometheus endpoint; empty disables it
	MetricsPath string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		ServiceName:    "axnotify",
		MetricsPath:    "/metrics",
	}
}

// Center is the part of the notification center the API exposes
type Center interface {
	Handles() []handlecache.HandleInfo
	Keys() []domain.SubscriptionKey
	SubscriptionCount() int
	IsKeyRegistered(pid *domain.ProcessID, t domain.NotificationType) bool
	Unsubscribe(ctx context.Context, token domain.Token) error
	RemoveAllObservers(ctx context.Context) int
	RemoveAllObserversFor(ctx context.Context, pid domain.ProcessID) int
}

// Streamer serves the notification stream
type Streamer interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	HandleSSE(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// EventPoster fires simulated events; only the in-memory platform has one
type EventPoster interface {
	PostToProcess(pid domain.ProcessID, t domain.NotificationType, payload any) (int, error)
}

// API handles HTTP endpoints using the chi router
type API struct {
	config   Config
	router   *chi.Mux
	server   *http.Server
	center   Center
	streamer Streamer
	poster   EventPoster
	ready    atomic.Bool
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// Option configures an API
type Option func(*API)

// WithEventPoster enables POST /events
func WithEventPoster(p EventPoster) Option {
	return func(a *API) {
		a.poster = p
	}
}

// NewAPI creates a new API instance
func NewAPI(config Config, center Center, streamer Streamer, opts ...Option) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}

	a := &API{
		config:   config,
		center:   center,
		streamer: streamer,
		logger:   log.With().Str("component", "api").Logger(),
		metrics:  metrics.GetMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.router = a.buildRouter()
	a.server = &http.Server{
		Addr:         config.Addr,
		Handler:      a.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return a
}

// Handler returns the HTTP handler of the API
func (a *API) Handler() http.Handler {
	return a.router
}

// SetReady flips the readiness probe
func (a *API) SetReady(ready bool) {
	a.ready.Store(ready)
}

func (a *API) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(a.metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	// Streams are long lived and stay outside the request timeout
	if a.streamer != nil {
		r.Get("/stream", a.streamer.HandleWebSocket)
		r.Get("/stream-sse", a.streamer.HandleSSE)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		a.registerRoutes(r)
	})

	return r
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !a.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Metrics endpoint
	if a.config.MetricsPath != "" {
		r.Handle(a.config.MetricsPath, promhttp.Handler())
	}

	r.Get("/stats", a.handleStats)
	r.Get("/handles", a.handleListHandles)

	r.Route("/keys", func(r chi.Router) {
		r.Get("/", a.handleListKeys)
		r.Get("/registered", a.handleIsRegistered)
	})

	r.Route("/subscriptions", func(r chi.Router) {
		r.Delete("/", a.handleRemoveAll)
		r.Delete("/{token}", a.handleUnsubscribe)
	})

	r.Delete("/processes/{pid}/subscriptions", a.handleRemoveForProcess)

	if a.poster != nil {
		r.Post("/events", a.handlePostEvent)
	}
}

// metricsMiddleware records request counts and latencies per route pattern
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// handleStats summarizes the center
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := models.StatsResponse{
		Subscriptions: a.center.SubscriptionCount(),
		Keys:          len(a.center.Keys()),
		Handles:       len(a.center.Handles()),
	}
	if a.streamer != nil {
		stats.StreamClients = a.streamer.ClientCount()
	}
	response.JSON(w, r, http.StatusOK, stats)
}

// handleListHandles lists the live event sources
func (a *API) handleListHandles(w http.ResponseWriter, r *http.Request) {
	handles := models.HandlesFromInfo(a.center.Handles())
	response.List(w, r, handles, len(handles))
}

// handleListKeys lists the keys with at least one handler
func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := models.KeysFromDomain(a.center.Keys())
	response.List(w, r, keys, len(keys))
}

// handleIsRegistered answers whether exactly {pid, type} has handlers
func (a *API) handleIsRegistered(w http.ResponseWriter, r *http.Request) {
	pid, err := domain.ParseProcess(r.URL.Query().Get("pid"))
	if err != nil {
		response.Error(w, r, apierrors.ValidationError("invalid_pid", err.Error()))
		return
	}

	raw := r.URL.Query().Get("type")
	if err := validation.Required("type", raw); err != nil {
		response.Error(w, r, err)
		return
	}
	t, err := domain.ParseNotificationType(raw)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, models.Registered(pid, t, a.center.IsKeyRegistered(pid, t)))
}

// handleUnsubscribe removes one subscription
func (a *API) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		response.Error(w, r, apierrors.ValidationError("missing_token", "Token is required"))
		return
	}

	if err := a.center.Unsubscribe(r.Context(), domain.Token(token)); err != nil {
		a.logger.Debug().Err(err).Str("token", token).Msg("Failed to unsubscribe")
		response.Error(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, models.UnsubscribeResponse{Token: token})
}

// handleRemoveAll removes every subscription
func (a *API) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	removed := a.center.RemoveAllObservers(r.Context())
	response.JSON(w, r, http.StatusOK, models.Removal(nil, removed))
}

// handleRemoveForProcess removes every subscription bound to one process
func (a *API) handleRemoveForProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := domain.ParseProcess(chi.URLParam(r, "pid"))
	if err != nil || pid == nil {
		response.Error(w, r, apierrors.ValidationError("invalid_pid", "A concrete process id is required"))
		return
	}

	removed := a.center.RemoveAllObserversFor(r.Context(), *pid)
	response.JSON(w, r, http.StatusOK, models.Removal(pid, removed))
}

// handlePostEvent fires a simulated event
func (a *API) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var req models.PostEventRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid post event request")
		response.Error(w, r, err)
		return
	}

	delivered, err := a.poster.PostToProcess(domain.ProcessID(req.Process), req.Notification(), req.Payload)
	if err != nil {
		response.Error(w, r, apierrors.NotFoundError("process_not_found", err.Error()))
		return
	}

	response.JSON(w, r, http.StatusAccepted, models.PostEventResponse{
		Process:   req.Process,
		Type:      string(req.Notification()),
		Delivered: delivered,
	})
}

// Start runs the API server until ctx is done or the listener fails
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("API server error")
			errCh <- err
		}
	}()

	a.SetReady(true)

	select {
	case err := <-errCh:
		a.SetReady(false)
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	a.SetReady(false)
	return a.server.Shutdown(ctx)
}
