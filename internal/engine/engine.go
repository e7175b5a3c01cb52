package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nkkko/axnotify/internal/api"
	"github.com/nkkko/axnotify/internal/center"
	"github.com/nkkko/axnotify/internal/config"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/logging"
	"github.com/nkkko/axnotify/internal/notifier"
	"github.com/nkkko/axnotify/internal/platform/sim"
	"github.com/nkkko/axnotify/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of all axnotify components
type Engine struct {
	config      *config.Config
	platform    *sim.Platform
	center      *center.Center
	notifier    *notifier.Notifier
	api         *api.API
	generator   *sim.Generator
	logger      zerolog.Logger
	telemetryFn func(context.Context) error // Shutdown function for telemetry
}

// New creates an Engine with all components initialized from cfg
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := logging.Component("engine")

	// Initialize the accessibility platform
	platform := sim.New(cfg.ToPlatformOptions()...)
	for _, app := range cfg.Platform.Applications {
		platform.AddApplication(domain.ProcessID(app.PID), app.Name)
	}

	var generator *sim.Generator
	if cfg.Platform.Demo.Enabled {
		types, err := cfg.DemoTypes()
		if err != nil {
			return nil, err
		}
		platform.SeedDemo()
		generator = sim.NewGenerator(platform, cfg.DemoInterval(), types)
		logger.Info().Int("applications", len(sim.DemoApplications)).Msg("Demo mode enabled")
	}

	// Initialize the notification center
	opts := append(cfg.ToCenterOptions(),
		center.WithHandlerFailureHook(func(f *domain.HandlerFailure) {
			logger.Debug().Err(f).Str("token", string(f.Token)).Str("key", f.Key.String()).Msg("Handler failed")
		}),
	)
	c, err := center.New(platform, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notification center: %w", err)
	}

	// Initialize notifier with the center
	n := notifier.NewNotifier(cfg.ToNotifierConfig(), c)

	// Initialize API
	a := api.NewAPI(cfg.ToAPIConfig(), c, n, api.WithEventPoster(platform))

	return &Engine{
		config:    cfg,
		platform:  platform,
		center:    c,
		notifier:  n,
		api:       a,
		generator: generator,
		logger:    logger,
	}, nil
}

// Center returns the notification center
func (e *Engine) Center() *center.Center {
	return e.center
}

// Platform returns the simulated accessibility platform
func (e *Engine) Platform() *sim.Platform {
	return e.platform
}

// Handler returns the HTTP handler serving the API and the event streams
func (e *Engine) Handler() http.Handler {
	return e.api.Handler()
}

// Start initializes and runs all components until ctx is done or one fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Str("addr", e.config.Server.Addr).Msg("Starting axnotify engine")

	// Set up telemetry
	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	// Create an error group for managing goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Start the dispatch loop
	g.Go(func() error {
		return e.center.Start(ctx)
	})

	// Start the notifier housekeeping loops
	g.Go(func() error {
		return e.notifier.Start(ctx)
	})

	// Start the API server
	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if e.generator != nil {
		g.Go(func() error {
			return e.generator.Run(ctx)
		})
	}

	// Wait for all goroutines to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("axnotify engine stopped")
	return nil
}

// Shutdown stops the engine. Every component is asked to stop even when an
// earlier one fails; the first error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down axnotify engine")
	start := time.Now()

	var firstErr error
	record := func(component string, err error) {
		if err == nil {
			return
		}
		e.logger.Error().Err(err).Msgf("Failed to shut down %s", component)
		if firstErr == nil {
			firstErr = err
		}
	}

	// Shut down API server first to stop accepting new connections
	record("API", e.api.Shutdown(ctx))

	// Disconnect stream clients, releasing their subscriptions
	record("notifier", e.notifier.Shutdown(ctx))

	// Tear down whatever subscriptions remain and stop dispatching
	record("notification center", e.center.Close(ctx))

	// Let callbacks still in flight on the platform finish
	e.platform.Wait()

	// Shut down telemetry if initialized
	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		} else {
			e.logger.Info().Msg("Telemetry shut down successfully")
		}
	}

	e.logger.Info().Dur("duration", time.Since(start)).Msg("Shutdown complete")
	return firstErr
}
