package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nkkko/axnotify/internal/api"
	"github.com/nkkko/axnotify/internal/center"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/logging"
	"github.com/nkkko/axnotify/internal/notifier"
	"github.com/nkkko/axnotify/internal/platform/sim"
	"github.com/nkkko/axnotify/internal/telemetry"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	metricsPath := ""
	if c.Metrics.Enabled {
		metricsPath = c.Metrics.Endpoint
	}
	return api.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    seconds(c.Server.ReadTimeout),
		WriteTimeout:   seconds(c.Server.WriteTimeout),
		IdleTimeout:    seconds(c.Server.IdleTimeout),
		RequestTimeout: seconds(c.Server.RequestTimeout),
		ServiceName:    c.Telemetry.ServiceName,
		MetricsPath:    metricsPath,
	}
}

// ToNotifierConfig converts to notifier config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		MaxIdleTime:       seconds(c.Notifier.MaxIdleTime),
		HeartbeatInterval: seconds(c.Notifier.HeartbeatInterval),
		MaxConnections:    c.Notifier.MaxConnections,
		ClientBufferSize:  c.Notifier.ClientBufferSize,
		WriteTimeout:      seconds(c.Notifier.WriteTimeout),
	}
}

// ToCenterOptions converts to notification center options
func (c *Config) ToCenterOptions() []center.Option {
	return []center.Option{
		center.WithQueueSize(c.Center.QueueSize),
		center.WithElementCacheSize(c.Center.ElementCacheSize),
	}
}

// ToPlatformOptions converts to simulated platform options. Demo mode uses
// made up process ids, so it never checks the host process table.
func (c *Config) ToPlatformOptions() []sim.Option {
	if c.Platform.Demo.Enabled || !c.Platform.CheckProcesses {
		return nil
	}
	opts := []sim.Option{sim.WithProcessChecker(sim.GopsutilChecker{})}
	if c.Platform.AutoApplications {
		opts = append(opts, sim.WithAutoApplications())
	}
	return opts
}

// DemoTypes parses the notification types of the demo generator
func (c *Config) DemoTypes() ([]domain.NotificationType, error) {
	types := make([]domain.NotificationType, 0, len(c.Platform.Demo.Types))
	for _, raw := range c.Platform.Demo.Types {
		t, err := domain.ParseNotificationType(raw)
		if err != nil {
			return nil, fmt.Errorf("platform.demo.types: %w", err)
		}
		types = append(types, t)
	}
	return types, nil
}

// DemoInterval returns the delay between demo events
func (c *Config) DemoInterval() time.Duration {
	return time.Duration(c.Platform.Demo.IntervalMs) * time.Millisecond
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	format := logging.LogFormat(strings.ToLower(c.Logging.Format))
	if format == "" {
		format = logging.FormatJSON
	}

	return logging.Config{
		Level:             logging.LogLevel(c.Logging.Level),
		Format:            format,
		IncludeCaller:     c.Logging.IncludeCaller,
		IncludeStacktrace: c.Logging.IncludeStack,
		GlobalFields:      c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		Insecure:      c.Telemetry.Insecure,
		Headers:       c.Telemetry.Headers,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
