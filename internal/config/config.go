package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Center    CenterConfig    `yaml:"center"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Platform  PlatformConfig  `yaml:"platform"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings, timeouts in seconds
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	ReadTimeout    int    `yaml:"read_timeout"`
	WriteTimeout   int    `yaml:"write_timeout"`
	IdleTimeout    int    `yaml:"idle_timeout"`
	RequestTimeout int    `yaml:"request_timeout"`
}

// CenterConfig contains notification center settings
type CenterConfig struct {
	QueueSize        int `yaml:"queue_size"`
	ElementCacheSize int `yaml:"element_cache_size"`
}

// NotifierConfig contains stream settings, durations in seconds
type NotifierConfig struct {
	MaxIdleTime       int `yaml:"max_idle_time"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	MaxConnections    int `yaml:"max_connections"`
	ClientBufferSize  int `yaml:"client_buffer_size"`
	WriteTimeout      int `yaml:"write_timeout"`
}

// ApplicationConfig declares an application known to the platform at startup
type ApplicationConfig struct {
	PID  int32  `yaml:"pid"`
	Name string `yaml:"name"`
}

// DemoConfig drives the built-in event generator
type DemoConfig struct {
	Enabled    bool     `yaml:"enabled"`
	IntervalMs int      `yaml:"interval_ms"`
	Types      []string `yaml:"types"`
}

// PlatformConfig contains accessibility platform settings
type PlatformConfig struct {
	// Check process ids against the host process table
	CheckProcesses bool `yaml:"check_processes"`

	// Create applications on demand for live processes
	AutoApplications bool `yaml:"auto_applications"`

	Applications []ApplicationConfig `yaml:"applications"`
	Demo         DemoConfig          `yaml:"demo"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeStack  bool              `yaml:"include_stack"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	Headers       map[string]string `yaml:"headers"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    5,
			WriteTimeout:   10,
			IdleTimeout:    120,
			RequestTimeout: 30,
		},
		Center: CenterConfig{
			QueueSize:        1024,
			ElementCacheSize: 4096,
		},
		Notifier: NotifierConfig{
			MaxIdleTime:       60,
			HeartbeatInterval: 15,
			MaxConnections:    256,
			ClientBufferSize:  256,
			WriteTimeout:      5,
		},
		Platform: PlatformConfig{
			CheckProcesses:   true,
			AutoApplications: true,
			Demo: DemoConfig{
				Enabled:    false,
				IntervalMs: 1000,
				Types:      []string{"AXFocusedUIElementChanged", "AXValueChanged", "AXTitleChanged"},
			},
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			IncludeStack: true,
			GlobalFields: map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "axnotify",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			Headers:       map[string]string{},
			SamplingRatio: 1.0,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and
// flags, in increasing order of priority
func LoadConfig(configFile string, serverAddr string, logLevel string) (*Config, error) {
	config := DefaultConfig()
	if configFile != "" {
		var err error
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(config)

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("server.addr must be set")
	case c.Center.QueueSize <= 0:
		return fmt.Errorf("center.queue_size must be positive, got %d", c.Center.QueueSize)
	case c.Center.ElementCacheSize <= 0:
		return fmt.Errorf("center.element_cache_size must be positive, got %d", c.Center.ElementCacheSize)
	case c.Notifier.MaxIdleTime <= 0:
		return fmt.Errorf("notifier.max_idle_time must be positive, got %d", c.Notifier.MaxIdleTime)
	case c.Notifier.HeartbeatInterval <= 0:
		return fmt.Errorf("notifier.heartbeat_interval must be positive, got %d", c.Notifier.HeartbeatInterval)
	case c.Platform.Demo.Enabled && c.Platform.Demo.IntervalMs <= 0:
		return fmt.Errorf("platform.demo.interval_ms must be positive, got %d", c.Platform.Demo.IntervalMs)
	case c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1:
		return fmt.Errorf("telemetry.sampling_ratio must be within [0, 1], got %v", c.Telemetry.SamplingRatio)
	}

	for _, app := range c.Platform.Applications {
		if app.PID <= 0 {
			return fmt.Errorf("platform.applications: invalid pid %d", app.PID)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	// Server config overrides
	if addr := os.Getenv("AXNOTIFY_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}

	// Center config overrides
	if v, ok := envInt("AXNOTIFY_CENTER_QUEUE_SIZE"); ok {
		config.Center.QueueSize = v
	}
	if v, ok := envInt("AXNOTIFY_CENTER_ELEMENT_CACHE_SIZE"); ok {
		config.Center.ElementCacheSize = v
	}

	// Notifier config overrides
	if v, ok := envInt("AXNOTIFY_NOTIFIER_MAX_CONNECTIONS"); ok {
		config.Notifier.MaxConnections = v
	}

	// Platform config overrides
	if v, ok := envBool("AXNOTIFY_PLATFORM_CHECK_PROCESSES"); ok {
		config.Platform.CheckProcesses = v
	}
	if v, ok := envBool("AXNOTIFY_DEMO"); ok {
		config.Platform.Demo.Enabled = v
	}

	// Logging config overrides
	if level := os.Getenv("AXNOTIFY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("AXNOTIFY_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Telemetry config overrides
	if v, ok := envBool("AXNOTIFY_TELEMETRY_ENABLED"); ok {
		config.Telemetry.Enabled = v
	}
	if endpoint := os.Getenv("AXNOTIFY_TELEMETRY_ENDPOINT"); endpoint != "" {
		config.Telemetry.Endpoint = endpoint
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("variable", name).Str("value", raw).Msg("Ignoring non-integer environment override")
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("variable", name).Str("value", raw).Msg("Ignoring non-boolean environment override")
		return false, false
	}
	return v, true
}
