package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nkkko/livesync/internal/logging"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "LIVESYNC_"

// Config represents the complete application configuration
type Config struct {
	Hub           HubConfig           `yaml:"hub"`
	API           APIConfig           `yaml:"api"`
	Page          PageConfig          `yaml:"page"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Status        StatusConfig        `yaml:"status"`
	Simulator     SimulatorConfig     `yaml:"simulator"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// HubConfig contains hub connection settings
type HubConfig struct {
	BaseURL             string      `yaml:"base_url"`
	PagePath            string      `yaml:"page_path"`
	NotificationPath    string      `yaml:"notification_path"`
	SkipNegotiation     bool        `yaml:"skip_negotiation"`
	KeepAliveIntervalMs int         `yaml:"keep_alive_interval_ms"`
	ServerTimeoutMs     int         `yaml:"server_timeout_ms"`
	HandshakeTimeoutMs  int         `yaml:"handshake_timeout_ms"`
	Retry               RetryConfig `yaml:"retry"`
}

// RetryConfig selects the reconnect policy
type RetryConfig struct {
	// intervals or exponential
	Mode          string `yaml:"mode"`
	IntervalsMs   []int  `yaml:"intervals_ms"`
	RepeatLast    bool   `yaml:"repeat_last"`
	InitialMs     int    `yaml:"initial_ms"`
	MaxIntervalMs int    `yaml:"max_interval_ms"`
	MaxElapsedMs  int    `yaml:"max_elapsed_ms"`
}

// APIConfig contains backend REST settings
type APIConfig struct {
	BaseURL     string            `yaml:"base_url"`
	AccessToken string            `yaml:"access_token"`
	TimeoutMs   int               `yaml:"timeout_ms"`
	Headers     map[string]string `yaml:"headers"`
}

// PageConfig contains page-build sync settings
type PageConfig struct {
	Enabled     bool   `yaml:"enabled"`
	PageID      string `yaml:"page_id"`
	AutoConnect bool   `yaml:"auto_connect"`
}

// NotificationsConfig contains notification sync settings
type NotificationsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Window     int    `yaml:"window"`
	UserID     string `yaml:"user_id"`
	CompanyID  string `yaml:"company_id"`
	LocationID string `yaml:"location_id"`
}

// StatusConfig contains local status API settings
type StatusConfig struct {
	Addr             string `yaml:"addr"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

// SimulatorConfig contains hub simulator settings
type SimulatorConfig struct {
	Addr                string `yaml:"addr"`
	StoreType           string `yaml:"store_type"`
	DataDir             string `yaml:"data_dir"`
	PendingNegotiations int    `yaml:"pending_negotiations"`
	NegotiationTTLMs    int    `yaml:"negotiation_ttl_ms"`
	KeepAliveIntervalMs int    `yaml:"keep_alive_interval_ms"`
	ClientTimeoutMs     int    `yaml:"client_timeout_ms"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			BaseURL:             "http://localhost:5080",
			PagePath:            "/pagebuilder",
			NotificationPath:    "/notifications",
			KeepAliveIntervalMs: 15000,
			ServerTimeoutMs:     30000,
			HandshakeTimeoutMs:  15000,
			Retry: RetryConfig{
				Mode:          "intervals",
				IntervalsMs:   []int{0, 2000, 5000, 10000, 30000},
				RepeatLast:    true,
				InitialMs:     500,
				MaxIntervalMs: 30000,
			},
		},
		API: APIConfig{
			BaseURL:   "http://localhost:5080",
			TimeoutMs: 10000,
			Headers:   map[string]string{},
		},
		Page: PageConfig{
			Enabled:     true,
			AutoConnect: true,
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Window:  50,
		},
		Status: StatusConfig{
			Addr:             "127.0.0.1:8090",
			RequestTimeoutMs: 30000,
		},
		Simulator: SimulatorConfig{
			Addr:                ":5080",
			StoreType:           "memory",
			DataDir:             "./data",
			PendingNegotiations: 1024,
			NegotiationTTLMs:    60000,
			KeepAliveIntervalMs: 15000,
			ClientTimeoutMs:     30000,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "livesync",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	logger := logging.Component("config")

	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Overrides are command line values; empty fields leave the config as is
type Overrides struct {
	HubURL     string
	APIURL     string
	StatusAddr string
	SimAddr    string
	DataDir    string
	LogLevel   string
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, overrides Overrides) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Override with command line flags (highest priority)
	if overrides.HubURL != "" {
		config.Hub.BaseURL = overrides.HubURL
	}
	if overrides.APIURL != "" {
		config.API.BaseURL = overrides.APIURL
	}
	if overrides.StatusAddr != "" {
		config.Status.Addr = overrides.StatusAddr
	}
	if overrides.SimAddr != "" {
		config.Simulator.Addr = overrides.SimAddr
	}
	if overrides.DataDir != "" {
		absDataDir, err := filepath.Abs(overrides.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Simulator.DataDir = absDataDir
	}
	if overrides.LogLevel != "" {
		config.Logging.Level = overrides.LogLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	setString := func(name string, target *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*target = v
		}
	}
	setBool := func(name string, target *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*target = b
			}
		}
	}

	// Hub
	setString("HUB_BASE_URL", &config.Hub.BaseURL)
	setBool("HUB_SKIP_NEGOTIATION", &config.Hub.SkipNegotiation)
	setString("HUB_RETRY_MODE", &config.Hub.Retry.Mode)

	// Backend REST
	setString("API_BASE_URL", &config.API.BaseURL)
	setString("API_TOKEN", &config.API.AccessToken)

	// Components
	setBool("PAGE_ENABLED", &config.Page.Enabled)
	setString("PAGE_ID", &config.Page.PageID)
	setBool("NOTIFICATIONS_ENABLED", &config.Notifications.Enabled)
	setString("USER_ID", &config.Notifications.UserID)
	setString("COMPANY_ID", &config.Notifications.CompanyID)
	setString("LOCATION_ID", &config.Notifications.LocationID)

	// Servers
	setString("STATUS_ADDR", &config.Status.Addr)
	setString("SIM_ADDR", &config.Simulator.Addr)
	setString("SIM_STORE", &config.Simulator.StoreType)
	setString("SIM_DATA_DIR", &config.Simulator.DataDir)

	// Logging
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)

	// Telemetry
	setBool("TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	setString("TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)
}

// Validate reports configuration that cannot work
func (c *Config) Validate() error {
	if (c.Page.Enabled || c.Notifications.Enabled) && c.Hub.BaseURL == "" {
		return fmt.Errorf("hub.base_url is required")
	}
	if c.Notifications.Enabled && c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required when notifications are enabled")
	}

	switch strings.ToLower(c.Hub.Retry.Mode) {
	case "", "intervals":
		for _, ms := range c.Hub.Retry.IntervalsMs {
			if ms < 0 {
				return fmt.Errorf("hub.retry.intervals_ms must not be negative")
			}
		}
	case "exponential":
		if c.Hub.Retry.InitialMs <= 0 {
			return fmt.Errorf("hub.retry.initial_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown hub.retry.mode %q", c.Hub.Retry.Mode)
	}

	switch c.Simulator.StoreType {
	case "", "memory", "badger":
	default:
		return fmt.Errorf("unknown simulator.store_type %q", c.Simulator.StoreType)
	}
	return nil
}
