package config

import (
	"strings"
	"time"

	"github.com/nkkko/livesync/internal/api"
	"github.com/nkkko/livesync/internal/hub"
	"github.com/nkkko/livesync/internal/hubserver"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/notify"
	"github.com/nkkko/livesync/internal/pagesync"
	"github.com/nkkko/livesync/internal/telemetry"
	"github.com/nkkko/livesync/pkg/client"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// PageHubURL returns the page builder hub endpoint
func (c *Config) PageHubURL() string {
	return joinURL(c.Hub.BaseURL, c.Hub.PagePath)
}

// NotificationHubURL returns the notification hub endpoint
func (c *Config) NotificationHubURL() string {
	return joinURL(c.Hub.BaseURL, c.Hub.NotificationPath)
}

// accessToken returns a provider for the configured bearer token, or nil
func (c *Config) accessToken() func() (string, error) {
	if c.API.AccessToken == "" {
		return nil
	}
	token := c.API.AccessToken
	return func() (string, error) { return token, nil }
}

// ToRetryPolicy converts to a hub reconnect policy
func (c *Config) ToRetryPolicy() hub.RetryPolicy {
	r := c.Hub.Retry
	if strings.EqualFold(r.Mode, "exponential") {
		return hub.ExponentialPolicy(millis(r.InitialMs), millis(r.MaxIntervalMs), millis(r.MaxElapsedMs))
	}

	if len(r.IntervalsMs) == 0 {
		return hub.DefaultRetryPolicy()
	}
	intervals := make([]time.Duration, len(r.IntervalsMs))
	for i, ms := range r.IntervalsMs {
		intervals[i] = millis(ms)
	}
	return &hub.IntervalPolicy{
		Intervals:  intervals,
		RepeatLast: r.RepeatLast,
		MaxElapsed: millis(r.MaxElapsedMs),
	}
}

// ToHubOptions converts to hub connection options. Each call builds a
// fresh retry policy so connections do not share backoff state.
func (c *Config) ToHubOptions() []hub.Option {
	opts := []hub.Option{hub.WithRetryPolicy(c.ToRetryPolicy())}

	if c.Hub.SkipNegotiation {
		opts = append(opts, hub.WithSkipNegotiation())
	}
	if c.Hub.KeepAliveIntervalMs > 0 {
		opts = append(opts, hub.WithKeepAliveInterval(millis(c.Hub.KeepAliveIntervalMs)))
	}
	if c.Hub.ServerTimeoutMs > 0 {
		opts = append(opts, hub.WithServerTimeout(millis(c.Hub.ServerTimeoutMs)))
	}
	if c.Hub.HandshakeTimeoutMs > 0 {
		opts = append(opts, hub.WithHandshakeTimeout(millis(c.Hub.HandshakeTimeoutMs)))
	}
	if token := c.accessToken(); token != nil {
		opts = append(opts, hub.WithAccessToken(token))
	}
	for k, v := range c.API.Headers {
		opts = append(opts, hub.WithHeader(k, v))
	}
	return opts
}

// ToClientOptions converts to REST client options
func (c *Config) ToClientOptions() []client.ClientOption {
	var opts []client.ClientOption
	if c.API.TimeoutMs > 0 {
		opts = append(opts, client.WithTimeout(millis(c.API.TimeoutMs)))
	}
	if token := c.accessToken(); token != nil {
		opts = append(opts, client.WithAccessToken(token))
	}
	if len(c.API.Headers) > 0 {
		opts = append(opts, client.WithHeaders(c.API.Headers))
	}
	return opts
}

// ToPageSyncConfig converts to page sync config
func (c *Config) ToPageSyncConfig() pagesync.Config {
	return pagesync.Config{
		Name:        strings.Trim(c.Hub.PagePath, "/"),
		AutoConnect: c.Page.AutoConnect,
	}
}

// ToNotifyConfig converts to notification center config
func (c *Config) ToNotifyConfig() notify.Config {
	return notify.Config{
		Window: c.Notifications.Window,
	}
}

// ToIdentity returns the identity whose notifications are followed
func (c *Config) ToIdentity() notify.Identity {
	return notify.Identity{
		UserID:     c.Notifications.UserID,
		CompanyID:  c.Notifications.CompanyID,
		LocationID: c.Notifications.LocationID,
	}
}

// ToAPIConfig converts to status API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:           c.Status.Addr,
		RequestTimeout: millis(c.Status.RequestTimeoutMs),
		ServiceName:    c.Telemetry.ServiceName,
	}
}

// ToSimulatorConfig converts to hub simulator config. DataDir is empty
// unless the Badger store is selected.
func (c *Config) ToSimulatorConfig() hubserver.Config {
	cfg := hubserver.Config{
		Addr:                c.Simulator.Addr,
		PendingNegotiations: c.Simulator.PendingNegotiations,
		NegotiationTTL:      millis(c.Simulator.NegotiationTTLMs),
		KeepAliveInterval:   millis(c.Simulator.KeepAliveIntervalMs),
		ClientTimeout:       millis(c.Simulator.ClientTimeoutMs),
	}
	if c.Simulator.StoreType == "badger" {
		cfg.DataDir = c.Simulator.DataDir
	}
	return cfg
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "info":
		level = logging.LevelInfo
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	var format logging.LogFormat
	switch c.Logging.Format {
	case "json":
		format = logging.FormatJSON
	case "console":
		format = logging.FormatConsole
	default:
		format = logging.FormatJSON
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.IncludeStacktrace = c.Logging.IncludeTrace
	cfg.GlobalFields = c.Logging.GlobalFields
	return cfg
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	cfg := telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		Insecure:      true,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
	if c.Page.Enabled {
		cfg.Hubs = append(cfg.Hubs, c.PageHubURL())
		cfg.Components = append(cfg.Components, "pagesync")
	}
	if c.Notifications.Enabled {
		cfg.Hubs = append(cfg.Hubs, c.NotificationHubURL())
		cfg.Components = append(cfg.Components, "notify")
	}
	return cfg
}
