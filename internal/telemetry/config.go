package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Resource attribute keys describing what a livesync process subscribes to
const (
	HubsKey       = attribute.Key("livesync.hubs")
	ComponentsKey = attribute.Key("livesync.components")
)

// Config contains OpenTelemetry configuration
type Config struct {
	Enabled     bool
	ServiceName string

	// OTLP gRPC endpoint, host:port
	Endpoint string
	Insecure bool

	SamplingRatio float64
	Timeout       time.Duration

	// Hub URLs the process holds connections to
	Hubs []string

	// Enabled live-update components, e.g. "pagesync", "notify"
	Components []string

	Attributes map[string]string
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		ServiceName:   "livesync",
		Endpoint:      "localhost:4317",
		Insecure:      true,
		SamplingRatio: 0.1,
		Timeout:       5 * time.Second,
		Attributes:    map[string]string{},
	}
}

// ResourceAttributes returns the attributes identifying this process in
// exported traces. Extra attributes are added in key order.
func ResourceAttributes(config Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(config.ServiceName)}
	if len(config.Hubs) > 0 {
		attrs = append(attrs, HubsKey.StringSlice(config.Hubs))
	}
	if len(config.Components) > 0 {
		attrs = append(attrs, ComponentsKey.StringSlice(config.Components))
	}

	keys := make([]string, 0, len(config.Attributes))
	for k := range config.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, config.Attributes[k]))
	}
	return attrs
}

// Setup installs a global tracer provider exporting over OTLP and returns
// its shutdown function. When disabled the global no-op provider stays.
func Setup(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	logger := log.With().Str("component", "telemetry").Logger()
	logger.Info().
		Str("endpoint", config.Endpoint).
		Strs("hubs", config.Hubs).
		Strs("components", config.Components).
		Msg("Setting up OpenTelemetry tracing")

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithTimeout(config.Timeout),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(ResourceAttributes(config)...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		logger.Info().Msg("Shutting down OpenTelemetry tracing")
		return provider.Shutdown(ctx)
	}, nil
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
