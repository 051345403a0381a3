// Package engine wires the page-build sync, the notification sync and the
// status API into one daemon.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nkkko/livesync/internal/api"
	"github.com/nkkko/livesync/internal/config"
	"github.com/nkkko/livesync/internal/hub"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/notify"
	"github.com/nkkko/livesync/internal/pagesync"
	"github.com/nkkko/livesync/internal/subscriber"
	"github.com/nkkko/livesync/internal/telemetry"
	"github.com/nkkko/livesync/pkg/client"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of the livesync components
type Engine struct {
	config   *config.Config
	page     *pagesync.Sync
	registry *notify.Registry
	center   *notify.Center
	api      *api.API
	logger   zerolog.Logger

	telemetryFn func(context.Context) error
}

// New creates an engine with every enabled component constructed from
// config. Nothing connects until Start.
func New(cfg *config.Config) *Engine {
	e := &Engine{
		config: cfg,
		logger: logging.Component("engine"),
	}

	if cfg.Page.Enabled {
		pageURL := cfg.PageHubURL()
		e.page = pagesync.New(e.dialer(pageURL), cfg.ToPageSyncConfig(), pagesync.Callbacks{
			OnBuildProgress: func(p proto.BuildProgress) {
				e.logger.Info().
					Bool("building", p.IsBuilding).
					Str("message", p.Message).
					Int("step", p.CurrentStep).
					Msg("Build progress")
			},
		})
	}

	if cfg.Notifications.Enabled {
		e.registry = notify.NewRegistry(e.dialer(cfg.NotificationHubURL()))
		backend := client.New(cfg.API.BaseURL, cfg.ToClientOptions()...)
		e.center = notify.NewCenter(backend, e.registry, nil, cfg.ToNotifyConfig())
	}

	// Typed nil pointers must not reach the API as non-nil interfaces
	var page api.PageSync
	if e.page != nil {
		page = e.page
	}
	var center api.NotificationCenter
	if e.center != nil {
		center = e.center
	}
	e.api = api.New(cfg.ToAPIConfig(), page, center)

	return e
}

// dialer returns a factory for fresh hub connections to url
func (e *Engine) dialer(url string) func() subscriber.Connection {
	return func() subscriber.Connection {
		return hub.New(url, e.config.ToHubOptions()...)
	}
}

// Start runs all components until ctx is cancelled
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting livesync engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	// Attach the configured page and mount the configured identity. Both
	// absorb connection failures and keep retrying in the background.
	if e.page != nil && e.config.Page.PageID != "" {
		if err := e.page.Attach(ctx, e.config.Page.PageID, proto.EmptyPageContent()); err != nil {
			return fmt.Errorf("failed to attach page: %w", err)
		}
	}
	if e.center != nil {
		identity := e.config.ToIdentity()
		if identity.IsZero() {
			e.logger.Warn().Msg("No user configured, notification sync idle")
		} else if err := e.center.Mount(ctx, identity); err != nil {
			return fmt.Errorf("failed to mount notifications: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// Start the status API
	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Livesync engine stopped")
	return nil
}

// Shutdown detaches the page and releases the notification connection
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down livesync engine")

	if e.page != nil {
		if err := e.page.Detach(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to detach page")
		}
	}
	if e.center != nil {
		e.center.Unmount()
		e.registry.Release(ctx)
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
			return err
		}
	}
	return nil
}

// Page returns the page sync, or nil when disabled
func (e *Engine) Page() *pagesync.Sync {
	return e.page
}

// Notifications returns the notification center, or nil when disabled
func (e *Engine) Notifications() *notify.Center {
	return e.center
}

// API returns the status API
func (e *Engine) API() *api.API {
	return e.api
}
