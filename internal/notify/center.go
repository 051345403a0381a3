// Package notify keeps the signed-in user's notifications in step with the
// backend over a process-wide hub connection.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/metrics"
	"github.com/nkkko/livesync/internal/telemetry"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// API is the notification backend. *client.Client satisfies it.
type API interface {
	GetNotifications(ctx context.Context, unreadOnly bool, take int) ([]proto.Notification, error)
	GetUnreadCount(ctx context.Context) (int, error)
	MarkAsRead(ctx context.Context, id int64) error
	MarkAllAsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id int64) error
	ClearAllNotifications(ctx context.Context) error
}

// Config contains notification center configuration
type Config struct {
	// Number of most recent notifications fetched on refresh
	Window int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{Window: 50}
}

// Center holds the notification list and unread count for the mounted
// identity. Actions update local state first and are not rolled back when
// the backend call fails.
type Center struct {
	api      API
	registry *Registry
	alerter  Alerter
	config   Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	items   []proto.Notification
	unread  int
	unbind  func()
	mounted Identity
}

// NewCenter creates a center. A nil alerter logs alerts.
func NewCenter(api API, registry *Registry, alerter Alerter, config Config) *Center {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if alerter == nil {
		alerter = NewLogAlerter()
	}

	return &Center{
		api:      api,
		registry: registry,
		alerter:  alerter,
		config:   config,
		logger:   logging.Component("notify"),
		metrics:  metrics.GetMetrics(),
	}
}

// Mount binds the center to id. The registry connection is created,
// replaced or reused as needed and a fresh snapshot is fetched. State held
// for another identity is cleared before anything is fetched. A zero
// identity clears local state and releases the connection.
func (c *Center) Mount(ctx context.Context, id Identity) error {
	c.Unmount()

	c.mu.Lock()
	changed := c.mounted != id
	c.mounted = id
	c.mu.Unlock()

	if id.IsZero() {
		c.registry.Release(ctx)
		c.reset()
		return nil
	}
	if changed {
		c.reset()
	}

	reused, err := c.registry.Ensure(ctx, id)
	if err != nil {
		return err
	}
	if !reused && !changed {
		c.reset()
	}

	unbind := c.registry.Bind(c.receive)
	c.mu.Lock()
	c.unbind = unbind
	c.mu.Unlock()

	c.logger.Info().Str("user_id", id.UserID).Bool("reused", reused).Msg("Notification center mounted")

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load notifications")
	}
	return nil
}

// Unmount stops receiving pushed notifications. The registry connection
// stays open.
func (c *Center) Unmount() {
	c.mu.Lock()
	unbind := c.unbind
	c.unbind = nil
	c.mu.Unlock()

	if unbind != nil {
		unbind()
	}
}

// Refresh replaces local state with a snapshot from the backend
func (c *Center) Refresh(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "notify.refresh", attribute.Int("window", c.config.Window))

	var (
		items []proto.Notification
		count int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = c.api.GetNotifications(gctx, false, c.config.Window)
		if err != nil {
			return fmt.Errorf("failed to fetch notifications: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		count, err = c.api.GetUnreadCount(gctx)
		if err != nil {
			return fmt.Errorf("failed to fetch unread count: %w", err)
		}
		return nil
	})
	err := g.Wait()
	telemetry.EndSpan(span, err)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.items = items
	c.unread = count
	c.mu.Unlock()
	c.metrics.NotificationsUnread.Set(float64(count))

	c.logger.Debug().Int("items", len(items)).Int("unread", count).Msg("Notifications refreshed")
	return nil
}

// Notifications returns the held notifications, most recent first
func (c *Center) Notifications() []proto.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]proto.Notification(nil), c.items...)
}

// UnreadCount returns the unread count
func (c *Center) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

// ConnectionState returns the state of the shared connection
func (c *Center) ConnectionState() proto.ConnectionState {
	return c.registry.State()
}

// MarkAsRead marks one notification read
func (c *Center) MarkAsRead(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	c.update(func() {
		for i := range c.items {
			if c.items[i].Id != id {
				continue
			}
			if !c.items[i].IsRead {
				c.items[i].IsRead = true
				c.items[i].ReadAt = &now
				c.decrementLocked()
			}
			return
		}
	})
	return c.confirm("mark_read", c.api.MarkAsRead(ctx, id))
}

// MarkAllAsRead marks every held notification read
func (c *Center) MarkAllAsRead(ctx context.Context) error {
	now := time.Now().UTC()
	c.update(func() {
		for i := range c.items {
			if !c.items[i].IsRead {
				c.items[i].IsRead = true
				c.items[i].ReadAt = &now
			}
		}
		c.unread = 0
	})
	return c.confirm("mark_all_read", c.api.MarkAllAsRead(ctx))
}

// Delete removes one notification
func (c *Center) Delete(ctx context.Context, id int64) error {
	c.update(func() {
		for i := range c.items {
			if c.items[i].Id != id {
				continue
			}
			if !c.items[i].IsRead {
				c.decrementLocked()
			}
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	})
	return c.confirm("delete", c.api.DeleteNotification(ctx, id))
}

// ClearAll removes every notification
func (c *Center) ClearAll(ctx context.Context) error {
	c.update(func() {
		c.items = nil
		c.unread = 0
	})
	return c.confirm("clear_all", c.api.ClearAllNotifications(ctx))
}

// receive handles a pushed notification. The held list keeps the Window
// most recent entries; unread entries pushed out of it leave the count.
func (c *Center) receive(n proto.Notification) {
	c.update(func() {
		c.items = append([]proto.Notification{n}, c.items...)
		c.unread++
		for len(c.items) > c.config.Window {
			if !c.items[len(c.items)-1].IsRead {
				c.decrementLocked()
			}
			c.items = c.items[:len(c.items)-1]
		}
	})
	c.metrics.NotificationActionsTotal.WithLabelValues("receive", "ok").Inc()
	c.alerter.Alert(context.Background(), AlertFor(n))
}

func (c *Center) update(fn func()) {
	c.mu.Lock()
	fn()
	unread := c.unread
	c.mu.Unlock()
	c.metrics.NotificationsUnread.Set(float64(unread))
}

func (c *Center) decrementLocked() {
	if c.unread > 0 {
		c.unread--
	}
}

// confirm records the outcome of the backend call behind an optimistic
// update. Local state is left as is on failure.
func (c *Center) confirm(action string, err error) error {
	if err != nil {
		c.metrics.NotificationActionsTotal.WithLabelValues(action, "error").Inc()
		c.logger.Error().Err(err).Str("action", action).Msg("Notification action failed on the server")
		return err
	}
	c.metrics.NotificationActionsTotal.WithLabelValues(action, "ok").Inc()
	return nil
}

func (c *Center) reset() {
	c.update(func() {
		c.items = nil
		c.unread = 0
	})
}
