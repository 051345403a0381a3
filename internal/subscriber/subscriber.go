package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nkkko/livesync/internal/hub"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/metrics"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownEvent is returned when registering a handler for a name
	// outside the inbound vocabulary
	ErrUnknownEvent = proto.ErrUnknownEvent

	// ErrDuplicateHandler is returned when an event already has a handler
	ErrDuplicateHandler = errors.New("event already has a handler")
)

// Connection is the hub transport a subscriber drives. *hub.Conn satisfies it.
type Connection interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	State() proto.ConnectionState
	SetListener(l hub.Listener)
}

// Group is one server-side broadcast scope joined with JoinMethod(ID)
type Group struct {
	Kind        string
	ID          string
	JoinMethod  string
	LeaveMethod string
}

func (g Group) key() string {
	return g.Kind + ":" + g.ID
}

// Handler receives one decoded event
type Handler func(ev proto.Event)

// Handlers maps event names to their handler
type Handlers map[proto.EventName]Handler

// Config contains subscriber configuration
type Config struct {
	// Name labels logs and metrics
	Name string

	// Persistent subscribers keep their connection and groups across Detach
	Persistent bool

	// AutoConnect starts the connection on Attach
	AutoConnect bool

	// Timeout for the rejoin pass after a reconnect
	RejoinTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Name:          "subscriber",
		AutoConnect:   true,
		RejoinTimeout: 30 * time.Second,
	}
}

// Subscriber joins resource-scoped groups on a hub connection and routes
// inbound events to registered handlers
type Subscriber struct {
	config  Config
	conn    Connection
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	groups    []Group
	joined    map[string]Group
	handlers  Handlers
	untrusted bool
}

// New creates a subscriber on conn and installs itself as its listener
func New(conn Connection, config Config) *Subscriber {
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	if config.RejoinTimeout == 0 {
		config.RejoinTimeout = DefaultConfig().RejoinTimeout
	}

	s := &Subscriber{
		config:   config,
		conn:     conn,
		logger:   logging.Component("subscriber").With().Str("subscriber", config.Name).Logger(),
		metrics:  metrics.GetMetrics(),
		joined:   make(map[string]Group),
		handlers: make(Handlers),
	}
	conn.SetListener(s)
	return s
}

// Attach registers handlers and the groups to join, then connects if
// AutoConnect is set. Transport and join failures are logged and show up
// only through State.
func (s *Subscriber) Attach(ctx context.Context, groups []Group, handlers Handlers) error {
	if err := s.register(handlers); err != nil {
		return err
	}

	s.mu.Lock()
	s.groups = append([]Group(nil), groups...)
	s.mu.Unlock()

	if !s.config.AutoConnect {
		return nil
	}

	if err := s.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to connect on attach")
	}
	return nil
}

// Handle registers a single handler
func (s *Subscriber) Handle(name proto.EventName, h Handler) error {
	return s.register(Handlers{name: h})
}

func (s *Subscriber) register(handlers Handlers) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range handlers {
		if !proto.IsKnownEvent(name) {
			return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
		}
		if _, exists := s.handlers[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
		}
	}
	for name, h := range handlers {
		if h != nil {
			s.handlers[name] = h
		}
	}
	return nil
}

// Detach leaves all groups and stops the connection. Persistent
// subscribers keep both.
func (s *Subscriber) Detach(ctx context.Context) error {
	if s.config.Persistent {
		s.logger.Debug().Msg("Persistent subscriber detached, connection left open")
		return nil
	}

	err := s.Disconnect(ctx)

	s.mu.Lock()
	s.groups = nil
	s.handlers = make(Handlers)
	s.mu.Unlock()

	return err
}

// Connect starts the connection and joins the configured groups. It does
// nothing unless the connection is Disconnected.
func (s *Subscriber) Connect(ctx context.Context) error {
	if s.conn.State() != proto.ConnectionState_DISCONNECTED {
		return nil
	}

	if err := s.conn.Start(ctx); err != nil {
		return err
	}

	s.joinAll(ctx)
	return nil
}

// Disconnect leaves joined groups when connected and stops the connection.
// Registered groups and handlers are kept for a later Connect.
func (s *Subscriber) Disconnect(ctx context.Context) error {
	if s.conn.State() == proto.ConnectionState_CONNECTED {
		s.leaveAll(ctx)
	}

	err := s.conn.Stop(ctx)

	s.mu.Lock()
	s.joined = make(map[string]Group)
	s.untrusted = false
	s.mu.Unlock()
	s.metrics.SubscriberGroupsJoined.WithLabelValues(s.config.Name).Set(0)

	return err
}

// State returns the connection state
func (s *Subscriber) State() proto.ConnectionState {
	return s.conn.State()
}

// Groups returns the groups the subscriber is configured to join
func (s *Subscriber) Groups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Group(nil), s.groups...)
}

// JoinedGroups returns the groups whose join completed on the current
// connection, in configuration order
func (s *Subscriber) JoinedGroups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Group
	for _, g := range s.groups {
		if _, ok := s.joined[g.key()]; ok {
			out = append(out, g)
		}
	}
	return out
}

// joinAll invokes every join concurrently. A failed join is logged and
// does not prevent the others.
func (s *Subscriber) joinAll(ctx context.Context) {
	groups := s.Groups()

	var g errgroup.Group
	for _, group := range groups {
		group := group
		g.Go(func() error {
			if _, err := s.conn.Invoke(ctx, group.JoinMethod, group.ID); err != nil {
				s.logger.Warn().Err(err).Str("group", group.key()).Msg("Failed to join group")
				return nil
			}
			s.mu.Lock()
			s.joined[group.key()] = group
			count := len(s.joined)
			s.mu.Unlock()
			s.metrics.SubscriberGroupsJoined.WithLabelValues(s.config.Name).Set(float64(count))
			s.logger.Debug().Str("group", group.key()).Msg("Joined group")
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Subscriber) leaveAll(ctx context.Context) {
	s.mu.Lock()
	joined := make([]Group, 0, len(s.joined))
	for _, g := range s.joined {
		joined = append(joined, g)
	}
	s.mu.Unlock()

	for _, group := range joined {
		if group.LeaveMethod == "" {
			continue
		}
		if _, err := s.conn.Invoke(ctx, group.LeaveMethod, group.ID); err != nil {
			s.logger.Debug().Err(err).Str("group", group.key()).Msg("Failed to leave group")
			continue
		}
		s.logger.Debug().Str("group", group.key()).Msg("Left group")
	}
}

// OnInvocation implements hub.Listener
func (s *Subscriber) OnInvocation(target string, args []json.RawMessage) {
	name := proto.EventName(target)

	s.mu.Lock()
	untrusted := s.untrusted
	handler := s.handlers[name]
	s.mu.Unlock()

	if untrusted {
		s.count(name, "untrusted")
		s.logger.Debug().Str("event", target).Msg("Dropping event received before rejoin completed")
		return
	}

	ev, err := proto.DecodeEvent(name, args)
	if errors.Is(err, proto.ErrUnknownEvent) {
		s.count(name, "ignored")
		return
	}
	if err != nil {
		s.count(name, "malformed")
		s.logger.Warn().Err(err).Str("event", target).Msg("Dropping malformed event")
		return
	}
	if handler == nil {
		s.count(name, "unhandled")
		return
	}

	handler(ev)
	s.count(name, "delivered")
}

// OnReconnecting implements hub.Listener. Group membership is gone on the
// server side, and events stay untrusted until the rejoin pass finishes.
func (s *Subscriber) OnReconnecting(err error) {
	s.mu.Lock()
	s.untrusted = true
	s.joined = make(map[string]Group)
	s.mu.Unlock()
	s.metrics.SubscriberGroupsJoined.WithLabelValues(s.config.Name).Set(0)

	s.logger.Info().Err(err).Msg("Connection lost, waiting to rejoin")
}

// OnReconnected implements hub.Listener
func (s *Subscriber) OnReconnected(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RejoinTimeout)
	defer cancel()

	s.joinAll(ctx)

	s.mu.Lock()
	s.untrusted = false
	joined := len(s.joined)
	s.mu.Unlock()

	s.logger.Info().
		Str("connection_id", connectionID).
		Int("groups", joined).
		Msg("Reconnected and rejoined groups")
}

// OnClosed implements hub.Listener
func (s *Subscriber) OnClosed(err error) {
	s.mu.Lock()
	s.joined = make(map[string]Group)
	s.untrusted = false
	s.mu.Unlock()
	s.metrics.SubscriberGroupsJoined.WithLabelValues(s.config.Name).Set(0)

	if err != nil {
		s.logger.Warn().Err(err).Msg("Connection closed")
	}
}

func (s *Subscriber) count(name proto.EventName, outcome string) {
	s.metrics.SubscriberEventsTotal.WithLabelValues(s.config.Name, string(name), outcome).Inc()
}
