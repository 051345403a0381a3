package notify

import (
	"context"
	"sync"

	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/subscriber"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/rs/zerolog"
)

// Hub method names for notification group membership
const (
	JoinUserMethod     = "JoinUserNotifications"
	JoinCompanyMethod  = "JoinCompanyNotifications"
	JoinLocationMethod = "JoinLocationNotifications"
)

// Identity is the signed-in user a notification connection belongs to
type Identity struct {
	UserID     string `json:"userId"`
	CompanyID  string `json:"companyId,omitempty"`
	LocationID string `json:"locationId,omitempty"`
}

// IsZero reports whether no user is signed in
func (i Identity) IsZero() bool {
	return i.UserID == ""
}

// Groups returns the groups joined for the identity: the user group always,
// company and location groups when set
func (i Identity) Groups() []subscriber.Group {
	if i.IsZero() {
		return nil
	}
	groups := []subscriber.Group{{Kind: "user", ID: i.UserID, JoinMethod: JoinUserMethod}}
	if i.CompanyID != "" {
		groups = append(groups, subscriber.Group{Kind: "company", ID: i.CompanyID, JoinMethod: JoinCompanyMethod})
	}
	if i.LocationID != "" {
		groups = append(groups, subscriber.Group{Kind: "location", ID: i.LocationID, JoinMethod: JoinLocationMethod})
	}
	return groups
}

// Sink receives pushed notifications
type Sink func(n proto.Notification)

// Registry owns the single process-wide notification connection. The
// connection is keyed by identity and outlives the consumers bound to it.
type Registry struct {
	dial   func() subscriber.Connection
	logger zerolog.Logger

	// Serializes Ensure and Release
	opMu sync.Mutex

	mu       sync.RWMutex
	identity Identity
	sub      *subscriber.Subscriber
	sinks    map[uint64]Sink
	nextSink uint64
}

// NewRegistry creates an empty registry that obtains connections from dial
func NewRegistry(dial func() subscriber.Connection) *Registry {
	return &Registry{
		dial:   dial,
		logger: logging.Component("notify-registry"),
		sinks:  make(map[uint64]Sink),
	}
}

// Ensure makes sure a connection for id exists. An existing connection for
// the same identity is reused; one for another identity is stopped and
// cleared first. A zero identity releases the connection.
func (r *Registry) Ensure(ctx context.Context, id Identity) (bool, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	current := r.sub
	currentID := r.identity
	r.mu.RUnlock()

	if current != nil && currentID == id {
		r.logger.Debug().Str("user_id", id.UserID).Msg("Reusing notification connection")
		if err := current.Connect(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to reconnect notification connection")
		}
		return true, nil
	}

	if current != nil {
		r.logger.Info().
			Str("previous_user_id", currentID.UserID).
			Str("user_id", id.UserID).
			Msg("Identity changed, replacing notification connection")
		r.releaseLocked(ctx)
	}

	if id.IsZero() {
		return false, nil
	}

	sub := subscriber.New(r.dial(), subscriber.Config{
		Name:        "notifications",
		Persistent:  true,
		AutoConnect: true,
	})

	r.mu.Lock()
	r.sub = sub
	r.identity = id
	r.mu.Unlock()

	err := sub.Attach(ctx, id.Groups(), subscriber.Handlers{
		proto.EventNotificationReceived: func(ev proto.Event) {
			r.deliver(sub, ev.(proto.NotificationReceived).Notification)
		},
	})
	if err != nil {
		return false, err
	}

	r.logger.Info().
		Str("user_id", id.UserID).
		Str("state", sub.State().String()).
		Int("groups", len(sub.JoinedGroups())).
		Msg("Notification connection created")
	return false, nil
}

// Release stops the connection and clears the registry entry
func (r *Registry) Release(ctx context.Context) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.releaseLocked(ctx)
}

func (r *Registry) releaseLocked(ctx context.Context) {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.identity = Identity{}
	r.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Disconnect(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to stop notification connection")
	}
}

// Bind registers a sink for pushed notifications and returns a func that
// removes it
func (r *Registry) Bind(sink Sink) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSink++
	id := r.nextSink
	r.sinks[id] = sink

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.sinks, id)
			r.mu.Unlock()
		})
	}
}

// State returns the state of the current connection
func (r *Registry) State() proto.ConnectionState {
	r.mu.RLock()
	sub := r.sub
	r.mu.RUnlock()

	if sub == nil {
		return proto.ConnectionState_DISCONNECTED
	}
	return sub.State()
}

// Identity returns the identity the connection belongs to
func (r *Registry) Identity() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// JoinedGroups returns the groups joined on the current connection
func (r *Registry) JoinedGroups() []subscriber.Group {
	r.mu.RLock()
	sub := r.sub
	r.mu.RUnlock()

	if sub == nil {
		return nil
	}
	return sub.JoinedGroups()
}

func (r *Registry) deliver(from *subscriber.Subscriber, n proto.Notification) {
	r.mu.RLock()
	if r.sub != from {
		r.mu.RUnlock()
		r.logger.Debug().Int64("notification_id", n.Id).Msg("Dropping notification from replaced connection")
		return
	}
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	for _, s := range sinks {
		s(n)
	}
}
