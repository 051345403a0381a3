package hubserver

import (
	"sync"

	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/metrics"
	"github.com/rs/zerolog"
)

// groupRouter tracks which sessions belong to which groups. Group names
// are scoped per hub.
type groupRouter struct {
	sessions map[string]*session
	groups   map[string]map[string]struct{} // hub/group -> set of session IDs
	mu       sync.RWMutex
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func newGroupRouter() *groupRouter {
	return &groupRouter{
		sessions: make(map[string]*session),
		groups:   make(map[string]map[string]struct{}),
		logger:   logging.Component("groups"),
		metrics:  metrics.GetMetrics(),
	}
}

func groupKey(hub, group string) string {
	return hub + "/" + group
}

// register adds a connected session
func (r *groupRouter) register(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
	r.metrics.SimConnectionsActive.WithLabelValues(s.hub).Inc()
}

// unregister removes a session and all of its memberships
func (r *groupRouter) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	for key, members := range r.groups {
		if _, ok := members[id]; ok {
			delete(members, id)
			// Clean up empty group entry
			if len(members) == 0 {
				delete(r.groups, key)
			}
		}
	}
	delete(r.sessions, id)

	r.metrics.SimConnectionsActive.WithLabelValues(s.hub).Dec()
	r.metrics.SimGroupsActive.Set(float64(len(r.groups)))
}

// join adds session id to group on its hub
func (r *groupRouter) join(id, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	key := groupKey(s.hub, group)
	if _, ok := r.groups[key]; !ok {
		r.groups[key] = make(map[string]struct{})
	}
	r.groups[key][id] = struct{}{}
	r.metrics.SimGroupsActive.Set(float64(len(r.groups)))

	r.logger.Debug().Str("connection_id", id).Str("group", key).Msg("Joined group")
}

// leave removes session id from group
func (r *groupRouter) leave(id, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	key := groupKey(s.hub, group)
	if members, ok := r.groups[key]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.groups, key)
		}
	}
	r.metrics.SimGroupsActive.Set(float64(len(r.groups)))

	r.logger.Debug().Str("connection_id", id).Str("group", key).Msg("Left group")
}

// members returns the sessions in group on hub
func (r *groupRouter) members(hub, group string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.groups[groupKey(hub, group)]
	out := make([]*session, 0, len(ids))
	for id := range ids {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// groupsOf lists the groups session id belongs to
func (r *groupRouter) groupsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	prefix := s.hub + "/"
	var out []string
	for key, members := range r.groups {
		if _, ok := members[id]; ok {
			out = append(out, key[len(prefix):])
		}
	}
	return out
}

// all returns every connected session
func (r *groupRouter) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
