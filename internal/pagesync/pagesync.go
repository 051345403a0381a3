// Package pagesync keeps a local copy of a page under construction in step
// with edits and build progress pushed by the page builder hub.
package pagesync

import (
	"context"
	"sync"

	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/metrics"
	"github.com/nkkko/livesync/internal/subscriber"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/rs/zerolog"
)

// Hub method names for page group membership
const (
	JoinPageMethod  = "JoinPage"
	LeavePageMethod = "LeavePage"
)

// Config contains page sync configuration
type Config struct {
	// Name labels logs and metrics
	Name string

	// AutoConnect connects as soon as a page is attached
	AutoConnect bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Name:        "pagebuilder",
		AutoConnect: true,
	}
}

// Callbacks are invoked after the local state has been updated. All are
// optional and run on the connection's read goroutine.
type Callbacks struct {
	OnComponentAdded   func(component proto.PageComponent, index int)
	OnComponentUpdated func(index int, component proto.PageComponent)
	OnComponentRemoved func(index int)
	OnContentReplaced  func(content proto.PageContent)
	OnBuildProgress    func(progress proto.BuildProgress)
}

// Sync follows one page at a time. A fresh connection is dialled for every
// page attached.
type Sync struct {
	dial      func() subscriber.Connection
	config    Config
	callbacks Callbacks
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	sub      *subscriber.Subscriber
	pageID   string
	content  proto.PageContent
	progress proto.BuildProgress
}

// New creates a page sync that obtains connections from dial
func New(dial func() subscriber.Connection, config Config, callbacks Callbacks) *Sync {
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}

	return &Sync{
		dial:      dial,
		config:    config,
		callbacks: callbacks,
		logger:    logging.Component("pagesync"),
		metrics:   metrics.GetMetrics(),
		content:   proto.EmptyPageContent(),
		progress:  proto.IdleBuildProgress(),
	}
}

// Attach starts following pageID from the initial content. Attaching the
// page already followed does nothing; attaching another page detaches the
// current one first.
func (s *Sync) Attach(ctx context.Context, pageID string, initial proto.PageContent) error {
	s.mu.Lock()
	if s.sub != nil && s.pageID == pageID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.Detach(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to detach previous page")
	}

	sub := subscriber.New(s.dial(), subscriber.Config{
		Name:        s.config.Name,
		AutoConnect: s.config.AutoConnect,
	})

	s.mu.Lock()
	s.sub = sub
	s.pageID = pageID
	s.content = initial.Clone()
	s.progress = proto.IdleBuildProgress()
	s.mu.Unlock()
	s.metrics.BuildInProgress.Set(0)

	s.logger.Info().Str("page_id", pageID).Msg("Attaching page")

	group := subscriber.Group{
		Kind:        "page",
		ID:          pageID,
		JoinMethod:  JoinPageMethod,
		LeaveMethod: LeavePageMethod,
	}
	return sub.Attach(ctx, []subscriber.Group{group}, subscriber.Handlers{
		proto.EventComponentAdded:    s.handleEvent,
		proto.EventComponentUpdated:  s.handleEvent,
		proto.EventComponentRemoved:  s.handleEvent,
		proto.EventContentReplaced:   s.handleEvent,
		proto.EventBuildingStarted:   s.handleEvent,
		proto.EventBuildingCompleted: s.handleEvent,
		proto.EventBuildingProgress:  s.handleEvent,
	})
}

// Detach leaves the page group and stops the connection. It is safe to
// call repeatedly.
func (s *Sync) Detach(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	pageID := s.pageID
	s.sub = nil
	s.pageID = ""
	s.mu.Unlock()

	if sub == nil {
		return nil
	}

	s.logger.Info().Str("page_id", pageID).Msg("Detaching page")
	return sub.Detach(ctx)
}

// Connect manually connects the current page's connection
func (s *Sync) Connect(ctx context.Context) error {
	sub := s.subscriber()
	if sub == nil {
		return proto.NewError("no page attached")
	}
	return sub.Connect(ctx)
}

// Disconnect manually disconnects while keeping the page attached
func (s *Sync) Disconnect(ctx context.Context) error {
	sub := s.subscriber()
	if sub == nil {
		return nil
	}
	return sub.Disconnect(ctx)
}

// State returns the connection state of the attached page
func (s *Sync) State() proto.ConnectionState {
	sub := s.subscriber()
	if sub == nil {
		return proto.ConnectionState_DISCONNECTED
	}
	return sub.State()
}

// PageID returns the attached page, or "" when none is
func (s *Sync) PageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageID
}

// Content returns a copy of the current page document
func (s *Sync) Content() proto.PageContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.Clone()
}

// BuildProgress returns the current build status
func (s *Sync) BuildProgress() proto.BuildProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyProgress(s.progress)
}

func (s *Sync) subscriber() *subscriber.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *Sync) handleEvent(ev proto.Event) {
	switch ev := ev.(type) {
	case proto.ComponentAdded:
		s.mu.Lock()
		index := ev.Index
		if index < 0 || index > len(s.content.Content) {
			index = len(s.content.Content)
		}
		s.content.Content = append(s.content.Content, proto.PageComponent{})
		copy(s.content.Content[index+1:], s.content.Content[index:])
		s.content.Content[index] = ev.Component
		s.mu.Unlock()

		if s.callbacks.OnComponentAdded != nil {
			s.callbacks.OnComponentAdded(ev.Component.Clone(), index)
		}

	case proto.ComponentUpdated:
		s.mu.Lock()
		ok := ev.Index >= 0 && ev.Index < len(s.content.Content)
		if ok {
			s.content.Content[ev.Index] = ev.Component
		}
		s.mu.Unlock()

		if !ok {
			s.logger.Debug().Int("index", ev.Index).Msg("Ignoring update of out-of-range component")
			return
		}
		if s.callbacks.OnComponentUpdated != nil {
			s.callbacks.OnComponentUpdated(ev.Index, ev.Component.Clone())
		}

	case proto.ComponentRemoved:
		s.mu.Lock()
		ok := ev.Index >= 0 && ev.Index < len(s.content.Content)
		if ok {
			s.content.Content = append(s.content.Content[:ev.Index], s.content.Content[ev.Index+1:]...)
		}
		s.mu.Unlock()

		if !ok {
			s.logger.Debug().Int("index", ev.Index).Msg("Ignoring removal of out-of-range component")
			return
		}
		if s.callbacks.OnComponentRemoved != nil {
			s.callbacks.OnComponentRemoved(ev.Index)
		}

	case proto.ContentReplaced:
		if ev.Malformed {
			s.logger.Warn().Msg("Received malformed page content, using empty content")
		}
		s.mu.Lock()
		s.content = ev.Content.Clone()
		s.mu.Unlock()

		if s.callbacks.OnContentReplaced != nil {
			s.callbacks.OnContentReplaced(ev.Content.Clone())
		}

	case proto.BuildingStarted:
		s.setProgress(proto.BuildProgress{IsBuilding: true, Message: ev.Message})

	case proto.BuildingProgress:
		s.setProgress(proto.BuildProgress{
			IsBuilding:  true,
			Message:     ev.Message,
			CurrentStep: ev.CurrentStep,
			TotalSteps:  ev.TotalSteps,
		})

	case proto.BuildingCompleted:
		s.setProgress(proto.IdleBuildProgress())
	}
}

func (s *Sync) setProgress(p proto.BuildProgress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()

	if p.IsBuilding {
		s.metrics.BuildInProgress.Set(1)
	} else {
		s.metrics.BuildInProgress.Set(0)
	}

	if s.callbacks.OnBuildProgress != nil {
		s.callbacks.OnBuildProgress(copyProgress(p))
	}
}

func copyProgress(p proto.BuildProgress) proto.BuildProgress {
	if p.TotalSteps != nil {
		total := *p.TotalSteps
		p.TotalSteps = &total
	}
	return p
}
