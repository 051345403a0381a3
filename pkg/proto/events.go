package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventName is the hub method name the server invokes on clients
type EventName string

const (
	EventComponentAdded       EventName = "ComponentAdded"
	EventComponentUpdated     EventName = "ComponentUpdated"
	EventComponentRemoved     EventName = "ComponentRemoved"
	EventContentReplaced      EventName = "ContentReplaced"
	EventBuildingStarted      EventName = "BuildingStarted"
	EventBuildingCompleted    EventName = "BuildingCompleted"
	EventBuildingProgress     EventName = "BuildingProgress"
	EventNotificationReceived EventName = "ReceiveNotification"
)

// ErrUnknownEvent is returned when decoding a name outside the vocabulary
var ErrUnknownEvent = errors.New("unknown event")

// Event is one inbound hub event. The set of implementations is closed.
type Event interface {
	Name() EventName
}

// ComponentAdded inserts Component at Index
type ComponentAdded struct {
	Component PageComponent
	Index     int
}

// ComponentUpdated replaces the component at Index
type ComponentUpdated struct {
	Index     int
	Component PageComponent
}

// ComponentRemoved removes the component at Index
type ComponentRemoved struct {
	Index int
}

// ContentReplaced swaps the whole page document. Malformed is set when the
// payload could not be parsed and Content holds the empty default.
type ContentReplaced struct {
	Content   PageContent
	Malformed bool
}

// BuildingStarted marks the beginning of an automated build
type BuildingStarted struct {
	Message string
}

// BuildingCompleted marks the end of an automated build
type BuildingCompleted struct{}

// BuildingProgress reports the latest build step
type BuildingProgress struct {
	Message     string
	CurrentStep int
	TotalSteps  *int
}

// NotificationReceived carries a freshly pushed notification
type NotificationReceived struct {
	Notification Notification
}

func (ComponentAdded) Name() EventName       { return EventComponentAdded }
func (ComponentUpdated) Name() EventName     { return EventComponentUpdated }
func (ComponentRemoved) Name() EventName     { return EventComponentRemoved }
func (ContentReplaced) Name() EventName      { return EventContentReplaced }
func (BuildingStarted) Name() EventName      { return EventBuildingStarted }
func (BuildingCompleted) Name() EventName    { return EventBuildingCompleted }
func (BuildingProgress) Name() EventName     { return EventBuildingProgress }
func (NotificationReceived) Name() EventName { return EventNotificationReceived }

type decodeFunc func(args []json.RawMessage) (Event, error)

var decoders = map[EventName]decodeFunc{
	EventComponentAdded: func(args []json.RawMessage) (Event, error) {
		var ev ComponentAdded
		if err := argAt(args, 0, &ev.Component); err != nil {
			return nil, err
		}
		if err := argAt(args, 1, &ev.Index); err != nil {
			return nil, err
		}
		return ev, nil
	},
	EventComponentUpdated: func(args []json.RawMessage) (Event, error) {
		var ev ComponentUpdated
		if err := argAt(args, 0, &ev.Index); err != nil {
			return nil, err
		}
		if err := argAt(args, 1, &ev.Component); err != nil {
			return nil, err
		}
		return ev, nil
	},
	EventComponentRemoved: func(args []json.RawMessage) (Event, error) {
		var ev ComponentRemoved
		if err := argAt(args, 0, &ev.Index); err != nil {
			return nil, err
		}
		return ev, nil
	},
	EventContentReplaced: func(args []json.RawMessage) (Event, error) {
		var raw json.RawMessage
		if len(args) > 0 {
			raw = args[0]
		}
		content, err := ParsePageContent(raw)
		return ContentReplaced{Content: content, Malformed: err != nil}, nil
	},
	EventBuildingStarted: func(args []json.RawMessage) (Event, error) {
		var ev BuildingStarted
		if len(args) > 0 {
			if err := argAt(args, 0, &ev.Message); err != nil {
				return nil, err
			}
		}
		return ev, nil
	},
	EventBuildingCompleted: func(args []json.RawMessage) (Event, error) {
		return BuildingCompleted{}, nil
	},
	EventBuildingProgress: func(args []json.RawMessage) (Event, error) {
		var ev BuildingProgress
		if err := argAt(args, 0, &ev.Message); err != nil {
			return nil, err
		}
		if err := argAt(args, 1, &ev.CurrentStep); err != nil {
			return nil, err
		}
		if len(args) > 2 {
			if err := argAt(args, 2, &ev.TotalSteps); err != nil {
				return nil, err
			}
		}
		return ev, nil
	},
	EventNotificationReceived: func(args []json.RawMessage) (Event, error) {
		var ev NotificationReceived
		if err := argAt(args, 0, &ev.Notification); err != nil {
			return nil, err
		}
		return ev, nil
	},
}

// IsKnownEvent reports whether name belongs to the inbound vocabulary
func IsKnownEvent(name EventName) bool {
	_, ok := decoders[name]
	return ok
}

// DecodeEvent turns positional hub arguments into a typed event
func DecodeEvent(name EventName, args []json.RawMessage) (Event, error) {
	decode, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	ev, err := decode(args)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return ev, nil
}

func argAt(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}
