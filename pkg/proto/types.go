package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionState is the lifecycle state of a hub connection
type ConnectionState int32

const (
	ConnectionState_DISCONNECTED ConnectionState = 0
	ConnectionState_CONNECTING   ConnectionState = 1
	ConnectionState_CONNECTED    ConnectionState = 2
	ConnectionState_RECONNECTING ConnectionState = 3
)

// String returns the state name as reported by status endpoints
func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_DISCONNECTED:
		return "Disconnected"
	case ConnectionState_CONNECTING:
		return "Connecting"
	case ConnectionState_CONNECTED:
		return "Connected"
	case ConnectionState_RECONNECTING:
		return "Reconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// MarshalJSON encodes the state by name
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Notification is a unit of user-facing notification
type Notification struct {
	Id        int64      `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Type      string     `json:"type,omitempty"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	LinkUrl   string     `json:"linkUrl,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// UnreadCount is the body returned by the unread count endpoint
type UnreadCount struct {
	Count int `json:"count"`
}

// MarkAsReadRequest marks a single notification as read
type MarkAsReadRequest struct {
	NotificationId int64 `json:"notificationId"`
}

// PageComponent is one block placed on a page
type PageComponent struct {
	Type  string         `json:"type"`
	Props map[string]any `json:"props"`
}

// PageRoot carries page-level properties
type PageRoot struct {
	Props map[string]any `json:"props"`
}

// PageContent is the persisted document of a page under construction
type PageContent struct {
	Content []PageComponent            `json:"content"`
	Root    PageRoot                   `json:"root"`
	Zones   map[string][]PageComponent `json:"zones"`
}

// EmptyPageContent returns the document used when nothing valid is available
func EmptyPageContent() PageContent {
	return PageContent{
		Content: []PageComponent{},
		Root:    PageRoot{Props: map[string]any{}},
		Zones:   map[string][]PageComponent{},
	}
}

// Clone returns a deep copy. Props maps, including nested JSON objects and
// arrays, are not shared with p.
func (p PageContent) Clone() PageContent {
	out := PageContent{
		Content: cloneComponents(p.Content),
		Root:    PageRoot{Props: cloneProps(p.Root.Props)},
		Zones:   make(map[string][]PageComponent, len(p.Zones)),
	}
	for k, v := range p.Zones {
		out.Zones[k] = cloneComponents(v)
	}
	return out
}

// Clone returns a copy of c with its own Props
func (c PageComponent) Clone() PageComponent {
	return PageComponent{Type: c.Type, Props: cloneProps(c.Props)}
}

func cloneComponents(in []PageComponent) []PageComponent {
	out := make([]PageComponent, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

func cloneProps(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneProps(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func (p *PageContent) normalize() {
	if p.Content == nil {
		p.Content = []PageComponent{}
	}
	if p.Root.Props == nil {
		p.Root.Props = map[string]any{}
	}
	if p.Zones == nil {
		p.Zones = map[string][]PageComponent{}
	}
}

// ParsePageContent decodes page content that may arrive either as a JSON
// object or as a JSON string holding the serialized object. On failure the
// returned content is EmptyPageContent.
func ParsePageContent(raw []byte) (PageContent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return EmptyPageContent(), nil
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return EmptyPageContent(), fmt.Errorf("failed to decode page content string: %w", err)
		}
		return ParsePageContent([]byte(inner))
	}

	var content PageContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return EmptyPageContent(), fmt.Errorf("failed to decode page content: %w", err)
	}
	content.normalize()
	return content, nil
}

// BuildProgress is the status of an in-flight automated page build
type BuildProgress struct {
	IsBuilding  bool   `json:"isBuilding"`
	Message     string `json:"message"`
	CurrentStep int    `json:"currentStep"`
	TotalSteps  *int   `json:"totalSteps"`
}

// IdleBuildProgress is the value held whenever no build is running
func IdleBuildProgress() BuildProgress {
	return BuildProgress{}
}

// Error wraps an error message for consistent error handling
type Error struct {
	Message string
}

// NewError creates a new Error
func NewError(msg string) error {
	return &Error{Message: msg}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("livesync: %s", e.Message)
}
