package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nkkko/livesync/internal/hub"
	"github.com/nkkko/livesync/pkg/client"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePage struct {
	mu       sync.Mutex
	pageID   string
	content  proto.PageContent
	state    proto.ConnectionState
	progress proto.BuildProgress
	calls    []string
}

func (p *fakePage) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePage) Attach(ctx context.Context, pageID string, initial proto.PageContent) error {
	p.record("attach:" + pageID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageID = pageID
	p.content = initial
	p.state = proto.ConnectionState_CONNECTED
	return nil
}

func (p *fakePage) Detach(ctx context.Context) error {
	p.record("detach")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageID = ""
	p.state = proto.ConnectionState_DISCONNECTED
	return nil
}

func (p *fakePage) Connect(ctx context.Context) error {
	p.record("connect")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = proto.ConnectionState_CONNECTED
	return nil
}

func (p *fakePage) Disconnect(ctx context.Context) error {
	p.record("disconnect")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = proto.ConnectionState_DISCONNECTED
	return nil
}

func (p *fakePage) State() proto.ConnectionState       { return p.state }
func (p *fakePage) PageID() string                     { return p.pageID }
func (p *fakePage) Content() proto.PageContent         { return p.content }
func (p *fakePage) BuildProgress() proto.BuildProgress { return p.progress }

type fakeCenter struct {
	mu      sync.Mutex
	items   []proto.Notification
	unread  int
	state   proto.ConnectionState
	fail    error
	actions []string
}

func (c *fakeCenter) Notifications() []proto.Notification    { return c.items }
func (c *fakeCenter) UnreadCount() int                       { return c.unread }
func (c *fakeCenter) ConnectionState() proto.ConnectionState { return c.state }

func (c *fakeCenter) record(action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return c.fail
}

func (c *fakeCenter) Refresh(ctx context.Context) error              { return c.record("refresh") }
func (c *fakeCenter) MarkAsRead(ctx context.Context, id int64) error { return c.record("read") }
func (c *fakeCenter) MarkAllAsRead(ctx context.Context) error        { return c.record("read-all") }
func (c *fakeCenter) Delete(ctx context.Context, id int64) error     { return c.record("delete") }
func (c *fakeCenter) ClearAll(ctx context.Context) error             { return c.record("clear") }

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
}

func do(t *testing.T, a *API, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func sampleCenter() *fakeCenter {
	return &fakeCenter{
		items: []proto.Notification{
			{Id: 2, Title: "second"},
			{Id: 1, Title: "first", IsRead: true},
		},
		unread: 1,
		state:  proto.ConnectionState_CONNECTED,
	}
}

func TestHealthz(t *testing.T) {
	a := New(DefaultConfig(), nil, nil)
	rec, _ := do(t, a, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestStatus(t *testing.T) {
	page := &fakePage{
		pageID:  "42",
		content: proto.PageContent{Content: []proto.PageComponent{{Type: "Hero"}, {Type: "Text"}}},
		state:   proto.ConnectionState_CONNECTED,
	}
	a := New(DefaultConfig(), page, sampleCenter())

	rec, env := do(t, a, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	require.NotNil(t, status.Page)
	assert.Equal(t, "42", status.Page.PageID)
	assert.Equal(t, 2, status.Page.ComponentCount)
	assert.Equal(t, proto.ConnectionState_CONNECTED.String(), status.Page.State)
	require.NotNil(t, status.Notifications)
	assert.Equal(t, 1, status.Notifications.UnreadCount)
	assert.Equal(t, 2, status.Notifications.Loaded)
}

func TestStatusWithComponentsDisabled(t *testing.T) {
	a := New(DefaultConfig(), nil, nil)

	rec, env := do(t, a, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Nil(t, status.Page)
	assert.Nil(t, status.Notifications)

	rec, env = do(t, a, http.MethodGet, "/notifications", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrorTypeUnavailable, env.Error.Type)

	rec, _ = do(t, a, http.MethodPost, "/page/connect", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotificationActions(t *testing.T) {
	center := sampleCenter()
	a := New(DefaultConfig(), nil, center)

	rec, env := do(t, a, http.MethodGet, "/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list NotificationsResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list.Notifications, 2)
	assert.Equal(t, 1, list.UnreadCount)

	for _, tc := range []struct {
		method string
		path   string
		action string
	}{
		{http.MethodPost, "/notifications/2/read", "read"},
		{http.MethodPost, "/notifications/read-all", "read-all"},
		{http.MethodDelete, "/notifications/1", "delete"},
		{http.MethodDelete, "/notifications", "clear"},
		{http.MethodPost, "/notifications/refresh", "refresh"},
	} {
		rec, _ := do(t, a, tc.method, tc.path, "")
		assert.Equal(t, http.StatusOK, rec.Code, tc.path)
	}
	assert.Equal(t, []string{"read", "read-all", "delete", "clear", "refresh"}, center.actions)
}

func TestNotificationInvalidID(t *testing.T) {
	center := sampleCenter()
	a := New(DefaultConfig(), nil, center)

	rec, env := do(t, a, http.MethodPost, "/notifications/abc/read", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_id", env.Error.Code)

	rec, _ = do(t, a, http.MethodDelete, "/notifications/0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, center.actions)
}

func TestNotificationActionErrors(t *testing.T) {
	center := sampleCenter()
	a := New(DefaultConfig(), nil, center)

	center.fail = &client.APIError{StatusCode: http.StatusInternalServerError, Message: "db down"}
	rec, env := do(t, a, http.MethodPost, "/notifications/read-all", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrorTypeUpstream, env.Error.Type)
	assert.Equal(t, "db down", env.Error.Message)
	assert.NotEmpty(t, env.Error.RequestID)

	center.fail = &client.APIError{StatusCode: http.StatusNotFound, Message: "gone"}
	rec, _ = do(t, a, http.MethodDelete, "/notifications/7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	center.fail = hub.ErrNotConnected
	rec, _ = do(t, a, http.MethodPost, "/notifications/refresh", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPageLifecycle(t *testing.T) {
	page := &fakePage{state: proto.ConnectionState_DISCONNECTED}
	a := New(DefaultConfig(), page, nil)

	rec, env := do(t, a, http.MethodPost, "/page/connect", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "no_page", env.Error.Code)

	rec, _ = do(t, a, http.MethodPost, "/page/attach", `{"content":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Content may arrive as a serialized string
	body := `{"pageId":"42","content":"{\"content\":[{\"type\":\"Hero\",\"props\":{}}],\"root\":{\"props\":{}},\"zones\":{}}"}`
	rec, env = do(t, a, http.MethodPost, "/page/attach", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PageResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "42", resp.PageID)
	require.Len(t, resp.Content.Content, 1)
	assert.Equal(t, "Hero", resp.Content.Content[0].Type)

	rec, _ = do(t, a, http.MethodPost, "/page/disconnect", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, a, http.MethodPost, "/page/connect", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, a, http.MethodPost, "/page/detach", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"attach:42", "disconnect", "connect", "detach"}, page.calls)
}

func TestPageAttachRejectsMalformedContent(t *testing.T) {
	page := &fakePage{}
	a := New(DefaultConfig(), page, nil)

	rec, env := do(t, a, http.MethodPost, "/page/attach", `{"pageId":"1","content":"not json"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_content", env.Error.Code)
	assert.Empty(t, page.calls)
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))
	assert.Equal(t, http.StatusInternalServerError, FromError(assert.AnError).HTTPCode)
	assert.Equal(t, http.StatusBadGateway, FromError(&hub.InvocationError{Method: "JoinPage", Message: "nope"}).HTTPCode)
	assert.Equal(t, http.StatusGatewayTimeout, FromError(context.DeadlineExceeded).HTTPCode)

	original := NotFoundError("missing", "missing")
	assert.Same(t, original, FromError(original))
}
