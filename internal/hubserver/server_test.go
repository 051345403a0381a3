package hubserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/livesync/internal/hub"
	"github.com/nkkko/livesync/internal/hubserver"
	"github.com/nkkko/livesync/internal/notify"
	"github.com/nkkko/livesync/internal/pagesync"
	"github.com/nkkko/livesync/internal/subscriber"
	"github.com/nkkko/livesync/pkg/client"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*hubserver.Server, string) {
	t.Helper()

	config := hubserver.DefaultConfig()
	config.KeepAliveInterval = 200 * time.Millisecond
	srv, err := hubserver.New(config, hubserver.NewMemoryStore())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv, "http://" + ln.Addr().String()
}

func fastRetry() hub.RetryPolicy {
	return &hub.IntervalPolicy{Intervals: []time.Duration{20 * time.Millisecond}, RepeatLast: true}
}

func dialer(url string) func() subscriber.Connection {
	return func() subscriber.Connection {
		return hub.New(url, hub.WithRetryPolicy(fastRetry()))
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestNegotiate(t *testing.T) {
	_, base := startServer(t)

	resp, err := http.Post(base+"/pagebuilder/negotiate?negotiateVersion=1", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var negotiated hub.NegotiateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&negotiated))
	assert.Equal(t, 1, negotiated.NegotiateVersion)
	assert.NotEmpty(t, negotiated.ConnectionID)
	assert.NotEmpty(t, negotiated.ConnectionToken)
	require.Len(t, negotiated.AvailableTransports, 1)
	assert.Equal(t, "WebSockets", negotiated.AvailableTransports[0].Transport)

	resp, err = http.Post(base+"/nothere/negotiate", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownTokenRejected(t *testing.T) {
	_, base := startServer(t)

	wsURL := strings.Replace(base, "http://", "ws://", 1) + "/pagebuilder?id=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnsupportedProtocolRejected(t *testing.T) {
	_, base := startServer(t)

	wsURL := strings.Replace(base, "http://", "ws://", 1) + "/pagebuilder"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{\"protocol\":\"messagepack\",\"version\":1}\x1e")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var resp hub.HandshakeResponse
	_, err = hub.ParseHandshake(data, &resp)
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "messagepack")
}

func TestInvokeHubMethods(t *testing.T) {
	srv, base := startServer(t)

	conn := hub.New(base + "/pagebuilder")
	require.NoError(t, conn.Start(context.Background()))

	_, err := conn.Invoke(context.Background(), pagesync.JoinPageMethod, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.GroupMembers(hubserver.PageHub, "page:42"))

	// Numeric ids address the same group
	_, err = conn.Invoke(context.Background(), pagesync.LeavePageMethod, 42)
	require.NoError(t, err)
	assert.Zero(t, srv.GroupMembers(hubserver.PageHub, "page:42"))

	_, err = conn.Invoke(context.Background(), "JoinUserNotifications", "1")
	var invErr *hub.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Contains(t, invErr.Message, "Unknown hub method")

	_, err = conn.Invoke(context.Background(), pagesync.JoinPageMethod)
	require.ErrorAs(t, err, &invErr)

	require.NoError(t, conn.Stop(context.Background()))
}

func TestPageSyncEndToEnd(t *testing.T) {
	srv, base := startServer(t)

	var (
		mu      sync.Mutex
		added   []int
		removed []int
	)
	ps := pagesync.New(dialer(base+"/pagebuilder"), pagesync.DefaultConfig(), pagesync.Callbacks{
		OnComponentAdded: func(c proto.PageComponent, index int) {
			mu.Lock()
			defer mu.Unlock()
			added = append(added, index)
		},
		OnComponentRemoved: func(index int) {
			mu.Lock()
			defer mu.Unlock()
			removed = append(removed, index)
		},
	})

	initial := proto.EmptyPageContent()
	initial.Content = []proto.PageComponent{{Type: "Hero", Props: map[string]any{}}}
	require.NoError(t, ps.Attach(context.Background(), "42", initial))
	defer ps.Detach(context.Background())

	assert.Equal(t, proto.ConnectionState_CONNECTED, ps.State())
	require.Equal(t, 1, srv.GroupMembers(hubserver.PageHub, "page:42"))

	_, err := srv.SendToGroup(hubserver.PageHub, "page:42", string(proto.EventComponentAdded),
		proto.PageComponent{Type: "Text", Props: map[string]any{"text": "hi"}}, 1)
	require.NoError(t, err)
	_, err = srv.SendToGroup(hubserver.PageHub, "page:42", string(proto.EventBuildingProgress), "Layout", 2, 5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ps.BuildProgress().CurrentStep == 2
	}, 2*time.Second, 10*time.Millisecond)

	content := ps.Content()
	require.Len(t, content.Content, 2)
	assert.Equal(t, "Text", content.Content[1].Type)
	progress := ps.BuildProgress()
	assert.True(t, progress.IsBuilding)
	require.NotNil(t, progress.TotalSteps)
	assert.Equal(t, 5, *progress.TotalSteps)

	_, err = srv.SendToGroup(hubserver.PageHub, "page:42", string(proto.EventComponentRemoved), 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(ps.Content().Content) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Text", ps.Content().Content[0].Type)

	mu.Lock()
	assert.Equal(t, []int{1}, added)
	assert.Equal(t, []int{0}, removed)
	mu.Unlock()

	// Events for another page are not delivered
	_, err = srv.SendToGroup(hubserver.PageHub, "page:7", string(proto.EventComponentRemoved), 0)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ps.Content().Content, 1)
}

func TestNotificationCenterEndToEnd(t *testing.T) {
	srv, base := startServer(t)
	ctx := context.Background()

	api := client.New(base, client.WithHeaders(map[string]string{"X-User-ID": "7"}))
	registry := notify.NewRegistry(dialer(base + "/notifications"))
	center := notify.NewCenter(api, registry, nil, notify.DefaultConfig())

	require.NoError(t, center.Mount(ctx, notify.Identity{UserID: "7", CompanyID: "c1"}))
	defer center.Unmount()
	defer registry.Release(ctx)

	assert.Len(t, registry.JoinedGroups(), 2)
	assert.Equal(t, 1, srv.GroupMembers(hubserver.NotificationHub, "user:7"))
	assert.Equal(t, 1, srv.GroupMembers(hubserver.NotificationHub, "company:c1"))
	assert.Empty(t, center.Notifications())

	resp := postJSON(t, base+"/dev/notifications", hubserver.DevNotificationRequest{
		UserID:  "7",
		Title:   "Build finished",
		Message: "Your page is ready",
		Type:    "success",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(center.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, center.UnreadCount())
	n := center.Notifications()[0]
	assert.Equal(t, "Build finished", n.Title)

	require.NoError(t, center.MarkAsRead(ctx, n.Id))
	assert.Zero(t, center.UnreadCount())

	count, err := api.GetUnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, center.Refresh(ctx))
	require.Len(t, center.Notifications(), 1)
	assert.True(t, center.Notifications()[0].IsRead)

	require.NoError(t, center.Delete(ctx, n.Id))
	assert.Empty(t, center.Notifications())
}

func TestReconnectRejoinsGroups(t *testing.T) {
	srv, base := startServer(t)
	ctx := context.Background()

	registry := notify.NewRegistry(dialer(base + "/notifications"))
	_, err := registry.Ensure(ctx, notify.Identity{UserID: "7"})
	require.NoError(t, err)
	defer registry.Release(ctx)

	received := make(chan proto.Notification, 4)
	unbind := registry.Bind(func(n proto.Notification) { received <- n })
	defer unbind()

	require.Equal(t, 1, srv.GroupMembers(hubserver.NotificationHub, "user:7"))
	require.Equal(t, 1, srv.DisconnectAll())

	// Keep pushing until the rejoined subscription delivers
	var got proto.Notification
	require.Eventually(t, func() bool {
		_, err := srv.SendToGroup(hubserver.NotificationHub, "user:7", string(proto.EventNotificationReceived),
			proto.Notification{Id: 1, Title: "after reconnect"})
		require.NoError(t, err)
		select {
		case got = <-received:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "after reconnect", got.Title)
	assert.Equal(t, proto.ConnectionState_CONNECTED, registry.State())
	assert.Len(t, registry.JoinedGroups(), 1)
}

func TestNotificationEndpoints(t *testing.T) {
	_, base := startServer(t)
	ctx := context.Background()

	resp, err := http.Get(base + "/Notification/GetUnreadCount")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for _, title := range []string{"a", "b", "c"} {
		resp := postJSON(t, base+"/dev/notifications", hubserver.DevNotificationRequest{UserID: "9", Title: title})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	token := func() (string, error) { return "9", nil }
	api := client.New(base, client.WithAccessToken(token))

	list, err := api.GetNotifications(ctx, false, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].Title)

	require.NoError(t, api.MarkAllAsRead(ctx))
	unread, err := api.GetNotifications(ctx, true, 50)
	require.NoError(t, err)
	assert.Empty(t, unread)

	err = api.DeleteNotification(ctx, 9999)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	require.NoError(t, api.ClearAllNotifications(ctx))
	list, err = api.GetNotifications(ctx, false, 50)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBroadcastAndSessions(t *testing.T) {
	_, base := startServer(t)
	ctx := context.Background()

	conn := hub.New(base + "/pagebuilder")
	events := make(chan string, 1)
	conn.SetListener(listenerFunc(func(target string, args []json.RawMessage) { events <- target }))
	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx)
	_, err := conn.Invoke(ctx, pagesync.JoinPageMethod, "5")
	require.NoError(t, err)

	resp := postJSON(t, base+"/dev/broadcast", hubserver.DevBroadcastRequest{
		Hub:       hubserver.PageHub,
		Group:     "page:5",
		Target:    string(proto.EventBuildingCompleted),
		Arguments: []json.RawMessage{},
	})
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, 1, body["delivered"])

	select {
	case target := <-events:
		assert.Equal(t, string(proto.EventBuildingCompleted), target)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast was not delivered")
	}

	resp, err = http.Get(base + "/dev/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sessions []struct {
		ConnectionID string   `json:"connectionId"`
		Hub          string   `json:"hub"`
		Groups       []string `json:"groups"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, conn.ConnectionID(), sessions[0].ConnectionID)
	assert.Equal(t, []string{"page:5"}, sessions[0].Groups)
}

type listenerFunc func(target string, args []json.RawMessage)

func (f listenerFunc) OnInvocation(target string, args []json.RawMessage) { f(target, args) }
func (f listenerFunc) OnReconnecting(error)                               {}
func (f listenerFunc) OnReconnected(string)                               {}
func (f listenerFunc) OnClosed(error)                                     {}
