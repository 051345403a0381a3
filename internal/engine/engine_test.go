package engine

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkkko/livesync/internal/config"
	"github.com/nkkko/livesync/internal/hubserver"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSimulator(t *testing.T) (*hubserver.Server, string) {
	t.Helper()

	srv, err := hubserver.New(hubserver.DefaultConfig(), hubserver.NewMemoryStore())
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

func testConfig(base string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Hub.BaseURL = base
	cfg.API.BaseURL = base
	cfg.API.Headers = map[string]string{"X-User-ID": "u1"}
	cfg.Page.PageID = "42"
	cfg.Notifications.UserID = "u1"
	cfg.Status.Addr = "127.0.0.1:0"
	return cfg
}

func TestEngineRunsBothComponents(t *testing.T) {
	srv, base := startSimulator(t)
	e := New(testConfig(base))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return e.Page().State() == proto.ConnectionState_CONNECTED &&
			e.Notifications().ConnectionState() == proto.ConnectionState_CONNECTED
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.GroupMembers(hubserver.PageHub, "page:42"))
	assert.Equal(t, 1, srv.GroupMembers(hubserver.NotificationHub, "user:u1"))

	_, err := srv.SendToGroup(hubserver.PageHub, "page:42", string(proto.EventBuildingStarted), "Generating")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.Page().BuildProgress().IsBuilding
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	e.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data struct {
			Page struct {
				PageID string `json:"pageId"`
				Build  struct {
					IsBuilding bool `json:"isBuilding"`
				} `json:"build"`
			} `json:"page"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "42", body.Data.Page.PageID)
	assert.True(t, body.Data.Page.Build.IsBuilding)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, proto.ConnectionState_DISCONNECTED, e.Page().State())
	require.Eventually(t, func() bool {
		return srv.GroupMembers(hubserver.PageHub, "page:42") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineWithComponentsDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Page.Enabled = false
	cfg.Notifications.Enabled = false

	e := New(cfg)
	assert.Nil(t, e.Page())
	assert.Nil(t, e.Notifications())

	rec := httptest.NewRecorder()
	e.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/page", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
