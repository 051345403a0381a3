package pagesync

import (
	"context"
	"fmt"
	"testing"

	"github.com/nkkko/livesync/internal/hub/hubtest"
	"github.com/nkkko/livesync/internal/subscriber"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dialer struct {
	conns []*hubtest.FakeConn
}

func (d *dialer) dial() subscriber.Connection {
	c := hubtest.NewFakeConn()
	d.conns = append(d.conns, c)
	return c
}

func (d *dialer) last() *hubtest.FakeConn {
	return d.conns[len(d.conns)-1]
}

func pageOf(n int) proto.PageContent {
	content := proto.EmptyPageContent()
	for i := 0; i < n; i++ {
		content.Content = append(content.Content, proto.PageComponent{
			Type:  fmt.Sprintf("Block%d", i),
			Props: map[string]any{"id": float64(i)},
		})
	}
	return content
}

func types(content proto.PageContent) []string {
	out := make([]string, 0, len(content.Content))
	for _, c := range content.Content {
		out = append(out, c.Type)
	}
	return out
}

func newTestSync(t *testing.T, callbacks Callbacks) (*Sync, *dialer) {
	t.Helper()
	d := &dialer{}
	return New(d.dial, DefaultConfig(), callbacks), d
}

func TestAttachJoinsPageGroup(t *testing.T) {
	s, d := newTestSync(t, Callbacks{})

	require.NoError(t, s.Attach(context.Background(), "12", pageOf(2)))

	assert.Equal(t, proto.ConnectionState_CONNECTED, s.State())
	assert.Equal(t, "12", s.PageID())
	joins := d.last().CallsTo(JoinPageMethod)
	require.Len(t, joins, 1)
	assert.Equal(t, []any{"12"}, joins[0].Args)
	assert.Equal(t, []string{"Block0", "Block1"}, types(s.Content()))
}

func TestComponentRemovedShrinksContent(t *testing.T) {
	var removed []int
	s, d := newTestSync(t, Callbacks{OnComponentRemoved: func(i int) { removed = append(removed, i) }})
	require.NoError(t, s.Attach(context.Background(), "1", pageOf(5)))

	d.last().Emit("ComponentRemoved", 2)

	assert.Equal(t, []string{"Block0", "Block1", "Block3", "Block4"}, types(s.Content()))
	assert.Equal(t, []int{2}, removed)
}

func TestOutOfRangeIndices(t *testing.T) {
	var updates, removals int
	s, d := newTestSync(t, Callbacks{
		OnComponentUpdated: func(int, proto.PageComponent) { updates++ },
		OnComponentRemoved: func(int) { removals++ },
	})
	require.NoError(t, s.Attach(context.Background(), "1", pageOf(3)))
	conn := d.last()

	conn.Emit("ComponentRemoved", 3)
	conn.Emit("ComponentRemoved", -1)
	conn.Emit("ComponentUpdated", 7, map[string]any{"type": "X"})

	assert.Equal(t, []string{"Block0", "Block1", "Block2"}, types(s.Content()))
	assert.Zero(t, updates)
	assert.Zero(t, removals)

	// Additions beyond the end are appended
	conn.Emit("ComponentAdded", map[string]any{"type": "Tail"}, 10)
	assert.Equal(t, []string{"Block0", "Block1", "Block2", "Tail"}, types(s.Content()))
}

func TestComponentAddedAndUpdated(t *testing.T) {
	var addedAt []int
	s, d := newTestSync(t, Callbacks{
		OnComponentAdded: func(_ proto.PageComponent, i int) { addedAt = append(addedAt, i) },
	})
	require.NoError(t, s.Attach(context.Background(), "1", pageOf(2)))
	conn := d.last()

	conn.Emit("ComponentAdded", map[string]any{"type": "Hero", "props": map[string]any{"title": "Hi"}}, 1)
	conn.Emit("ComponentUpdated", 0, map[string]any{"type": "Header"})

	content := s.Content()
	assert.Equal(t, []string{"Header", "Hero", "Block1"}, types(content))
	assert.Equal(t, "Hi", content.Content[1].Props["title"])
	assert.Equal(t, []int{1}, addedAt)
}

func TestContentReplaced(t *testing.T) {
	var replaced []proto.PageContent
	s, d := newTestSync(t, Callbacks{OnContentReplaced: func(c proto.PageContent) { replaced = append(replaced, c) }})
	require.NoError(t, s.Attach(context.Background(), "1", pageOf(4)))
	conn := d.last()

	conn.Emit("ContentReplaced", `{"content":[{"type":"Only","props":{}}],"root":{"props":{"title":"T"}}}`)
	assert.Equal(t, []string{"Only"}, types(s.Content()))
	assert.Equal(t, "T", s.Content().Root.Props["title"])

	conn.Emit("ContentReplaced", "{broken")
	assert.Equal(t, proto.EmptyPageContent(), s.Content())
	assert.Len(t, replaced, 2)
}

func TestBuildProgressEndsIdle(t *testing.T) {
	for n := 0; n < 5; n++ {
		t.Run(fmt.Sprintf("%d progress events", n), func(t *testing.T) {
			var seen []proto.BuildProgress
			s, d := newTestSync(t, Callbacks{OnBuildProgress: func(p proto.BuildProgress) { seen = append(seen, p) }})
			require.NoError(t, s.Attach(context.Background(), "1", pageOf(0)))
			conn := d.last()

			conn.Emit("BuildingStarted", "Generating")
			started := s.BuildProgress()
			assert.True(t, started.IsBuilding)
			assert.Equal(t, "Generating", started.Message)
			assert.Zero(t, started.CurrentStep)
			assert.Nil(t, started.TotalSteps)

			for i := 1; i <= n; i++ {
				conn.Emit("BuildingProgress", fmt.Sprintf("step %d", i), i*3, 20)
				p := s.BuildProgress()
				assert.Equal(t, i*3, p.CurrentStep)
				require.NotNil(t, p.TotalSteps)
				assert.Equal(t, 20, *p.TotalSteps)
			}

			conn.Emit("BuildingCompleted")
			assert.Equal(t, proto.IdleBuildProgress(), s.BuildProgress())
			assert.Len(t, seen, n+2)
		})
	}
}

func TestBuildingStartedResetsProgress(t *testing.T) {
	s, d := newTestSync(t, Callbacks{})
	require.NoError(t, s.Attach(context.Background(), "1", pageOf(0)))
	conn := d.last()

	conn.Emit("BuildingProgress", "half", 5, 10)
	conn.Emit("BuildingStarted", "again")

	p := s.BuildProgress()
	assert.Equal(t, proto.BuildProgress{IsBuilding: true, Message: "again"}, p)
}

func TestAttachOtherPageRecreatesConnection(t *testing.T) {
	s, d := newTestSync(t, Callbacks{})
	require.NoError(t, s.Attach(context.Background(), "1", pageOf(1)))
	first := d.last()

	require.NoError(t, s.Attach(context.Background(), "1", pageOf(3)))
	assert.Len(t, d.conns, 1)

	require.NoError(t, s.Attach(context.Background(), "2", pageOf(3)))
	require.Len(t, d.conns, 2)

	assert.Len(t, first.CallsTo(LeavePageMethod), 1)
	assert.Equal(t, proto.ConnectionState_DISCONNECTED, first.State())
	assert.Equal(t, []any{"2"}, d.last().CallsTo(JoinPageMethod)[0].Args)
	assert.Len(t, s.Content().Content, 3)
}

func TestDetachTwice(t *testing.T) {
	s, d := newTestSync(t, Callbacks{})
	require.NoError(t, s.Attach(context.Background(), "1", pageOf(1)))

	require.NoError(t, s.Detach(context.Background()))
	require.NoError(t, s.Detach(context.Background()))

	assert.Len(t, d.last().CallsTo(LeavePageMethod), 1)
	assert.Equal(t, proto.ConnectionState_DISCONNECTED, s.State())
	assert.Empty(t, s.PageID())
}

func TestManualDisconnectAndConnect(t *testing.T) {
	d := &dialer{}
	s := New(d.dial, Config{}, Callbacks{})

	assert.Error(t, s.Connect(context.Background()))

	require.NoError(t, s.Attach(context.Background(), "5", pageOf(0)))
	assert.Equal(t, proto.ConnectionState_DISCONNECTED, s.State())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, proto.ConnectionState_CONNECTED, s.State())

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, proto.ConnectionState_DISCONNECTED, s.State())
	assert.Equal(t, "5", s.PageID())
	assert.Len(t, d.last().CallsTo(LeavePageMethod), 1)
}

func TestContentDoesNotAliasState(t *testing.T) {
	var fromCallback proto.PageComponent
	s, d := newTestSync(t, Callbacks{OnComponentUpdated: func(i int, c proto.PageComponent) { fromCallback = c }})
	require.NoError(t, s.Attach(context.Background(), "1", pageOf(1)))

	snapshot := s.Content()
	snapshot.Content[0].Props["id"] = float64(99)
	assert.Equal(t, float64(0), s.Content().Content[0].Props["id"])

	d.last().Emit("ComponentUpdated", 0, proto.PageComponent{Type: "Hero", Props: map[string]any{"title": "a"}})
	fromCallback.Props["title"] = "b"
	assert.Equal(t, "a", s.Content().Content[0].Props["title"])
}
