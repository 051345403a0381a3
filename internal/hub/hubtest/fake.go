// Package hubtest provides an in-memory hub connection for tests
package hubtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nkkko/livesync/internal/hub"
	"github.com/nkkko/livesync/pkg/proto"
)

// Call records one invocation made on a FakeConn
type Call struct {
	Method string
	Args   []any
}

// FakeConn is a scriptable stand-in for *hub.Conn
type FakeConn struct {
	mu       sync.Mutex
	state    proto.ConnectionState
	listener hub.Listener
	calls    []Call
	failures map[string]error
	startErr error
	starts   int
	stops    int

	// OnInvoke, when set, runs for every invocation before it is answered
	OnInvoke func(method string, args []any)
}

// NewFakeConn returns a disconnected fake connection
func NewFakeConn() *FakeConn {
	return &FakeConn{
		state:    proto.ConnectionState_DISCONNECTED,
		failures: make(map[string]error),
	}
}

// Start implements the connection contract
func (f *FakeConn) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != proto.ConnectionState_DISCONNECTED {
		return hub.ErrAlreadyStarted
	}
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.state = proto.ConnectionState_CONNECTED
	return nil
}

// Stop implements the connection contract
func (f *FakeConn) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.state == proto.ConnectionState_DISCONNECTED {
		f.mu.Unlock()
		return nil
	}
	f.state = proto.ConnectionState_DISCONNECTED
	f.stops++
	l := f.listener
	f.mu.Unlock()

	if l != nil {
		l.OnClosed(nil)
	}
	return nil
}

// Invoke records the call and answers with the configured failure, if any
func (f *FakeConn) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	if f.state != proto.ConnectionState_CONNECTED {
		f.mu.Unlock()
		return nil, hub.ErrNotConnected
	}
	f.calls = append(f.calls, Call{Method: method, Args: args})
	err := f.failures[method]
	hook := f.OnInvoke
	f.mu.Unlock()

	if hook != nil {
		hook(method, args)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage("null"), nil
}

// State implements the connection contract
func (f *FakeConn) State() proto.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetListener implements the connection contract
func (f *FakeConn) SetListener(l hub.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

// FailStart makes subsequent Start calls fail with err
func (f *FakeConn) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// FailInvoke makes invocations of method fail with err
func (f *FakeConn) FailInvoke(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

// Emit delivers a server invocation to the listener
func (f *FakeConn) Emit(target string, args ...any) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			panic(err)
		}
		raw = append(raw, data)
	}

	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.OnInvocation(target, raw)
	}
}

// Drop simulates a lost transport
func (f *FakeConn) Drop(err error) {
	f.mu.Lock()
	f.state = proto.ConnectionState_RECONNECTING
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.OnReconnecting(err)
	}
}

// Restore completes a reconnect started by Drop
func (f *FakeConn) Restore(connectionID string) {
	f.mu.Lock()
	f.state = proto.ConnectionState_CONNECTED
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.OnReconnected(connectionID)
	}
}

// GiveUp ends a reconnect cycle without success
func (f *FakeConn) GiveUp(err error) {
	f.mu.Lock()
	f.state = proto.ConnectionState_DISCONNECTED
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.OnClosed(err)
	}
}

// Calls returns every invocation made so far
func (f *FakeConn) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the invocations of method
func (f *FakeConn) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Starts returns how many times Start was called
func (f *FakeConn) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Stops returns how many times Stop actually stopped the connection
func (f *FakeConn) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
