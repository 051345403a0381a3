package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/metrics"
	"github.com/nkkko/livesync/internal/telemetry"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNotConnected is returned by Invoke outside the Connected state
	ErrNotConnected = errors.New("hub connection is not connected")

	// ErrAlreadyStarted is returned by Start unless the connection is Disconnected
	ErrAlreadyStarted = errors.New("hub connection is not in the disconnected state")

	// ErrConnectionClosed fails invocations pending when the connection stops
	ErrConnectionClosed = errors.New("hub connection closed")

	// ErrConnectionLost fails invocations pending when the transport drops
	ErrConnectionLost = errors.New("hub connection lost")
)

// InvocationError is a failure reported by the server for one invocation
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("hub method %s failed: %s", e.Method, e.Message)
}

// CloseError is produced when the server sends a Close message
type CloseError struct {
	Message        string
	AllowReconnect bool
}

func (e *CloseError) Error() string {
	if e.Message == "" {
		return "server closed the connection"
	}
	return "server closed the connection: " + e.Message
}

// Listener receives everything the connection reports. OnInvocation runs on
// the read goroutine, so invocations are delivered one at a time in arrival
// order and must not block on the same connection. The lifecycle callbacks
// run on other goroutines and may call Invoke.
type Listener interface {
	OnInvocation(target string, args []json.RawMessage)
	OnReconnecting(err error)
	OnReconnected(connectionID string)
	OnClosed(err error)
}

type invocationResult struct {
	msg Message
	err error
}

// Conn is a client connection to a hub endpoint
type Conn struct {
	url               string
	name              string
	retryPolicy       RetryPolicy
	skipNegotiation   bool
	accessToken       func() (string, error)
	header            http.Header
	keepAliveInterval time.Duration
	serverTimeout     time.Duration
	handshakeTimeout  time.Duration
	dialer            *websocket.Dialer
	httpClient        *http.Client
	logger            zerolog.Logger
	metrics           *metrics.Metrics

	mu           sync.Mutex
	state        proto.ConnectionState
	ws           *websocket.Conn
	connectionID string
	listener     Listener
	pending      map[string]chan invocationResult
	nextID       uint64
	stopCh       chan struct{}

	writeMu sync.Mutex
}

// New creates a disconnected connection to the hub at rawURL
func New(rawURL string, opts ...Option) *Conn {
	c := &Conn{
		url:               rawURL,
		retryPolicy:       DefaultRetryPolicy(),
		header:            http.Header{},
		keepAliveInterval: 15 * time.Second,
		serverTimeout:     30 * time.Second,
		handshakeTimeout:  15 * time.Second,
		dialer:            websocket.DefaultDialer,
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		metrics:           metrics.GetMetrics(),
		state:             proto.ConnectionState_DISCONNECTED,
		pending:           make(map[string]chan invocationResult),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.name == "" {
		c.name = hubName(rawURL)
	}
	c.logger = logging.Component("hub").With().Str("hub", c.name).Logger()
	c.metrics.HubConnectionState.WithLabelValues(c.name).Set(float64(c.state))

	return c
}

// SetListener installs the receiver of inbound messages and lifecycle events
func (c *Conn) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// State returns the current lifecycle state
func (c *Conn) State() proto.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id assigned by negotiation, if any
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Start connects to the hub. It is only valid from the Disconnected state.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != proto.ConnectionState_DISCONNECTED {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.setStateLocked(proto.ConnectionState_CONNECTING)
	c.mu.Unlock()

	c.logger.Debug().Str("url", c.url).Msg("Starting hub connection")
	ws, id, initial, err := c.connect(ctx)

	c.mu.Lock()
	if c.stopCh != stopCh || c.state != proto.ConnectionState_CONNECTING {
		// Stopped while connecting
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		if err == nil {
			err = ErrConnectionClosed
		}
		return err
	}
	if err != nil {
		c.setStateLocked(proto.ConnectionState_DISCONNECTED)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("Failed to start hub connection")
		return fmt.Errorf("failed to start hub connection: %w", err)
	}
	c.installLocked(ws, id)
	c.mu.Unlock()

	c.logger.Info().Str("connection_id", id).Msg("Hub connection established")
	go c.readLoop(ws, stopCh, initial)
	go c.keepAlive(ws, stopCh)

	return nil
}

// Stop closes the connection and cancels any reconnect in progress. It is
// safe to call in any state.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == proto.ConnectionState_DISCONNECTED {
		c.mu.Unlock()
		return nil
	}
	close(c.stopCh)
	ws := c.ws
	c.ws = nil
	c.connectionID = ""
	c.setStateLocked(proto.ConnectionState_DISCONNECTED)
	pending := c.takePendingLocked()
	listener := c.listener
	c.mu.Unlock()

	failPending(pending, ErrConnectionClosed)

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		ws.Close()
	}

	c.logger.Info().Msg("Hub connection stopped")
	if listener != nil {
		listener.OnClosed(nil)
	}
	return nil
}

// Invoke calls a hub method and waits for its completion
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	ctx, span := telemetry.StartSpan(ctx, "hub.invoke",
		attribute.String("hub.name", c.name),
		attribute.String("hub.method", method),
	)
	start := time.Now()

	result, err := c.invoke(ctx, method, args)

	telemetry.EndSpan(span, err)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.HubInvocationsTotal.WithLabelValues(c.name, method, status).Inc()
	c.metrics.HubInvocationDuration.WithLabelValues(c.name, method).Observe(time.Since(start).Seconds())

	return result, err
}

func (c *Conn) invoke(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != proto.ConnectionState_CONNECTED || c.ws == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan invocationResult, 1)
	c.pending[id] = ch
	ws := c.ws
	c.mu.Unlock()

	data, err := EncodeInvocation(id, method, args...)
	if err != nil {
		c.removePending(id)
		return nil, err
	}
	if err := c.write(ws, data); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != "" {
			return nil, &InvocationError{Method: method, Message: res.msg.Error}
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop(ws *websocket.Conn, stopCh chan struct{}, initial []Message) {
	err := func() error {
		for _, msg := range initial {
			if err := c.dispatch(ws, msg); err != nil {
				return err
			}
		}
		for {
			if err := ws.SetReadDeadline(time.Now().Add(c.serverTimeout)); err != nil {
				return err
			}
			_, data, err := ws.ReadMessage()
			if err != nil {
				return err
			}
			messages, err := ParseMessages(data)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Discarding malformed hub message")
			}
			for _, msg := range messages {
				if err := c.dispatch(ws, msg); err != nil {
					return err
				}
			}
		}
	}()

	c.connectionLost(ws, stopCh, err)
}

// dispatch handles one inbound message; a non-nil error ends the read loop
func (c *Conn) dispatch(ws *websocket.Conn, msg Message) error {
	switch msg.Type {
	case MessageInvocation:
		c.metrics.HubMessagesReceived.WithLabelValues(c.name, msg.Target).Inc()
		c.mu.Lock()
		listener := c.listener
		c.mu.Unlock()
		if listener != nil {
			listener.OnInvocation(msg.Target, msg.Arguments)
		}
		if msg.InvocationID != "" {
			// Client results are not supported
			data, _ := EncodeCompletion(msg.InvocationID, nil, "Client didn't provide a result.")
			if err := c.write(ws, data); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to reject client result request")
			}
		}

	case MessageCompletion:
		c.mu.Lock()
		ch, ok := c.pending[msg.InvocationID]
		delete(c.pending, msg.InvocationID)
		c.mu.Unlock()
		if ok {
			ch <- invocationResult{msg: msg}
		} else {
			c.logger.Debug().Str("invocation_id", msg.InvocationID).Msg("Completion for unknown invocation")
		}

	case MessagePing:

	case MessageClose:
		return &CloseError{Message: msg.Error, AllowReconnect: msg.AllowReconnect}

	default:
		c.logger.Debug().Int("type", int(msg.Type)).Msg("Ignoring unsupported hub message")
	}
	return nil
}

func (c *Conn) connectionLost(ws *websocket.Conn, stopCh chan struct{}, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		// Stop already took the connection down
		c.mu.Unlock()
		return
	}
	c.ws = nil
	ws.Close()
	pending := c.takePendingLocked()
	listener := c.listener

	reconnect := c.retryPolicy != nil
	var closeErr *CloseError
	if errors.As(cause, &closeErr) && !closeErr.AllowReconnect {
		reconnect = false
	}

	if !reconnect {
		c.connectionID = ""
		c.setStateLocked(proto.ConnectionState_DISCONNECTED)
		c.mu.Unlock()
		failPending(pending, ErrConnectionClosed)
		c.logger.Warn().Err(cause).Msg("Hub connection closed")
		if listener != nil {
			listener.OnClosed(cause)
		}
		return
	}

	c.setStateLocked(proto.ConnectionState_RECONNECTING)
	c.mu.Unlock()
	failPending(pending, ErrConnectionLost)

	c.logger.Warn().Err(cause).Msg("Hub connection lost, reconnecting")
	if listener != nil {
		listener.OnReconnecting(cause)
	}
	c.reconnect(stopCh, cause)
}

func (c *Conn) reconnect(stopCh chan struct{}, reason error) {
	started := time.Now()

	for attempt := 0; ; attempt++ {
		delay, ok := c.retryPolicy.NextRetryDelay(RetryContext{
			PreviousRetryCount: attempt,
			ElapsedTime:        time.Since(started),
			RetryReason:        reason,
		})
		if !ok {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		ws, id, initial, err := c.connect(ctx)
		cancel()

		c.mu.Lock()
		if c.stopCh != stopCh || c.state != proto.ConnectionState_RECONNECTING {
			c.mu.Unlock()
			if ws != nil {
				ws.Close()
			}
			return
		}
		if err != nil {
			c.mu.Unlock()
			c.metrics.HubReconnectAttempts.WithLabelValues(c.name, "failed").Inc()
			c.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Reconnect attempt failed")
			reason = err
			continue
		}
		c.installLocked(ws, id)
		listener := c.listener
		c.mu.Unlock()

		c.metrics.HubReconnectAttempts.WithLabelValues(c.name, "succeeded").Inc()
		c.logger.Info().Int("attempts", attempt+1).Str("connection_id", id).Msg("Hub connection re-established")

		go c.readLoop(ws, stopCh, initial)
		go c.keepAlive(ws, stopCh)

		if listener != nil {
			listener.OnReconnected(id)
		}
		return
	}

	c.mu.Lock()
	if c.stopCh != stopCh || c.state != proto.ConnectionState_RECONNECTING {
		c.mu.Unlock()
		return
	}
	c.connectionID = ""
	c.setStateLocked(proto.ConnectionState_DISCONNECTED)
	listener := c.listener
	c.mu.Unlock()

	c.logger.Error().Err(reason).Msg("Giving up reconnecting to hub")
	if listener != nil {
		listener.OnClosed(reason)
	}
}

func (c *Conn) keepAlive(ws *websocket.Conn, stopCh chan struct{}) {
	if c.keepAliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	ping := EncodePing()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.ws == ws
			c.mu.Unlock()
			if !current {
				return
			}
			if err := c.write(ws, ping); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to send keep-alive")
				return
			}
		}
	}
}

func (c *Conn) write(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) installLocked(ws *websocket.Conn, connectionID string) {
	c.ws = ws
	c.connectionID = connectionID
	c.setStateLocked(proto.ConnectionState_CONNECTED)
}

func (c *Conn) setStateLocked(state proto.ConnectionState) {
	c.state = state
	c.metrics.HubConnectionState.WithLabelValues(c.name).Set(float64(state))
}

func (c *Conn) takePendingLocked() map[string]chan invocationResult {
	pending := c.pending
	c.pending = make(map[string]chan invocationResult)
	return pending
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func failPending(pending map[string]chan invocationResult, err error) {
	for _, ch := range pending {
		ch <- invocationResult{err: err}
	}
}

func hubName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "hub"
	}
	return path.Base(u.Path)
}
