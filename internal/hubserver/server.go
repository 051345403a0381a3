// Package hubserver is a development stand-in for the backend: it serves
// the page builder and notification hubs over the JSON hub protocol and
// the notification REST endpoints.
package hubserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nkkko/livesync/internal/hub"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Hub names served by the simulator
const (
	PageHub         = "pagebuilder"
	NotificationHub = "notifications"
)

// Config contains simulator configuration
type Config struct {
	// Server address
	Addr string

	// Directory for the Badger store; empty keeps notifications in memory
	DataDir string

	// Maximum number of negotiated tokens awaiting their websocket
	PendingNegotiations int

	// How long a negotiated token stays valid
	NegotiationTTL time.Duration

	// Ping interval towards clients
	KeepAliveInterval time.Duration

	// Maximum client silence before the session is dropped
	ClientTimeout time.Duration

	// Time allowed for the protocol handshake
	HandshakeTimeout time.Duration

	// Per-session outbound buffer
	SendBufferSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:                ":5080",
		PendingNegotiations: 1024,
		NegotiationTTL:      time.Minute,
		KeepAliveInterval:   15 * time.Second,
		ClientTimeout:       30 * time.Second,
		HandshakeTimeout:    15 * time.Second,
		SendBufferSize:      256,
	}
}

// hubMethod handles one client invocation
type hubMethod func(s *session, args []json.RawMessage) error

// Server is the hub simulator
type Server struct {
	config       Config
	app          *fiber.App
	store        Store
	groups       *groupRouter
	negotiations *negotiations
	methods      map[string]map[string]hubMethod
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// New creates a simulator backed by store
func New(config Config, store Store) (*Server, error) {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.PendingNegotiations <= 0 {
		config.PendingNegotiations = defaults.PendingNegotiations
	}
	if config.NegotiationTTL <= 0 {
		config.NegotiationTTL = defaults.NegotiationTTL
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if config.ClientTimeout <= 0 {
		config.ClientTimeout = defaults.ClientTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}

	neg, err := newNegotiations(config.PendingNegotiations, config.NegotiationTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create negotiation table: %w", err)
	}

	s := &Server{
		config:       config,
		store:        store,
		groups:       newGroupRouter(),
		negotiations: neg,
		logger:       logging.Component("hubserver"),
		metrics:      metrics.GetMetrics(),
	}
	s.methods = map[string]map[string]hubMethod{
		PageHub: {
			"JoinPage":  s.joinMethod("page"),
			"LeavePage": s.leaveMethod("page"),
		},
		NotificationHub: {
			"JoinUserNotifications":     s.joinMethod("user"),
			"JoinCompanyNotifications":  s.joinMethod("company"),
			"JoinLocationNotifications": s.joinMethod("location"),
		},
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             1024 * 1024, // 1MB
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(s.requestLogger)

	s.registerRoutes(app)
	s.app = app

	return s, nil
}

// App exposes the fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// registerRoutes sets up all endpoints. Fixed paths are registered before
// the /:hub catch-all.
func (s *Server) registerRoutes(app *fiber.App) {
	// Health checks
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	// Metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		handler(c.Context())
		return nil
	})

	// Notification REST endpoints
	n := app.Group("/Notification")
	n.Get("/GetNotifications", s.handleGetNotifications)
	n.Get("/GetUnreadCount", s.handleGetUnreadCount)
	n.Post("/MarkAsRead", s.handleMarkAsRead)
	n.Post("/MarkAllAsRead", s.handleMarkAllAsRead)
	n.Delete("/DeleteNotification", s.handleDeleteNotification)
	n.Delete("/ClearAllNotifications", s.handleClearAllNotifications)

	// Development endpoints
	dev := app.Group("/dev")
	dev.Post("/notifications", s.handleDevNotification)
	dev.Post("/broadcast", s.handleDevBroadcast)
	dev.Get("/sessions", s.handleDevSessions)

	// Hub endpoints
	app.Post("/:hub/negotiate", s.handleNegotiate)
	app.Get("/:hub", s.handleUpgrade, websocket.New(s.serveSession))
}

// Start serves on the configured address until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting hub simulator")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown closes every session with a reconnectable Close and stops the
// HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down hub simulator")

	sessions := s.groups.all()
	for _, sess := range sessions {
		sess.closeWithMessage("Server is shutting down", true)
	}
	s.logger.Info().Int("closed_sessions", len(sessions)).Msg("All sessions closed")

	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendToGroup invokes target on every session in group and returns how
// many sessions it was queued for
func (s *Server) SendToGroup(hubName, group, target string, args ...any) (int, error) {
	if _, ok := s.methods[hubName]; !ok {
		return 0, fmt.Errorf("unknown hub %q", hubName)
	}
	data, err := hub.EncodeInvocation("", target, args...)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, sess := range s.groups.members(hubName, group) {
		if sess.enqueue(data) {
			delivered++
		}
	}
	s.metrics.SimMessagesSent.WithLabelValues(hubName, target).Add(float64(delivered))

	s.logger.Debug().
		Str("hub", hubName).
		Str("group", group).
		Str("target", target).
		Int("delivered", delivered).
		Msg("Sent to group")
	return delivered, nil
}

// GroupMembers counts the sessions in group
func (s *Server) GroupMembers(hubName, group string) int {
	return len(s.groups.members(hubName, group))
}

// DisconnectAll drops every session without a Close message, as a network
// failure would
func (s *Server) DisconnectAll() int {
	sessions := s.groups.all()
	for _, sess := range sessions {
		sess.close()
	}
	return len(sessions)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("HTTP request")
	return err
}

// handleNegotiate hands out a connection id and a single-use token
func (s *Server) handleNegotiate(c *fiber.Ctx) error {
	hubName := c.Params("hub")
	if _, ok := s.methods[hubName]; !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown hub",
		})
	}

	connectionID := uuid.NewString()
	token := uuid.NewString()
	s.negotiations.add(token, connectionID, hubName)

	return c.JSON(hub.NegotiateResponse{
		NegotiateVersion: 1,
		ConnectionID:     connectionID,
		ConnectionToken:  token,
		AvailableTransports: []hub.AvailableTransport{
			{Transport: "WebSockets", TransferFormats: []string{"Text"}},
		},
	})
}

// handleUpgrade validates the hub and token before the websocket upgrade
func (s *Server) handleUpgrade(c *fiber.Ctx) error {
	hubName := c.Params("hub")
	if _, ok := s.methods[hubName]; !ok {
		return fiber.ErrNotFound
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	connectionID := uuid.NewString()
	if token := c.Query("id"); token != "" {
		id, ok := s.negotiations.redeem(token, hubName)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No Connection with that ID",
			})
		}
		connectionID = id
	}

	c.Locals("connectionID", connectionID)
	c.Locals("hub", hubName)
	return c.Next()
}

// serveSession runs one hub connection for its whole lifetime
func (s *Server) serveSession(conn *websocket.Conn) {
	connectionID, _ := conn.Locals("connectionID").(string)
	hubName, _ := conn.Locals("hub").(string)
	logger := s.logger.With().Str("connection_id", connectionID).Str("hub", hubName).Logger()

	rest, err := s.handshake(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("Handshake failed")
		conn.Close()
		return
	}

	sess := newSession(connectionID, hubName, conn, s.config.SendBufferSize, s.logger)
	s.groups.register(sess)
	defer func() {
		s.groups.unregister(sess.id)
		sess.close()
		logger.Debug().Msg("Session ended")
	}()

	go sess.writeLoop(s.config.KeepAliveInterval, s.config.HandshakeTimeout)
	logger.Debug().Msg("Session started")

	if !s.process(sess, rest) {
		return
	}
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.ClientTimeout)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("WebSocket read error")
			return
		}
		if !s.process(sess, data) {
			return
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) ([]byte, error) {
	deadline := time.Now().Add(s.config.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var req hub.HandshakeRequest
	rest, err := hub.ParseHandshake(data, &req)
	if err != nil {
		return nil, err
	}

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if req.Protocol != hub.ProtocolName || req.Version != hub.ProtocolVersion {
		msg := fmt.Sprintf("The protocol '%s' version %d is not supported.", req.Protocol, req.Version)
		_ = conn.WriteMessage(websocket.TextMessage, hub.EncodeHandshakeResponse(msg))
		return nil, fmt.Errorf("unsupported protocol %s/%d", req.Protocol, req.Version)
	}
	if err := conn.WriteMessage(websocket.TextMessage, hub.EncodeHandshakeResponse("")); err != nil {
		return nil, err
	}
	return rest, nil
}

// process handles the records in one frame. It returns false once the
// client asked to close.
func (s *Server) process(sess *session, data []byte) bool {
	messages, err := hub.ParseMessages(data)
	if err != nil {
		sess.logger.Warn().Err(err).Msg("Discarding malformed client message")
	}

	for _, msg := range messages {
		switch msg.Type {
		case hub.MessageInvocation:
			s.invoke(sess, msg)
		case hub.MessageClose:
			return false
		case hub.MessagePing, hub.MessageCompletion:
		default:
			sess.logger.Debug().Int("type", int(msg.Type)).Msg("Ignoring unsupported message")
		}
	}
	return true
}

func (s *Server) invoke(sess *session, msg hub.Message) {
	var errMsg string
	method, ok := s.methods[sess.hub][msg.Target]
	if !ok {
		errMsg = fmt.Sprintf("Unknown hub method '%s'", msg.Target)
	} else if err := method(sess, msg.Arguments); err != nil {
		errMsg = err.Error()
	}

	if errMsg != "" {
		sess.logger.Debug().Str("method", msg.Target).Str("error", errMsg).Msg("Invocation failed")
	}
	if msg.InvocationID == "" {
		return
	}
	data, err := hub.EncodeCompletion(msg.InvocationID, nil, errMsg)
	if err != nil {
		sess.logger.Error().Err(err).Msg("Failed to encode completion")
		return
	}
	sess.enqueue(data)
}

func (s *Server) joinMethod(kind string) hubMethod {
	return func(sess *session, args []json.RawMessage) error {
		id, err := groupArg(args)
		if err != nil {
			return err
		}
		s.groups.join(sess.id, kind+":"+id)
		return nil
	}
}

func (s *Server) leaveMethod(kind string) hubMethod {
	return func(sess *session, args []json.RawMessage) error {
		id, err := groupArg(args)
		if err != nil {
			return err
		}
		s.groups.leave(sess.id, kind+":"+id)
		return nil
	}
}

// groupArg reads a group id passed either as a string or a number
func groupArg(args []json.RawMessage) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected 1 argument, got %d", len(args))
	}

	var id string
	if err := json.Unmarshal(args[0], &id); err == nil {
		if id == "" {
			return "", fmt.Errorf("group id must not be empty")
		}
		return id, nil
	}

	var num json.Number
	if err := json.Unmarshal(args[0], &num); err != nil {
		return "", fmt.Errorf("group id must be a string or number")
	}
	return num.String(), nil
}
