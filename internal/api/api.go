// Package api serves the daemon's local status and actions API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/internal/metrics"
	"github.com/nkkko/livesync/internal/telemetry"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// Name reported in request spans
	ServiceName string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8090",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		ServiceName:    "livesync",
	}
}

// PageSync is the page-build sync driven by the API
type PageSync interface {
	Attach(ctx context.Context, pageID string, initial proto.PageContent) error
	Detach(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State() proto.ConnectionState
	PageID() string
	Content() proto.PageContent
	BuildProgress() proto.BuildProgress
}

// NotificationCenter is the notification sync driven by the API
type NotificationCenter interface {
	Notifications() []proto.Notification
	UnreadCount() int
	ConnectionState() proto.ConnectionState
	Refresh(ctx context.Context) error
	MarkAsRead(ctx context.Context, id int64) error
	MarkAllAsRead(ctx context.Context) error
	Delete(ctx context.Context, id int64) error
	ClearAll(ctx context.Context) error
}

// API handles HTTP endpoints. Either component may be nil when disabled.
type API struct {
	config  Config
	router  *chi.Mux
	server  *http.Server
	page    PageSync
	center  NotificationCenter
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a new API instance
func New(config Config, page PageSync, center NotificationCenter) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}

	a := &API{
		config:  config,
		page:    page,
		center:  center,
		logger:  logging.Component("api"),
		metrics: metrics.GetMetrics(),
	}
	a.router = a.buildRouter()
	return a
}

// Handler exposes the router
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(a.instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	return r
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", a.handleStatus)

	r.Route("/notifications", func(r chi.Router) {
		r.Use(a.requireCenter)
		r.Get("/", a.handleListNotifications)
		r.Delete("/", a.handleClearNotifications)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/read-all", a.handleMarkAllAsRead)
		r.Post("/{id}/read", a.handleMarkAsRead)
		r.Delete("/{id}", a.handleDeleteNotification)
	})

	r.Route("/page", func(r chi.Router) {
		r.Use(a.requirePage)
		r.Get("/", a.handleGetPage)
		r.Post("/attach", a.handleAttachPage)
		r.Post("/detach", a.handleDetachPage)
		r.Post("/connect", a.handleConnectPage)
		r.Post("/disconnect", a.handleDisconnectPage)
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (a *API) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (a *API) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting status API")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.logger.Info().Msg("Shutting down status API")
	return a.server.Shutdown(shutdownCtx)
}

// instrument records request counts and latency per route pattern
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (a *API) requireCenter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.center == nil {
			writeError(w, r, UnavailableError("notifications_disabled", "Notification sync is not enabled"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requirePage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.page == nil {
			writeError(w, r, UnavailableError("page_sync_disabled", "Page sync is not enabled"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PageStatus summarises the page sync
type PageStatus struct {
	PageID         string              `json:"pageId,omitempty"`
	State          string              `json:"state"`
	ComponentCount int                 `json:"componentCount"`
	Build          proto.BuildProgress `json:"build"`
}

// NotificationStatus summarises the notification sync
type NotificationStatus struct {
	State       string `json:"state"`
	UnreadCount int    `json:"unreadCount"`
	Loaded      int    `json:"loaded"`
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	Page          *PageStatus         `json:"page,omitempty"`
	Notifications *NotificationStatus `json:"notifications,omitempty"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	if a.page != nil {
		resp.Page = &PageStatus{
			PageID:         a.page.PageID(),
			State:          a.page.State().String(),
			ComponentCount: len(a.page.Content().Content),
			Build:          a.page.BuildProgress(),
		}
	}
	if a.center != nil {
		resp.Notifications = &NotificationStatus{
			State:       a.center.ConnectionState().String(),
			UnreadCount: a.center.UnreadCount(),
			Loaded:      len(a.center.Notifications()),
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// NotificationsResponse is returned by GET /notifications
type NotificationsResponse struct {
	Notifications []proto.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, NotificationsResponse{
		Notifications: a.center.Notifications(),
		UnreadCount:   a.center.UnreadCount(),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.center.Refresh(r.Context()); err != nil {
		a.logger.Warn().Err(err).Msg("Refresh failed")
		writeError(w, r, err)
		return
	}
	a.handleListNotifications(w, r)
}

func (a *API) handleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := notificationID(w, r)
	if !ok {
		return
	}
	a.respondAction(w, r, a.center.MarkAsRead(r.Context(), id))
}

func (a *API) handleMarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	a.respondAction(w, r, a.center.MarkAllAsRead(r.Context()))
}

func (a *API) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := notificationID(w, r)
	if !ok {
		return
	}
	a.respondAction(w, r, a.center.Delete(r.Context(), id))
}

func (a *API) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	a.respondAction(w, r, a.center.ClearAll(r.Context()))
}

// respondAction reports the outcome of a notification action. The local
// state has already been updated either way.
func (a *API) respondAction(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.handleListNotifications(w, r)
}

func notificationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, ValidationError("invalid_id", "Notification ID must be a positive integer"))
		return 0, false
	}
	return id, true
}

// PageResponse is returned by the page endpoints
type PageResponse struct {
	PageID  string              `json:"pageId,omitempty"`
	State   string              `json:"state"`
	Content proto.PageContent   `json:"content"`
	Build   proto.BuildProgress `json:"build"`
}

// AttachPageRequest starts following a page
type AttachPageRequest struct {
	PageID  string          `json:"pageId"`
	Content json.RawMessage `json:"content,omitempty"`
}

func (a *API) handleGetPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, PageResponse{
		PageID:  a.page.PageID(),
		State:   a.page.State().String(),
		Content: a.page.Content(),
		Build:   a.page.BuildProgress(),
	})
}

func (a *API) handleAttachPage(w http.ResponseWriter, r *http.Request) {
	var req AttachPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ValidationError("invalid_body", "Invalid request body"))
		return
	}
	if req.PageID == "" {
		writeError(w, r, ValidationError("missing_page_id", "Page ID is required"))
		return
	}

	initial := proto.EmptyPageContent()
	if len(req.Content) > 0 {
		content, err := proto.ParsePageContent(req.Content)
		if err != nil {
			writeError(w, r, ValidationError("invalid_content", "Page content is malformed"))
			return
		}
		initial = content
	}

	if err := a.page.Attach(r.Context(), req.PageID, initial); err != nil {
		writeError(w, r, err)
		return
	}
	a.handleGetPage(w, r)
}

func (a *API) handleDetachPage(w http.ResponseWriter, r *http.Request) {
	if err := a.page.Detach(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	a.handleGetPage(w, r)
}

func (a *API) handleConnectPage(w http.ResponseWriter, r *http.Request) {
	if a.page.PageID() == "" {
		writeError(w, r, ValidationError("no_page", "No page is attached"))
		return
	}
	if err := a.page.Connect(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	a.handleGetPage(w, r)
}

func (a *API) handleDisconnectPage(w http.ResponseWriter, r *http.Request) {
	if err := a.page.Disconnect(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	a.handleGetPage(w, r)
}
