package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for livesync
type Metrics struct {
	// Hub client metrics
	HubConnectionState    *prometheus.GaugeVec
	HubInvocationsTotal   *prometheus.CounterVec
	HubInvocationDuration *prometheus.HistogramVec
	HubMessagesReceived   *prometheus.CounterVec
	HubReconnectAttempts  *prometheus.CounterVec

	// Subscriber metrics
	SubscriberEventsTotal  *prometheus.CounterVec
	SubscriberGroupsJoined *prometheus.GaugeVec

	// Component metrics
	NotificationsUnread      prometheus.Gauge
	NotificationActionsTotal *prometheus.CounterVec
	BuildInProgress          prometheus.Gauge

	// REST client metrics
	ClientRequestsTotal   *prometheus.CounterVec
	ClientRequestDuration *prometheus.HistogramVec

	// Status API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Simulator metrics
	SimConnectionsActive *prometheus.GaugeVec
	SimMessagesSent      *prometheus.CounterVec
	SimGroupsActive      prometheus.Gauge
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Hub client metrics
	m.HubConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livesync_hub_connection_state",
			Help: "Current hub connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
		[]string{"hub"},
	)

	m.HubInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_hub_invocations_total",
			Help: "Total number of hub method invocations",
		},
		[]string{"hub", "method", "status"},
	)

	m.HubInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_hub_invocation_duration_seconds",
			Help:    "Hub invocation round trip in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"hub", "method"},
	)

	m.HubMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_hub_messages_received_total",
			Help: "Total number of invocation messages received from the hub",
		},
		[]string{"hub", "target"},
	)

	m.HubReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_hub_reconnect_attempts_total",
			Help: "Total number of reconnect attempts",
		},
		[]string{"hub", "outcome"},
	)

	// Subscriber metrics
	m.SubscriberEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_subscriber_events_total",
			Help: "Inbound events seen by subscribers, by outcome",
		},
		[]string{"subscriber", "event", "outcome"},
	)

	m.SubscriberGroupsJoined = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livesync_subscriber_groups_joined",
			Help: "Number of hub groups a subscriber currently belongs to",
		},
		[]string{"subscriber"},
	)

	// Component metrics
	m.NotificationsUnread = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_notifications_unread",
			Help: "Unread notifications in the local window",
		},
	)

	m.NotificationActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_notification_actions_total",
			Help: "Notification actions by remote outcome",
		},
		[]string{"action", "status"},
	)

	m.BuildInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_build_in_progress",
			Help: "1 while an automated page build is running",
		},
	)

	// REST client metrics
	m.ClientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_client_requests_total",
			Help: "Total number of backend REST requests",
		},
		[]string{"method", "path", "status"},
	)

	m.ClientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_client_request_duration_seconds",
			Help:    "Backend REST request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method", "path"},
	)

	// Status API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_api_requests_total",
			Help: "Total number of status API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_api_request_duration_seconds",
			Help:    "Status API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"method", "path"},
	)

	// Simulator metrics
	m.SimConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livesync_sim_connections_active",
			Help: "Active websocket connections on the hub simulator",
		},
		[]string{"hub"},
	)

	m.SimMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_sim_messages_sent_total",
			Help: "Invocation messages pushed by the hub simulator",
		},
		[]string{"hub", "target"},
	)

	m.SimGroupsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_sim_groups_active",
			Help: "Groups with at least one member on the hub simulator",
		},
	)

	return m
}
