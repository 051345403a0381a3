package notify

import (
	"context"

	"github.com/nkkko/livesync/internal/logging"
	"github.com/nkkko/livesync/pkg/proto"
	"github.com/rs/zerolog"
)

// Alert is a user-facing notice raised for a pushed notification
type Alert struct {
	Title    string
	Message  string
	Severity string
	Action   *AlertAction
}

// AlertAction navigates to URL when chosen
type AlertAction struct {
	Label string
	URL   string
}

// Alerter presents alerts to the user
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// AlertFor builds the alert shown for n
func AlertFor(n proto.Notification) Alert {
	severity := n.Type
	if severity == "" {
		severity = "info"
	}
	alert := Alert{Title: n.Title, Message: n.Message, Severity: severity}
	if n.LinkUrl != "" {
		alert.Action = &AlertAction{Label: "View", URL: n.LinkUrl}
	}
	return alert
}

// LogAlerter writes alerts to the log
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter creates an alerter logging under the notify component
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: logging.Component("alerts")}
}

// Alert implements Alerter
func (a *LogAlerter) Alert(ctx context.Context, alert Alert) {
	event := a.logger.Info().
		Str("title", alert.Title).
		Str("severity", alert.Severity)
	if alert.Action != nil {
		event = event.Str("action", alert.Action.Label).Str("url", alert.Action.URL)
	}
	event.Msg(alert.Message)
}
