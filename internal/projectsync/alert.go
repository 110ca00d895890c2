package projectsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/fleetd/internal/logging"
	"github.com/nats-io/nats.go"
)

// Alert describes a failure streak that reached the threshold.
type Alert struct {
	TaskID              string    `json:"taskId"`
	ConsecutiveFailures int64     `json:"consecutiveFailures"`
	Threshold           int64     `json:"threshold"`
	LastError           string    `json:"lastError"`
	At                  time.Time `json:"at"`
	Instance            string    `json:"instance,omitempty"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a Alert) error

func (f AlerterFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogAlerter writes alerts to the log at error level.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logging.Component(logger, "projectsync.alert")}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	l.logger.Error("project sync failure threshold reached",
		"task_id", a.TaskID,
		"consecutive_failures", a.ConsecutiveFailures,
		"threshold", a.Threshold,
		"last_error", a.LastError,
	)
	return nil
}

// DefaultAlertSubject is the NATS subject alerts are published on.
const DefaultAlertSubject = "fleetd.projectsync.alert"

type natsPublisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSAlerter publishes alerts as JSON to a NATS subject so every fleet
// member (or an operator tool) can react.
type NATSAlerter struct {
	conn     natsPublisher
	subject  string
	instance string
}

// NewNATSAlerter connects to url.
func NewNATSAlerter(url, subject, instance string) (*NATSAlerter, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("fleetd"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSAlerter(conn, subject, instance), nil
}

func newNATSAlerter(conn natsPublisher, subject, instance string) *NATSAlerter {
	if subject == "" {
		subject = DefaultAlertSubject
	}
	return &NATSAlerter{conn: conn, subject: subject, instance: instance}
}

func (n *NATSAlerter) Alert(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.Instance == "" {
		a.Instance = n.instance
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

// Close closes the NATS connection.
func (n *NATSAlerter) Close() {
	n.conn.Close()
}

// MultiAlerter fans an alert out to several alerters and returns the first
// error after trying all of them.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var first error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
