// Package notify publishes finished builds to NATS so chat bots and
// dashboards can react without polling the status feed.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/events"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
)

// Header names set on every notification.
const (
	HeaderRepository = "Ciagent-Repository"
	HeaderStatus     = "Ciagent-Status"
)

// Publisher is the subset of *nats.Conn in use.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Message is the JSON payload of a notification.
type Message struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Build   build.Snapshot `json:"build"`
	At      time.Time      `json:"at"`
	Elapsed string         `json:"elapsed,omitempty"`
}

// Notifier forwards BuildFinished events to a NATS subject.
type Notifier struct {
	pub     Publisher
	subject string
	logger  *slog.Logger
	closer  func()
}

// New creates a notifier publishing through pub.
func New(pub Publisher, subject string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, subject: subject, logger: logger.With(slog.String("component", "notify"))}
}

// Connect dials url and returns a notifier owning the connection.
func Connect(url, subject string, logger *slog.Logger) (*Notifier, error) {
	conn, err := nats.Connect(url, nats.Name("ciagent"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n := New(conn, subject, logger)
	n.closer = func() {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	n.logger.Info("NATS notifications enabled", slog.String("url", url), slog.String("subject", subject))
	return n, nil
}

// Close drains an owned connection.
func (n *Notifier) Close() {
	if n.closer != nil {
		n.closer()
	}
}

// Notify publishes one finished build.
func (n *Notifier) Notify(evt events.BuildFinished) error {
	b := evt.Build
	b.LogLines = nil
	msg := Message{
		Type:  evt.EventType(),
		Title: title(b),
		Build: b,
		At:    evt.At,
	}
	if b.StartedAt != nil && b.EndedAt != nil {
		msg.Elapsed = b.EndedAt.Sub(*b.StartedAt).Round(time.Second).String()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	m := nats.NewMsg(n.subject)
	m.Data = data
	m.Header.Set(HeaderRepository, b.RepositoryName)
	m.Header.Set(HeaderStatus, statusWord(b))
	if err := n.pub.PublishMsg(m); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	n.logger.Debug("Published build notification", logfields.BuildID(b.ID), logfields.Repository(b.RepositoryName))
	return nil
}

// Run publishes every BuildFinished event until ctx ends or the bus closes.
// Notifications are best effort; the subscription drops events rather than
// stall builds when NATS is slow.
func (n *Notifier) Run(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := events.SubscribeLossy[events.BuildFinished](bus, 64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := n.Notify(evt); err != nil {
				n.logger.Warn("Build notification failed", logfields.BuildID(evt.Build.ID), logfields.Error(err))
			}
		}
	}
}

func statusWord(b build.Snapshot) string {
	if b.Cancelled {
		return "cancelled"
	}
	return b.Status.String()
}

func title(b build.Snapshot) string {
	t := fmt.Sprintf("%s %s (%s) %s", b.RepositoryName, b.Branch, shortID(b.ID), statusWord(b))
	if b.FailureReason != "" && !b.Cancelled {
		t += ": " + b.FailureReason
	}
	return t
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
