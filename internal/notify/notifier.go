// Package notify fans operator notifications out to chat webhooks. Events
// are filtered by name so operators only receive the kinds they asked for.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// Event names used by the engine.
const (
	EventExecution = "execution"
	EventEmergency = "emergency"
	EventAlert     = "alert"
)

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every Sender. An empty event filter allows all.
type Notifier struct {
	senders     []Sender
	events      map[string]bool
	minSeverity domain.AlertSeverity
	logger      *slog.Logger
}

// NewNotifier creates a Notifier. minSeverity gates risk alerts; empty
// means all severities.
func NewNotifier(senders []Sender, events []string, minSeverity domain.AlertSeverity, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:     senders,
		events:      allowed,
		minSeverity: minSeverity,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends the message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

var severityRank = map[domain.AlertSeverity]int{
	domain.SeverityLow:      1,
	domain.SeverityMedium:   2,
	domain.SeverityHigh:     3,
	domain.SeverityCritical: 4,
}

// NotifyAlert formats a risk alert and sends it when its severity reaches
// the configured minimum.
func (n *Notifier) NotifyAlert(ctx context.Context, a domain.RiskAlert) error {
	if n.minSeverity != "" && severityRank[a.Severity] < severityRank[n.minSeverity] {
		return nil
	}
	title, body := FormatAlert(a)
	return n.Notify(ctx, EventAlert, title, body)
}

// AlertHandler adapts NotifyAlert to the risk engine's alert observer.
// Delivery runs in its own goroutine so the engine is never blocked.
func (n *Notifier) AlertHandler() func(domain.RiskAlert) {
	return func(a domain.RiskAlert) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := n.NotifyAlert(ctx, a); err != nil {
				n.logger.Warn("alert notification failed",
					slog.String("alert_id", a.ID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// FormatAlert renders an alert as a title and body.
func FormatAlert(a domain.RiskAlert) (string, string) {
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Type)
	var b strings.Builder
	if a.Symbol != "" {
		fmt.Fprintf(&b, "%s: ", a.Symbol)
	}
	b.WriteString(a.Message)
	for _, r := range a.Recommendations {
		b.WriteString("\n- " + r)
	}
	return title, b.String()
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
