// Package notify fans market lifecycle events out to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Sender delivers one rendered notification to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier forwards events whose type is in its allow list to every sender.
// An empty allow list lets everything through.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// NotifyEvent renders ev and dispatches it when its type is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.MarketEvent) error {
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", ev.Type))
		return nil
	}
	title, message := Render(ev)
	return n.dispatch(ctx, title, message)
}

// Render turns an event into a title and a short body.
func Render(ev domain.MarketEvent) (title, message string) {
	switch ev.Type {
	case domain.EventMarketCreated:
		title = "Market created"
	case domain.EventMarketRejected:
		title = "Market rejected"
	case domain.EventMarketFailed:
		title = "Market creation failed"
	case domain.EventMarketResolved:
		title = "Market resolved " + string(ev.Outcome)
	case domain.EventMarketExpired:
		title = "Market expired"
	case domain.EventMarketRecovered:
		title = "Orphaned market removed"
	case domain.EventSweepFailed:
		title = "Resolution sweep error"
	default:
		title = ev.Type
	}

	lines := []string{"market: " + ev.MarketID}
	if ev.Stage != "" {
		lines = append(lines, "stage: "+string(ev.Stage))
	}
	if ev.Reason != "" {
		lines = append(lines, "reason: "+ev.Reason)
	}
	if ev.CorrelationID != "" {
		lines = append(lines, "correlation: "+ev.CorrelationID)
	}
	return title, strings.Join(lines, "\n")
}

// dispatch delivers to all senders; one failing sender does not stop the rest.
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
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
