// Package notify delivers session lifecycle notifications to external
// channels. Events are dispatched to all registered senders (Telegram,
// webhooks) and can be filtered by event type so organizers receive only the
// alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/groupcart/groupcart/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It maintains a
// set of allowed event types; Notify only forwards events whose type is in
// the allowed set, while NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[domain.EventType(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify formats and sends a lifecycle event to all senders, subject to the
// event type filter.
func (n *Notifier) Notify(ctx context.Context, evt domain.Event) error {
	if len(n.events) > 0 && !n.events[evt.Type] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(evt.Type)),
		)
		return nil
	}

	title, message := render(evt)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// render builds a human-readable title and body for a lifecycle event.
func render(evt domain.Event) (title, message string) {
	switch evt.Type {
	case domain.EventSessionCreated:
		title = "Session created"
	case domain.EventParticipantJoined:
		title = "New participant"
	case domain.EventParticipantLeft:
		title = "Participant left"
	case domain.EventSessionFull:
		title = "Session full"
	case domain.EventSessionConfirmed:
		title = "Session confirmed"
	case domain.EventSessionCancelled:
		title = "Session cancelled"
	case domain.EventSessionProcessing:
		title = "Order processing"
	case domain.EventSessionCompleted:
		title = "Order completed"
	case domain.EventChargeSucceeded:
		title = "Payment received"
	case domain.EventChargeFailed:
		title = "Payment failed"
	case domain.EventRefundSucceeded:
		title = "Refund issued"
	case domain.EventRefundFailed:
		title = "Refund attempt failed"
	default:
		title = string(evt.Type)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "session %s", evt.SessionID)
	if evt.UserID != "" {
		fmt.Fprintf(&b, "\nuser %s", evt.UserID)
	}
	for k, v := range evt.Detail {
		fmt.Fprintf(&b, "\n%s: %v", k, v)
	}
	return title, b.String()
}

// dispatch iterates over all senders and sends the notification. Errors from
// individual senders are collected and returned as a combined error; a single
// sender failure does not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
