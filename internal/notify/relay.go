package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/groupcart/groupcart/internal/domain"
)

const (
	// EventStream is the durable Redis stream lifecycle events are appended to.
	EventStream = "events:lifecycle"
	// EventChannelPrefix prefixes the per-session Pub/Sub channel name.
	EventChannelPrefix = "events:session:"
)

// Relay is the engine's event sink. Emit enqueues without blocking; a single
// background goroutine fans each event out to the signal bus (live pub/sub
// plus the durable stream) and to the notifier. The engine emits while no
// session lock is held, but it must still never wait on Redis or Telegram.
type Relay struct {
	bus      domain.SignalBus // optional
	notifier *Notifier        // optional
	logger   *slog.Logger
	queue    chan domain.Event
}

// NewRelay creates a Relay. Either collaborator may be nil; the relay then
// skips that leg. Run must be called for queued events to move.
func NewRelay(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_relay")),
		queue:    make(chan domain.Event, 1024),
	}
}

// Emit implements domain.EventSink. When the queue is full the event is
// dropped and counted against the log rather than stalling the caller; the
// audit store, written synchronously by the engine, remains complete.
func (r *Relay) Emit(ctx context.Context, evt domain.Event) {
	select {
	case r.queue <- evt:
	default:
		r.logger.WarnContext(ctx, "relay queue full, event dropped",
			slog.String("type", string(evt.Type)),
			slog.String("session_id", evt.SessionID),
		)
	}
}

// Run forwards queued events until ctx is cancelled. It returns nil on clean
// shutdown.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("event relay starting")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("event relay stopped")
			return nil
		case evt := <-r.queue:
			r.forward(ctx, evt)
		}
	}
}

func (r *Relay) forward(ctx context.Context, evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.ErrorContext(ctx, "marshal event", slog.String("error", err.Error()))
		return
	}

	if r.bus != nil {
		if err := r.bus.Publish(ctx, EventChannelPrefix+evt.SessionID, payload); err != nil {
			r.logger.ErrorContext(ctx, "publish event",
				slog.String("type", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
		if err := r.bus.StreamAppend(ctx, EventStream, payload); err != nil {
			r.logger.ErrorContext(ctx, "append event to stream",
				slog.String("type", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, evt); err != nil {
			r.logger.ErrorContext(ctx, "notify event",
				slog.String("type", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Compile-time interface check.
var _ domain.EventSink = (*Relay)(nil)
