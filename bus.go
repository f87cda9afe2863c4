package ordersaga

import (
	"context"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// MessageHandler consumes one delivered message. A non-nil error tells the
// transport the message was not processed; at-least-once transports redeliver
// it, so handlers must tolerate duplicate delivery of the same message.
type MessageHandler func(ctx context.Context, msg Message) error

// MessageBus is the command/event transport consumed by the orchestrator.
// Publish is asynchronous, at-least-once and fire-and-forget from the
// orchestrator's view. Subscribe registers a handler invoked once per
// delivered message of that kind; a delivery is acknowledged only after the
// handler returns without error.
type MessageBus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(kind MessageKind, handler MessageHandler)
}

// memoryDeliveryAttempts bounds redelivery of a message whose handler keeps
// failing, so a poisoned message cannot wedge the in-process bus.
const memoryDeliveryAttempts = 2

// kindSubscription holds the handlers for one message kind. Its mutex keeps
// delivery serial per kind: at most one in-flight message per message type,
// while different kinds dispatch concurrently.
type kindSubscription struct {
	mu       sync.Mutex
	handlers []MessageHandler
}

// MemoryBus is an in-process MessageBus for tests, examples and single-node
// deployments. Dispatch is synchronous: Publish invokes the subscribed
// handlers before returning, and records every message in a history that
// tests can inspect.
type MemoryBus struct {
	logger        *slog.Logger
	subscriptions *xsync.MapOf[MessageKind, *kindSubscription]

	historyMu sync.Mutex
	history   []Message
}

// NewMemoryBus creates a new in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		logger:        logger,
		subscriptions: xsync.NewMapOf[MessageKind, *kindSubscription](),
	}
}

// Subscribe registers a handler for the given message kind.
func (b *MemoryBus) Subscribe(kind MessageKind, handler MessageHandler) {
	sub, _ := b.subscriptions.LoadOrStore(kind, &kindSubscription{})
	sub.mu.Lock()
	sub.handlers = append(sub.handlers, handler)
	sub.mu.Unlock()
	b.logger.Debug("handler_subscribed", "kind", kind)
}

// Publish records the message and dispatches it to the subscribed handlers.
// A handler error is logged and the message redelivered to that handler, up
// to memoryDeliveryAttempts total attempts.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.historyMu.Lock()
	b.history = append(b.history, msg)
	b.historyMu.Unlock()

	sub, ok := b.subscriptions.Load(msg.Kind())
	if !ok {
		b.logger.Debug("message_unrouted", "kind", msg.Kind(), "correlation_id", msg.Correlation())
		return nil
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	b.logger.Info("message_published",
		"kind", msg.Kind(),
		"correlation_id", msg.Correlation(),
		"handler_count", len(sub.handlers),
	)

	for _, handler := range sub.handlers {
		for attempt := 1; attempt <= memoryDeliveryAttempts; attempt++ {
			err := handler(ctx, msg)
			if err == nil {
				break
			}
			b.logger.Error("handler_failed",
				"kind", msg.Kind(),
				"correlation_id", msg.Correlation(),
				"attempt", attempt,
				"error", err,
			)
		}
	}
	return nil
}

// History returns a copy of every message published so far.
func (b *MemoryBus) History() []Message {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// HistoryByKind returns the published messages of one kind, in publish order.
func (b *MemoryBus) HistoryByKind(kind MessageKind) []Message {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	var out []Message
	for _, msg := range b.history {
		if msg.Kind() == kind {
			out = append(out, msg)
		}
	}
	return out
}
