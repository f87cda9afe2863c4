package ordersaga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/segmentio/kafka-go"
)

// KafkaBusConfig configures a KafkaBus.
type KafkaBusConfig struct {
	// Brokers is a comma-separated broker list, e.g. "k1:9092,k2:9092".
	Brokers string
	// GroupID names the consumer group shared by the orchestrator replicas.
	GroupID string
	// TopicPrefix is prepended to the message kind to form the topic name.
	// Defaults to "ordersaga".
	TopicPrefix string
	Logger      *slog.Logger
}

// kafkaHandlerAttempts bounds handler invocations per fetched message before
// the message is declared poison and committed anyway.
const kafkaHandlerAttempts = 5

// KafkaBus is a MessageBus backed by Kafka, one topic per message kind.
// Messages are keyed by correlation id so all messages of one saga land on
// the same partition and preserve order. A fetched message is committed only
// after its handler returns without error; until then the consumer stays on
// that message and re-invokes the handler, giving at-least-once semantics
// without committing past an unprocessed offset.
type KafkaBus struct {
	cfg     KafkaBusConfig
	logger  *slog.Logger
	writers *xsync.MapOf[MessageKind, *kafka.Writer]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	redeliveryDelay time.Duration

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBus creates a bus for the given broker list.
func NewKafkaBus(cfg KafkaBusConfig) (*KafkaBus, error) {
	if strings.TrimSpace(cfg.Brokers) == "" {
		return nil, fmt.Errorf("ordersaga: kafka brokers are required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ordersaga"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		cfg:             cfg,
		logger:          cfg.Logger,
		writers:         xsync.NewMapOf[MessageKind, *kafka.Writer](),
		ctx:             ctx,
		cancel:          cancel,
		redeliveryDelay: time.Second,
	}, nil
}

func (b *KafkaBus) brokers() []string {
	parts := strings.Split(b.cfg.Brokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

func (b *KafkaBus) topic(kind MessageKind) string {
	return b.cfg.TopicPrefix + "." + string(kind)
}

// Publish writes the message as JSON to the kind's topic, keyed by
// correlation id.
func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	writer, _ := b.writers.LoadOrCompute(msg.Kind(), func() *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(b.brokers()...),
			Topic:        b.topic(msg.Kind()),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	})

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ordersaga: marshal %s: %w", msg.Kind(), err)
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Correlation().String()),
		Value: data,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		// Broker connectivity failures are the transient class the
		// resilience policy retries.
		return Transient(fmt.Errorf("ordersaga: publish %s: %w", msg.Kind(), err))
	}

	b.logger.Info("message_published", "kind", msg.Kind(), "correlation_id", msg.Correlation())
	return nil
}

// Subscribe starts a consumer-group reader for the kind's topic and invokes
// the handler once per fetched message. The offset is committed only after
// the handler succeeds; a failing handler is re-invoked on the same message
// with a delay, so the consumer never commits past an unprocessed message.
func (b *KafkaBus) Subscribe(kind MessageKind, handler MessageHandler) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers(),
		Topic:    b.topic(kind),
		GroupID:  b.cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(reader, kind, handler)
}

func (b *KafkaBus) consume(reader *kafka.Reader, kind MessageKind, handler MessageHandler) {
	defer b.wg.Done()

	for {
		fetched, err := reader.FetchMessage(b.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			b.logger.Error("fetch_failed", "kind", kind, "error", err)
			continue
		}

		msg, err := UnmarshalMessage(kind, fetched.Value)
		if err != nil {
			// A message that cannot decode will never decode; commit it
			// rather than redeliver forever.
			b.logger.Error("decode_failed", "kind", kind, "error", err)
			if err := reader.CommitMessages(b.ctx, fetched); err != nil {
				b.logger.Error("commit_failed", "kind", kind, "error", err)
			}
			continue
		}

		if !b.deliver(kind, msg, handler) {
			return
		}

		if err := reader.CommitMessages(b.ctx, fetched); err != nil {
			b.logger.Error("commit_failed", "kind", kind, "error", err)
		}
	}
}

// deliver invokes the handler until it succeeds, waiting redeliveryDelay
// between attempts. Committing offsets is positional, so fetching the next
// message while this one is unprocessed would silently mark it consumed once
// a later offset commits; delivery therefore blocks the partition. After
// kafkaHandlerAttempts failures the message is declared poison and reported
// delivered so its offset can be committed deliberately. Returns false when
// the bus is closing.
func (b *KafkaBus) deliver(kind MessageKind, msg Message, handler MessageHandler) bool {
	for attempt := 1; ; attempt++ {
		err := handler(b.ctx, msg)
		if err == nil {
			return true
		}
		b.logger.Error("handler_failed",
			"kind", kind,
			"correlation_id", msg.Correlation(),
			"attempt", attempt,
			"error", err,
		)

		if attempt >= kafkaHandlerAttempts {
			b.logger.Error("message_poisoned",
				"kind", kind,
				"correlation_id", msg.Correlation(),
				"attempts", attempt,
			)
			return true
		}

		select {
		case <-b.ctx.Done():
			return false
		case <-time.After(b.redeliveryDelay):
		}
	}
}

// Close stops the consumers and flushes the producers.
func (b *KafkaBus) Close() error {
	b.cancel()

	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var firstErr error
	for _, reader := range readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.writers.Range(func(_ MessageKind, writer *kafka.Writer) bool {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})

	b.wg.Wait()
	return firstErr
}
