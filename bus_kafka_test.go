package ordersaga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKafkaBus(t *testing.T) *KafkaBus {
	t.Helper()
	bus, err := NewKafkaBus(KafkaBusConfig{
		Brokers: "localhost:9092, localhost:9093",
		GroupID: "ordersaga-test",
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	bus.redeliveryDelay = time.Millisecond
	return bus
}

func TestKafkaBusRequiresBrokers(t *testing.T) {
	_, err := NewKafkaBus(KafkaBusConfig{Brokers: "  "})
	assert.Error(t, err)
}

func TestKafkaBusBrokerParsingAndTopics(t *testing.T) {
	bus := newTestKafkaBus(t)
	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, bus.brokers())
	assert.Equal(t, "ordersaga.reserve_inventory", bus.topic(KindReserveInventory))

	custom, err := NewKafkaBus(KafkaBusConfig{Brokers: "k1:9092", TopicPrefix: "fulfillment"})
	require.NoError(t, err)
	assert.Equal(t, "fulfillment.payment_processed", custom.topic(KindPaymentProcessed))
}

func TestKafkaDeliverRetriesSameMessageUntilSuccess(t *testing.T) {
	bus := newTestKafkaBus(t)

	msg := PaymentProcessedEvent{MessageMeta: NewMessageMeta(uuid.New())}
	calls := 0
	delivered := bus.deliver(KindPaymentProcessed, msg, func(_ context.Context, got Message) error {
		calls++
		// Always the same message; the consumer must not move on to the next
		// offset while this one is unprocessed.
		assert.Equal(t, msg.Correlation(), got.Correlation())
		if calls < 3 {
			return errors.New("stale read")
		}
		return nil
	})

	assert.True(t, delivered)
	assert.Equal(t, 3, calls)
}

func TestKafkaDeliverPoisonsAfterBoundedAttempts(t *testing.T) {
	bus := newTestKafkaBus(t)

	calls := 0
	delivered := bus.deliver(KindPaymentProcessed, PaymentProcessedEvent{MessageMeta: NewMessageMeta(uuid.New())},
		func(context.Context, Message) error {
			calls++
			return errors.New("always failing")
		})

	// A poison message is reported delivered so its offset commits
	// deliberately instead of wedging the partition.
	assert.True(t, delivered)
	assert.Equal(t, kafkaHandlerAttempts, calls)
}

func TestKafkaDeliverStopsOnClose(t *testing.T) {
	bus := newTestKafkaBus(t)
	bus.redeliveryDelay = time.Minute

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.cancel()
	}()
	delivered := bus.deliver(KindPaymentProcessed, PaymentProcessedEvent{MessageMeta: NewMessageMeta(uuid.New())},
		func(context.Context, Message) error {
			calls++
			return errors.New("still failing")
		})

	assert.False(t, delivered)
	assert.Equal(t, 1, calls)
}
