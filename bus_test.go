package ordersaga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDispatchAndHistory(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(testLogger())

	var received []Message
	bus.Subscribe(KindReserveInventory, func(_ context.Context, msg Message) error {
		received = append(received, msg)
		return nil
	})

	cmd := ReserveInventoryCommand{
		MessageMeta: NewMessageMeta(uuid.New()),
		OrderID:     uuid.New(),
		Items:       []InventoryItem{{ProductID: uuid.New(), Quantity: 1}},
	}
	require.NoError(t, bus.Publish(ctx, cmd))

	require.Len(t, received, 1)
	assert.Equal(t, cmd.Correlation(), received[0].Correlation())
	assert.Len(t, bus.History(), 1)
	assert.Len(t, bus.HistoryByKind(KindReserveInventory), 1)
	assert.Empty(t, bus.HistoryByKind(KindProcessPayment))
}

func TestMemoryBusRedeliversOnHandlerError(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(testLogger())

	calls := 0
	bus.Subscribe(KindPaymentProcessed, func(context.Context, Message) error {
		calls++
		if calls == 1 {
			return errors.New("stale read")
		}
		return nil
	})

	event := PaymentProcessedEvent{MessageMeta: NewMessageMeta(uuid.New()), IsSuccessful: true}
	require.NoError(t, bus.Publish(ctx, event))
	assert.Equal(t, 2, calls, "failed delivery is retried")
}

func TestMemoryBusBoundsRedelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(testLogger())

	calls := 0
	bus.Subscribe(KindPaymentProcessed, func(context.Context, Message) error {
		calls++
		return errors.New("always failing")
	})

	event := PaymentProcessedEvent{MessageMeta: NewMessageMeta(uuid.New())}
	require.NoError(t, bus.Publish(ctx, event))
	assert.Equal(t, memoryDeliveryAttempts, calls)
}

func TestMemoryBusUnroutedKindIsFireAndForget(t *testing.T) {
	bus := NewMemoryBus(testLogger())
	err := bus.Publish(context.Background(), OrderCompletedEvent{MessageMeta: NewMessageMeta(uuid.New())})
	assert.NoError(t, err)
}

func TestUnmarshalMessageRoundTrip(t *testing.T) {
	cmd := ProcessPaymentCommand{
		MessageMeta: NewMessageMeta(uuid.New()),
		OrderID:     uuid.New(),
		CustomerID:  uuid.New(),
		Amount:      149.99,
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	decoded, err := UnmarshalMessage(KindProcessPayment, data)
	require.NoError(t, err)

	payment, ok := decoded.(ProcessPaymentCommand)
	require.True(t, ok)
	assert.Equal(t, cmd.OrderID, payment.OrderID)
	assert.Equal(t, cmd.Amount, payment.Amount)
	assert.Equal(t, cmd.Correlation(), payment.Correlation())
}

func TestUnmarshalMessageUnknownKind(t *testing.T) {
	_, err := UnmarshalMessage(MessageKind("ship_order"), []byte(`{}`))
	assert.Error(t, err)
}

func TestUnmarshalMessageEventWithTimestamps(t *testing.T) {
	event := InventoryReservedEvent{
		MessageMeta:       NewMessageMeta(uuid.New()),
		OrderID:           uuid.New(),
		ReservedItems:     []InventoryItem{{ProductID: uuid.New(), Quantity: 3}},
		ReservationExpiry: time.Unix(1_700_000_900, 0).UTC(),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	decoded, err := UnmarshalMessage(KindInventoryReserved, data)
	require.NoError(t, err)

	reserved, ok := decoded.(InventoryReservedEvent)
	require.True(t, ok)
	assert.Equal(t, event.ReservationExpiry, reserved.ReservationExpiry)
	require.Len(t, reserved.ReservedItems, 1)
	assert.Equal(t, 3, reserved.ReservedItems[0].Quantity)
}
