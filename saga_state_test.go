package ordersaga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingCompensationsDescendingOrder(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	orderID := uuid.New()

	state := NewSagaState(orderID, base)
	state.AddCompensationAction(NewReleaseInventoryAction(orderID, nil, base))
	state.AddCompensationAction(NewRefundPaymentAction(orderID, 10, base.Add(time.Second)))
	state.AddCompensationAction(NewReleaseInventoryAction(orderID, nil, base.Add(2*time.Second)))

	// Mark the middle action executed; it must be skipped.
	state.CompensationLog[1].Executed = true

	assert.Equal(t, []int{2, 0}, state.pendingCompensations())
}

func TestPendingCompensationsTieBreakOnInsertionOrder(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	orderID := uuid.New()

	state := NewSagaState(orderID, at)
	state.AddCompensationAction(NewReleaseInventoryAction(orderID, nil, at))
	state.AddCompensationAction(NewRefundPaymentAction(orderID, 10, at))

	// Same timestamp: the later insertion is undone first.
	assert.Equal(t, []int{1, 0}, state.pendingCompensations())
}

func TestNeutralizeCompensation(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	orderID := uuid.New()

	state := NewSagaState(orderID, at)
	state.AddCompensationAction(NewReleaseInventoryAction(orderID, nil, at))
	state.AddCompensationAction(NewRefundPaymentAction(orderID, 25, at.Add(time.Second)))

	require.True(t, state.neutralizeCompensation(CompensationRefundPayment))
	assert.True(t, state.CompensationLog[1].Executed)
	assert.False(t, state.CompensationLog[0].Executed)

	// Nothing pending of that kind anymore.
	assert.False(t, state.neutralizeCompensation(CompensationRefundPayment))
	assert.Equal(t, []int{0}, state.pendingCompensations())
}

func TestRecordAttemptTrail(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	state := NewSagaState(uuid.New(), at)

	state.RecordAttempt(CompensationRefundPayment, at, assert.AnError)
	state.RecordAttempt(CompensationReleaseInventory, at.Add(time.Second), nil)

	require.Len(t, state.Attempts, 2)
	assert.Equal(t, CompensationRefundPayment, state.Attempts[0].Kind)
	assert.False(t, state.Attempts[0].Succeeded)
	assert.Equal(t, assert.AnError.Error(), state.Attempts[0].Error)
	assert.Equal(t, CompensationReleaseInventory, state.Attempts[1].Kind)
	assert.True(t, state.Attempts[1].Succeeded)
	assert.Empty(t, state.Attempts[1].Error)
}

func TestSagaStepJSON(t *testing.T) {
	data, err := json.Marshal(StepPaymentProcessing)
	require.NoError(t, err)
	assert.Equal(t, `"PaymentProcessing"`, string(data))

	var step SagaStep
	require.NoError(t, json.Unmarshal([]byte(`"Compensating"`), &step))
	assert.Equal(t, StepCompensating, step)

	assert.Error(t, json.Unmarshal([]byte(`"Rewinding"`), &step))
}

func TestSagaStepTerminal(t *testing.T) {
	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepFailed.Terminal())
	assert.False(t, StepCompensating.Terminal())
	assert.False(t, StepOrderCreated.Terminal())
}

func TestSagaStateSerializationRoundTrip(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	orderID := uuid.New()

	state := NewSagaState(orderID, at)
	state.CurrentStep = StepPaymentProcessing
	state.InventoryReserved = true
	state.AddCompensationAction(NewReleaseInventoryAction(orderID, []InventoryItem{{ProductID: uuid.New(), Quantity: 2}}, at))
	state.AddCompensationAction(NewRefundPaymentAction(orderID, 99.5, at.Add(time.Second)))
	state.RecordAttempt(CompensationRefundPayment, at.Add(2*time.Second), nil)

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded SagaState
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, state.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, StepPaymentProcessing, decoded.CurrentStep)
	assert.True(t, decoded.InventoryReserved)
	require.Len(t, decoded.CompensationLog, 2)
	require.NotNil(t, decoded.CompensationLog[0].Release)
	assert.Equal(t, 2, decoded.CompensationLog[0].Release.Items[0].Quantity)
	require.NotNil(t, decoded.CompensationLog[1].Refund)
	assert.Equal(t, 99.5, decoded.CompensationLog[1].Refund.Amount)
	require.Len(t, decoded.Attempts, 1)
	assert.True(t, decoded.Attempts[0].Succeeded)
}
