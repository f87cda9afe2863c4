package ordersaga

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SagaStep represents the step a saga is currently executing.
type SagaStep int

const (
	StepOrderCreated SagaStep = iota
	StepInventoryReservation
	StepPaymentProcessing
	StepOrderConfirmation
	StepCompleted
	StepCompensating
	StepFailed
)

// String returns the string representation of the SagaStep.
func (s SagaStep) String() string {
	switch s {
	case StepOrderCreated:
		return "OrderCreated"
	case StepInventoryReservation:
		return "InventoryReservation"
	case StepPaymentProcessing:
		return "PaymentProcessing"
	case StepOrderConfirmation:
		return "OrderConfirmation"
	case StepCompleted:
		return "Completed"
	case StepCompensating:
		return "Compensating"
	case StepFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown SagaStep: %d", s)
	}
}

// Terminal reports whether the step ends the saga.
func (s SagaStep) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// MarshalJSON implements the json.Marshaler interface for SagaStep.
func (s SagaStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for SagaStep.
func (s *SagaStep) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "OrderCreated":
		*s = StepOrderCreated
	case "InventoryReservation":
		*s = StepInventoryReservation
	case "PaymentProcessing":
		*s = StepPaymentProcessing
	case "OrderConfirmation":
		*s = StepOrderConfirmation
	case "Completed":
		*s = StepCompleted
	case "Compensating":
		*s = StepCompensating
	case "Failed":
		*s = StepFailed
	default:
		return fmt.Errorf("invalid SagaStep: %s", str)
	}

	return nil
}

// CompensationKind selects which compensating command an action issues.
type CompensationKind string

const (
	CompensationReleaseInventory CompensationKind = "ReleaseInventory"
	CompensationRefundPayment    CompensationKind = "RefundPayment"
)

// ReleaseInventoryParams is the payload of a ReleaseInventory compensation.
type ReleaseInventoryParams struct {
	OrderID uuid.UUID       `json:"order_id"`
	Items   []InventoryItem `json:"items"`
}

// RefundPaymentParams is the payload of a RefundPayment compensation.
type RefundPaymentParams struct {
	OrderID uuid.UUID `json:"order_id"`
	Amount  float64   `json:"amount"`
}

// CompensationAction is a single undo instruction recorded before its step's
// command is published. It is a tagged variant: Kind selects which payload
// pointer is set, so each compensating command carries its own strongly-typed
// parameters.
type CompensationAction struct {
	Kind      CompensationKind        `json:"kind"`
	CreatedAt time.Time               `json:"created_at"`
	Executed  bool                    `json:"executed"`
	Release   *ReleaseInventoryParams `json:"release,omitempty"`
	Refund    *RefundPaymentParams    `json:"refund,omitempty"`
}

// NewReleaseInventoryAction records how to undo an inventory reservation.
func NewReleaseInventoryAction(orderID uuid.UUID, items []InventoryItem, at time.Time) CompensationAction {
	return CompensationAction{
		Kind:      CompensationReleaseInventory,
		CreatedAt: at,
		Release:   &ReleaseInventoryParams{OrderID: orderID, Items: items},
	}
}

// NewRefundPaymentAction records how to undo a payment charge.
func NewRefundPaymentAction(orderID uuid.UUID, amount float64, at time.Time) CompensationAction {
	return CompensationAction{
		Kind:      CompensationRefundPayment,
		CreatedAt: at,
		Refund:    &RefundPaymentParams{OrderID: orderID, Amount: amount},
	}
}

// CompensationAttempt records one dispatch of a compensating command during a
// compensation sweep, in attempt order. The trail makes the sweep auditable
// from persisted state even when individual dispatches fail.
type CompensationAttempt struct {
	Kind        CompensationKind `json:"kind"`
	AttemptedAt time.Time        `json:"attempted_at"`
	Succeeded   bool             `json:"succeeded"`
	Error       string           `json:"error,omitempty"`
}

// SagaState is the durable record of one in-flight order-fulfillment
// transaction. The orchestrator is its only writer; progress flags are
// monotonic and the compensation log is append-only during forward progress.
type SagaState struct {
	OrderID           uuid.UUID             `json:"order_id"`
	CorrelationID     uuid.UUID             `json:"correlation_id"`
	CurrentStep       SagaStep              `json:"current_step"`
	InventoryReserved bool                  `json:"inventory_reserved"`
	PaymentProcessed  bool                  `json:"payment_processed"`
	OrderConfirmed    bool                  `json:"order_confirmed"`
	CompensationLog   []CompensationAction  `json:"compensation_log"`
	Attempts          []CompensationAttempt `json:"compensation_attempts,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`

	// Version is the optimistic concurrency token checked by the store on
	// Save. Zero for a state that has never been persisted.
	Version int64 `json:"version"`
}

// NewSagaState creates the initial state for a fresh saga over the given
// order, with a newly generated correlation id.
func NewSagaState(orderID uuid.UUID, now time.Time) *SagaState {
	return &SagaState{
		OrderID:       orderID,
		CorrelationID: uuid.New(),
		CurrentStep:   StepOrderCreated,
		CreatedAt:     now,
	}
}

// AddCompensationAction appends an undo instruction to the compensation log.
func (s *SagaState) AddCompensationAction(action CompensationAction) {
	s.CompensationLog = append(s.CompensationLog, action)
}

// RecordAttempt appends to the compensation attempt trail.
func (s *SagaState) RecordAttempt(kind CompensationKind, at time.Time, err error) {
	attempt := CompensationAttempt{Kind: kind, AttemptedAt: at, Succeeded: err == nil}
	if err != nil {
		attempt.Error = err.Error()
	}
	s.Attempts = append(s.Attempts, attempt)
}

// pendingCompensations returns indices into CompensationLog for actions not
// yet executed, ordered by CreatedAt descending so the most recently recorded
// effect is undone first. Insertion order breaks ties.
func (s *SagaState) pendingCompensations() []int {
	pending := make([]int, 0, len(s.CompensationLog))
	for i, action := range s.CompensationLog {
		if !action.Executed {
			pending = append(pending, i)
		}
	}
	sort.SliceStable(pending, func(a, b int) bool {
		ca := s.CompensationLog[pending[a]].CreatedAt
		cb := s.CompensationLog[pending[b]].CreatedAt
		if ca.Equal(cb) {
			return pending[a] > pending[b]
		}
		return ca.After(cb)
	})
	return pending
}

// neutralizeCompensation marks the most recent pending action of the given
// kind as executed without dispatching it. Used when the step that recorded
// the action reports an explicit failure: the step had no effect, so there is
// nothing to undo.
func (s *SagaState) neutralizeCompensation(kind CompensationKind) bool {
	for i := len(s.CompensationLog) - 1; i >= 0; i-- {
		action := &s.CompensationLog[i]
		if action.Kind == kind && !action.Executed {
			action.Executed = true
			return true
		}
	}
	return false
}

// clone returns a deep copy so stored state never aliases caller slices.
func (s *SagaState) clone() *SagaState {
	out := *s
	if s.CompensationLog != nil {
		out.CompensationLog = make([]CompensationAction, len(s.CompensationLog))
		copy(out.CompensationLog, s.CompensationLog)
	}
	if s.Attempts != nil {
		out.Attempts = make([]CompensationAttempt, len(s.Attempts))
		copy(out.Attempts, s.Attempts)
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}
