package ordersaga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies the type of a command or event on the wire. It
// selects the handler on Subscribe and the decoder on the consuming side.
type MessageKind string

const (
	KindReserveInventory           MessageKind = "reserve_inventory"
	KindProcessPayment             MessageKind = "process_payment"
	KindReleaseInventory           MessageKind = "release_inventory"
	KindRefundPayment              MessageKind = "refund_payment"
	KindInventoryReserved          MessageKind = "inventory_reserved"
	KindPaymentProcessed           MessageKind = "payment_processed"
	KindInventoryReservationFailed MessageKind = "inventory_reservation_failed"
	KindPaymentFailed              MessageKind = "payment_failed"
	KindOrderCompleted             MessageKind = "order_completed"
)

// Message is a command or event exchanged with the external services. Every
// message carries the correlation id of the saga instance it belongs to so an
// inbound event can be re-attached to the correct SagaState.
type Message interface {
	Kind() MessageKind
	Correlation() uuid.UUID
}

// MessageMeta carries the fields common to every command and event.
type MessageMeta struct {
	MessageID     uuid.UUID `json:"message_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewMessageMeta stamps a fresh message id and occurrence time for the given
// saga instance.
func NewMessageMeta(correlationID uuid.UUID) MessageMeta {
	return MessageMeta{
		MessageID:     uuid.New(),
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
	}
}

// Correlation returns the correlation id of the saga instance.
func (m MessageMeta) Correlation() uuid.UUID {
	return m.CorrelationID
}

// InventoryItem is the wire form of a product/quantity pair.
type InventoryItem struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// ReserveInventoryCommand asks the inventory service to reserve stock for an
// order.
type ReserveInventoryCommand struct {
	MessageMeta
	OrderID uuid.UUID       `json:"order_id"`
	Items   []InventoryItem `json:"items"`
}

func (ReserveInventoryCommand) Kind() MessageKind { return KindReserveInventory }

// ProcessPaymentCommand asks the payment service to charge the customer.
type ProcessPaymentCommand struct {
	MessageMeta
	OrderID    uuid.UUID `json:"order_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Amount     float64   `json:"amount"`
}

func (ProcessPaymentCommand) Kind() MessageKind { return KindProcessPayment }

// ReleaseInventoryCommand compensates a prior reservation.
type ReleaseInventoryCommand struct {
	MessageMeta
	OrderID uuid.UUID       `json:"order_id"`
	Items   []InventoryItem `json:"items"`
}

func (ReleaseInventoryCommand) Kind() MessageKind { return KindReleaseInventory }

// RefundPaymentCommand compensates a prior charge.
type RefundPaymentCommand struct {
	MessageMeta
	OrderID uuid.UUID `json:"order_id"`
	Amount  float64   `json:"amount"`
}

func (RefundPaymentCommand) Kind() MessageKind { return KindRefundPayment }

// InventoryReservedEvent reports a successful reservation.
type InventoryReservedEvent struct {
	MessageMeta
	OrderID           uuid.UUID       `json:"order_id"`
	ReservedItems     []InventoryItem `json:"reserved_items"`
	ReservationExpiry time.Time       `json:"reservation_expiry"`
}

func (InventoryReservedEvent) Kind() MessageKind { return KindInventoryReserved }

// PaymentProcessedEvent reports the outcome of a charge attempt. A declined
// payment is a normal event with IsSuccessful=false, not an error.
type PaymentProcessedEvent struct {
	MessageMeta
	OrderID      uuid.UUID `json:"order_id"`
	PaymentID    uuid.UUID `json:"payment_id"`
	Amount       float64   `json:"amount"`
	IsSuccessful bool      `json:"is_successful"`
}

func (PaymentProcessedEvent) Kind() MessageKind { return KindPaymentProcessed }

// InventoryReservationFailedEvent reports that stock could not be reserved.
type InventoryReservationFailedEvent struct {
	MessageMeta
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}

func (InventoryReservationFailedEvent) Kind() MessageKind {
	return KindInventoryReservationFailed
}

// PaymentFailedEvent reports that the payment step failed outright.
type PaymentFailedEvent struct {
	MessageMeta
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}

func (PaymentFailedEvent) Kind() MessageKind { return KindPaymentFailed }

// OrderCompletedEvent announces terminal success of the saga.
type OrderCompletedEvent struct {
	MessageMeta
	OrderID     uuid.UUID `json:"order_id"`
	CompletedAt time.Time `json:"completed_at"`
}

func (OrderCompletedEvent) Kind() MessageKind { return KindOrderCompleted }

// UnmarshalMessage decodes the JSON payload of a message of the given kind
// into its concrete type. Transports use it to recover typed messages on the
// consuming side.
func UnmarshalMessage(kind MessageKind, data []byte) (Message, error) {
	switch kind {
	case KindReserveInventory:
		var msg ReserveInventoryCommand
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	case KindProcessPayment:
		var msg ProcessPaymentCommand
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	case KindReleaseInventory:
		var msg ReleaseInventoryCommand
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	case KindRefundPayment:
		var msg RefundPaymentCommand
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	case KindInventoryReserved:
		var msg InventoryReservedEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	case KindPaymentProcessed:
		var msg PaymentProcessedEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	case KindInventoryReservationFailed:
		var msg InventoryReservationFailedEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	case KindPaymentFailed:
		var msg PaymentFailedEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	case KindOrderCompleted:
		var msg OrderCompletedEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("ordersaga: decode %s: %w", kind, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("ordersaga: unknown message kind %q", kind)
	}
}
