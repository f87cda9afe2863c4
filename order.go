package ordersaga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderStatus represents the lifecycle status of an order aggregate.
type OrderStatus int

const (
	OrderStatusCreated OrderStatus = iota
	OrderStatusInventoryReserved
	OrderStatusPaymentProcessed
	OrderStatusCompleted
	OrderStatusFailed
	OrderStatusCompensating
)

// String returns the string representation of the OrderStatus.
func (s OrderStatus) String() string {
	switch s {
	case OrderStatusCreated:
		return "created"
	case OrderStatusInventoryReserved:
		return "inventory_reserved"
	case OrderStatusPaymentProcessed:
		return "payment_processed"
	case OrderStatusCompleted:
		return "completed"
	case OrderStatusFailed:
		return "failed"
	case OrderStatusCompensating:
		return "compensating"
	default:
		return fmt.Sprintf("Unknown OrderStatus: %d", s)
	}
}

// OrderItem is a single line item on an order.
type OrderItem struct {
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Price       float64   `json:"price"`
	Quantity    int       `json:"quantity"`
}

// Order is the business aggregate whose fulfillment the saga coordinates.
// The saga never mutates it; order persistence is an external concern.
type Order struct {
	ID          uuid.UUID   `json:"id"`
	CustomerID  uuid.UUID   `json:"customer_id"`
	Status      OrderStatus `json:"status"`
	Items       []OrderItem `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// TotalAmount is the sum of price times quantity over all items.
func (o *Order) TotalAmount() float64 {
	var total float64
	for _, item := range o.Items {
		total += item.Price * float64(item.Quantity)
	}
	return total
}

// InventoryItems projects the order lines into the form inventory commands
// carry on the wire.
func (o *Order) InventoryItems() []InventoryItem {
	items := make([]InventoryItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, InventoryItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return items
}

// OrderRepository fetches order aggregates by id. The orchestrator re-fetches
// the order before building the payment command so the charged amount
// reflects the current aggregate.
type OrderRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
}
