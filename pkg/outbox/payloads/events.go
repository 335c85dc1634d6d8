package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
)

// OrderCreatedEvent is emitted in the checkout transaction.
type OrderCreatedEvent struct {
	OrderID     uuid.UUID   `json:"order_id"`
	BuyerID     uuid.UUID   `json:"buyer_id"`
	ProducerIDs []uuid.UUID `json:"producer_ids"`
	TotalAmount string      `json:"total_amount"`
	LineCount   int         `json:"line_count"`
}

// OrderDeliveredEvent is emitted when a producer marks an order delivered.
type OrderDeliveredEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	ProducerID  uuid.UUID `json:"producer_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// OrderCancelledEvent is emitted when a buyer removes a pending order.
type OrderCancelledEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// OrderStatusOverriddenEvent records an administrative status change.
type OrderStatusOverriddenEvent struct {
	OrderID    uuid.UUID         `json:"order_id"`
	AdminID    uuid.UUID         `json:"admin_id"`
	FromStatus enums.OrderStatus `json:"from_status"`
	ToStatus   enums.OrderStatus `json:"to_status"`
}

// OrderRef is implemented by every order payload so consumers can route on it.
type OrderRef interface {
	OrderRef() uuid.UUID
}

func (e OrderCreatedEvent) OrderRef() uuid.UUID          { return e.OrderID }
func (e OrderDeliveredEvent) OrderRef() uuid.UUID        { return e.OrderID }
func (e OrderCancelledEvent) OrderRef() uuid.UUID        { return e.OrderID }
func (e OrderStatusOverriddenEvent) OrderRef() uuid.UUID { return e.OrderID }
