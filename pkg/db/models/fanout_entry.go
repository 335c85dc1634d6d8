package models

import (
	"time"

	"github.com/google/uuid"
)

// BuyerOrderEntry indexes an order under the buyer's purchase history.
type BuyerOrderEntry struct {
	BuyerID   uuid.UUID `gorm:"column:buyer_id;type:uuid;primaryKey"`
	OrderID   uuid.UUID `gorm:"column:order_id;type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (BuyerOrderEntry) TableName() string { return "buyer_order_history" }

// ProducerQueueEntry indexes an order under a producer's fulfillment queue.
type ProducerQueueEntry struct {
	ProducerID uuid.UUID `gorm:"column:producer_id;type:uuid;primaryKey"`
	OrderID    uuid.UUID `gorm:"column:order_id;type:uuid;primaryKey"`
	BuyerID    uuid.UUID `gorm:"column:buyer_id;type:uuid;not null"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (ProducerQueueEntry) TableName() string { return "producer_fulfillment_queue" }
