package models

import (
	"time"

	"github.com/google/uuid"
)

// CartLine is one (buyer, item) entry in a buyer's persisted cart.
type CartLine struct {
	BuyerID   uuid.UUID `gorm:"column:buyer_id;type:uuid;primaryKey"`
	ItemID    uuid.UUID `gorm:"column:item_id;type:uuid;primaryKey"`
	Quantity  int       `gorm:"column:quantity;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (CartLine) TableName() string { return "cart_lines" }
