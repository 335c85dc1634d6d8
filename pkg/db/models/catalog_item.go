package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CatalogItem is a purchasable listing owned by a producer.
type CatalogItem struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	ProducerID uuid.UUID       `gorm:"column:producer_id;type:uuid;not null;index"`
	Title      string          `gorm:"column:title;not null"`
	ImageURL   *string         `gorm:"column:image_url"`
	Category   *string         `gorm:"column:category"`
	Price      decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (CatalogItem) TableName() string { return "catalog_items" }
