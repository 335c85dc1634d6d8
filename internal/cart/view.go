package cart

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// View is a cart joined with live catalog details. It is computed on read
// and never persisted.
type View struct {
	BuyerID   uuid.UUID       `json:"buyer_id"`
	Lines     []LineView      `json:"lines"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	ItemCount int             `json:"item_count"`
}

// LineView is one cart line with the item's current catalog state. Lines
// whose item no longer resolves are returned with Available=false and are
// left out of the subtotal.
type LineView struct {
	ItemID     uuid.UUID        `json:"item_id"`
	Quantity   int              `json:"quantity"`
	Available  bool             `json:"available"`
	Title      string           `json:"title,omitempty"`
	ImageURL   *string          `json:"image_url,omitempty"`
	Category   *string          `json:"category,omitempty"`
	ProducerID *uuid.UUID       `json:"producer_id,omitempty"`
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
	LineTotal  *decimal.Decimal `json:"line_total,omitempty"`
}
