package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/farmmarket-backend/internal/catalog"
	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
)

// Actor is the authenticated caller of an order read.
type Actor struct {
	UserID uuid.UUID
	Role   enums.UserRole
}

// OrderDTO is the order payload returned to buyers, producers and admins.
type OrderDTO struct {
	ID              uuid.UUID         `json:"id"`
	BuyerID         uuid.UUID         `json:"buyer_id"`
	Status          enums.OrderStatus `json:"status"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	DeliveryAddress string            `json:"delivery_address"`
	Lines           []LineDTO         `json:"lines"`
	FanoutWarning   *string           `json:"fanout_warning,omitempty"`
	DeliveredAt     *time.Time        `json:"delivered_at,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// LineDTO carries the purchase-time snapshot plus current item details.
type LineDTO struct {
	ItemID     uuid.UUID       `json:"item_id"`
	ProducerID uuid.UUID       `json:"producer_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	LineTotal  decimal.Decimal `json:"line_total"`
	Title      string          `json:"title,omitempty"`
	ImageURL   *string         `json:"image_url,omitempty"`
	Category   *string         `json:"category,omitempty"`
}

// OrderList is one page of orders, newest first.
type OrderList struct {
	Orders     []OrderDTO `json:"orders"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// RemoveResult confirms a buyer removal.
type RemoveResult struct {
	OrderID     uuid.UUID         `json:"order_id"`
	Status      enums.OrderStatus `json:"status"`
	CancelledAt *time.Time        `json:"cancelled_at,omitempty"`
}

// Eligibility answers whether a buyer received an item.
type Eligibility struct {
	ItemID   uuid.UUID `json:"item_id"`
	Eligible bool      `json:"eligible"`
}

// AdminStatusInput is the administrative status overwrite.
type AdminStatusInput struct {
	AdminID uuid.UUID
	OrderID uuid.UUID
	Status  string
}

// BuildOrderDTO maps a ledger row. Item details are joined when present in
// items; the price snapshot always comes from the line.
func BuildOrderDTO(order models.Order, items map[uuid.UUID]catalog.Item) OrderDTO {
	dto := OrderDTO{
		ID:              order.ID,
		BuyerID:         order.BuyerID,
		Status:          order.Status,
		TotalAmount:     order.TotalAmount,
		DeliveryAddress: order.DeliveryAddress,
		Lines:           make([]LineDTO, 0, len(order.Lines)),
		FanoutWarning:   order.FanoutWarning,
		DeliveredAt:     order.DeliveredAt,
		CancelledAt:     order.CancelledAt,
		CreatedAt:       order.CreatedAt,
	}
	for _, line := range order.Lines {
		ld := LineDTO{
			ItemID:     line.ItemID,
			ProducerID: line.ProducerID,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			LineTotal:  line.LineTotal,
		}
		if item, ok := items[line.ItemID]; ok {
			ld.Title = item.Title
			ld.ImageURL = item.ImageURL
			ld.Category = item.Category
		}
		dto.Lines = append(dto.Lines, ld)
	}
	return dto
}

func itemIDsOf(orders ...models.Order) []uuid.UUID {
	var ids []uuid.UUID
	for _, order := range orders {
		for _, line := range order.Lines {
			ids = append(ids, line.ItemID)
		}
	}
	return ids
}
