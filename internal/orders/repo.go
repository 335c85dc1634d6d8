package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Create inserts the order and its lines.
func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines", orderedLines).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Order, error) {
	if len(ids) == 0 {
		return []models.Order{}, nil
	}
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines", orderedLines).
		Where("id IN ?", ids).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repository) FindByCheckoutToken(ctx context.Context, buyerID uuid.UUID, token string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines", orderedLines).
		Where("buyer_id = ? AND checkout_token = ?", buyerID, token).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionStatus moves the order only if it is still in from.
func (r *repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to enums.OrderStatus, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(statusUpdates(to, at))
	return res.RowsAffected, res.Error
}

// OverwriteStatus sets the status regardless of the current one.
func (r *repository) OverwriteStatus(ctx context.Context, id uuid.UUID, to enums.OrderStatus, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(statusUpdates(to, at)).Error
}

func (r *repository) HasDeliveredPurchase(ctx context.Context, buyerID, itemID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.OrderLine{}).
		Joins("JOIN orders ON orders.id = order_lines.order_id").
		Where("orders.buyer_id = ? AND orders.status = ? AND order_lines.item_id = ?", buyerID, enums.OrderStatusDelivered, itemID).
		Count(&count).Error
	return count > 0, err
}

func statusUpdates(to enums.OrderStatus, at time.Time) map[string]any {
	updates := map[string]any{"status": to}
	switch to {
	case enums.OrderStatusDelivered:
		updates["delivered_at"] = at
		updates["cancelled_at"] = nil
	case enums.OrderStatusCancelled:
		updates["cancelled_at"] = at
		updates["delivered_at"] = nil
	case enums.OrderStatusPending:
		updates["delivered_at"] = nil
		updates["cancelled_at"] = nil
	}
	return updates
}

func orderedLines(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC").Order("id ASC")
}
