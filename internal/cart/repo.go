package cart

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
)

// ErrInsufficientQuantity is returned by Consume when the line is missing or
// holds less than the requested quantity.
var ErrInsufficientQuantity = errors.New("cart line quantity insufficient")

type repository struct {
	db *gorm.DB
}

// NewRepository builds a cart repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) List(ctx context.Context, buyerID uuid.UUID) ([]models.CartLine, error) {
	var lines []models.CartLine
	err := r.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID).
		Order("created_at ASC").
		Order("item_id ASC").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repository) Find(ctx context.Context, buyerID, itemID uuid.UUID) (*models.CartLine, error) {
	var line models.CartLine
	err := r.db.WithContext(ctx).
		Where("buyer_id = ? AND item_id = ?", buyerID, itemID).
		First(&line).Error
	if err != nil {
		return nil, err
	}
	return &line, nil
}

func (r *repository) Increment(ctx context.Context, buyerID, itemID uuid.UUID, quantity int) error {
	now := time.Now().UTC()
	line := models.CartLine{
		BuyerID:   buyerID,
		ItemID:    itemID,
		Quantity:  quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "buyer_id"}, {Name: "item_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"quantity":   gorm.Expr("cart_lines.quantity + ?", quantity),
				"updated_at": now,
			}),
		}).
		Create(&line).Error
}

func (r *repository) SetQuantity(ctx context.Context, buyerID, itemID uuid.UUID, quantity int) error {
	now := time.Now().UTC()
	line := models.CartLine{
		BuyerID:   buyerID,
		ItemID:    itemID,
		Quantity:  quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "buyer_id"}, {Name: "item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
		}).
		Create(&line).Error
}

func (r *repository) Delete(ctx context.Context, buyerID, itemID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("buyer_id = ? AND item_id = ?", buyerID, itemID).
		Delete(&models.CartLine{})
	return res.RowsAffected, res.Error
}

func (r *repository) Clear(ctx context.Context, buyerID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID).
		Delete(&models.CartLine{}).Error
}

// Consume takes quantity off a line. A line that would reach zero is
// deleted instead, so the quantity >= 1 constraint always holds and lines
// added concurrently for other items are left alone.
func (r *repository) Consume(ctx context.Context, buyerID, itemID uuid.UUID, quantity int) error {
	if quantity < 1 {
		return errors.New("consume quantity must be positive")
	}
	db := r.db.WithContext(ctx)
	res := db.Model(&models.CartLine{}).
		Where("buyer_id = ? AND item_id = ? AND quantity > ?", buyerID, itemID, quantity).
		Updates(map[string]any{
			"quantity":   gorm.Expr("quantity - ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	res = db.Where("buyer_id = ? AND item_id = ? AND quantity = ?", buyerID, itemID, quantity).
		Delete(&models.CartLine{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientQuantity
	}
	return nil
}
