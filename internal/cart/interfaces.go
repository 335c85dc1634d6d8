package cart

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
)

// Repository defines the persistence surface for buyer carts. Quantity
// changes are single statements so concurrent writers never lose updates.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	List(ctx context.Context, buyerID uuid.UUID) ([]models.CartLine, error)
	Find(ctx context.Context, buyerID, itemID uuid.UUID) (*models.CartLine, error)
	Increment(ctx context.Context, buyerID, itemID uuid.UUID, quantity int) error
	SetQuantity(ctx context.Context, buyerID, itemID uuid.UUID, quantity int) error
	Delete(ctx context.Context, buyerID, itemID uuid.UUID) (int64, error)
	Clear(ctx context.Context, buyerID uuid.UUID) error
	Consume(ctx context.Context, buyerID, itemID uuid.UUID, quantity int) error
}
