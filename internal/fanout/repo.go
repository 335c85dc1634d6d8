package fanout

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/pagination"
)

// Repository persists the buyer history and producer queue views and the
// indexing marker on the order row.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	UpsertBuyerEntry(ctx context.Context, entry models.BuyerOrderEntry) error
	UpsertProducerEntry(ctx context.Context, entry models.ProducerQueueEntry) error
	DeleteBuyerEntries(ctx context.Context, orderID uuid.UUID) error
	DeleteProducerEntries(ctx context.Context, orderID uuid.UUID, keep []uuid.UUID) error
	MarkIndexed(ctx context.Context, orderID uuid.UUID, at time.Time, warning *string) error
	ListBuyerEntries(ctx context.Context, buyerID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.BuyerOrderEntry, error)
	ListProducerEntries(ctx context.Context, producerID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.ProducerQueueEntry, error)
	HasProducerEntry(ctx context.Context, producerID, orderID uuid.UUID) (bool, error)
	HasBuyerEntry(ctx context.Context, buyerID, orderID uuid.UUID) (bool, error)
	FindUnindexedBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a fan-out repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines").
		Where("id = ?", orderID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) UpsertBuyerEntry(ctx context.Context, entry models.BuyerOrderEntry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error
}

func (r *repository) UpsertProducerEntry(ctx context.Context, entry models.ProducerQueueEntry) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error
}

func (r *repository) DeleteBuyerEntries(ctx context.Context, orderID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Delete(&models.BuyerOrderEntry{}).Error
}

func (r *repository) DeleteProducerEntries(ctx context.Context, orderID uuid.UUID, keep []uuid.UUID) error {
	query := r.db.WithContext(ctx).Where("order_id = ?", orderID)
	if len(keep) > 0 {
		query = query.Where("producer_id NOT IN ?", keep)
	}
	return query.Delete(&models.ProducerQueueEntry{}).Error
}

func (r *repository) MarkIndexed(ctx context.Context, orderID uuid.UUID, at time.Time, warning *string) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]any{
			"fanout_indexed_at": at,
			"fanout_warning":    warning,
		}).Error
}

func (r *repository) ListBuyerEntries(ctx context.Context, buyerID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.BuyerOrderEntry, error) {
	query := r.db.WithContext(ctx).Where("buyer_id = ?", buyerID)
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND order_id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var entries []models.BuyerOrderEntry
	err := query.
		Order("created_at DESC").
		Order("order_id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListProducerEntries(ctx context.Context, producerID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.ProducerQueueEntry, error) {
	query := r.db.WithContext(ctx).Where("producer_id = ?", producerID)
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND order_id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var entries []models.ProducerQueueEntry
	err := query.
		Order("created_at DESC").
		Order("order_id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) HasProducerEntry(ctx context.Context, producerID, orderID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ProducerQueueEntry{}).
		Where("producer_id = ? AND order_id = ?", producerID, orderID).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) HasBuyerEntry(ctx context.Context, buyerID, orderID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BuyerOrderEntry{}).
		Where("buyer_id = ? AND order_id = ?", buyerID, orderID).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) FindUnindexedBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("fanout_indexed_at IS NULL AND created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
