// Package catalog resolves item details (owner, title, image, category and
// current price) for carts, checkout and order views.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/lookup"
)

// Item is the read model the engine consumes from the catalog.
type Item struct {
	ID         uuid.UUID
	ProducerID uuid.UUID
	Title      string
	ImageURL   *string
	Category   *string
	Price      decimal.Decimal
}

// Lookup resolves items through the guarded repository.
type Lookup struct {
	repo  Repository
	guard *lookup.Guard
}

// NewLookup builds a catalog lookup.
func NewLookup(repo Repository, guard *lookup.Guard) *Lookup {
	return &Lookup{repo: repo, guard: guard}
}

// Resolve returns a single item or NOT_FOUND.
func (l *Lookup) Resolve(ctx context.Context, id uuid.UUID) (Item, error) {
	val, err := l.guard.Do(ctx, "item:"+id.String(), func(ctx context.Context) (any, error) {
		row, err := l.repo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "item not found").
					WithDetails(map[string]any{"item_id": id})
			}
			return nil, err
		}
		return toItem(*row), nil
	})
	if err != nil {
		return Item{}, err
	}
	return val.(Item), nil
}

// ResolveMany returns the items that exist, keyed by id. Missing ids are
// omitted so callers can report exactly which ones did not resolve.
func (l *Lookup) ResolveMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Item, error) {
	unique := dedupe(ids)
	if len(unique) == 0 {
		return map[uuid.UUID]Item{}, nil
	}
	val, err := l.guard.Do(ctx, "items:"+joinIDs(unique), func(ctx context.Context) (any, error) {
		rows, err := l.repo.FindByIDs(ctx, unique)
		if err != nil {
			return nil, err
		}
		out := make(map[uuid.UUID]Item, len(rows))
		for _, row := range rows {
			out[row.ID] = toItem(row)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	// the shared map is copied so collapsed callers never alias each other
	shared := val.(map[uuid.UUID]Item)
	out := make(map[uuid.UUID]Item, len(shared))
	for k, v := range shared {
		out[k] = v
	}
	return out, nil
}

func toItem(row models.CatalogItem) Item {
	return Item{
		ID:         row.ID,
		ProducerID: row.ProducerID,
		Title:      row.Title,
		ImageURL:   row.ImageURL,
		Category:   row.Category,
		Price:      row.Price,
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
