// Package cart keeps each buyer's mutable list of pending selections.
package cart

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/farmmarket-backend/internal/catalog"
	"github.com/angelmondragon/farmmarket-backend/internal/identity"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
)

type buyerResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (identity.User, error)
}

type itemResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (catalog.Item, error)
	ResolveMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]catalog.Item, error)
}

// Service exposes buyer cart operations.
type Service interface {
	Read(ctx context.Context, buyerID uuid.UUID) (*View, error)
	AddLine(ctx context.Context, input AddLineInput) (*View, error)
	SetQuantity(ctx context.Context, buyerID, itemID uuid.UUID, quantity int) (*View, error)
	RemoveLine(ctx context.Context, buyerID, itemID uuid.UUID) (*View, error)
	Clear(ctx context.Context, buyerID uuid.UUID) (*View, error)
}

// AddLineInput adds Quantity units of ItemID to the buyer's cart.
type AddLineInput struct {
	BuyerID  uuid.UUID
	ItemID   uuid.UUID
	Quantity int
}

type service struct {
	repo    Repository
	buyers  buyerResolver
	catalog itemResolver
	locker  Locker
	logg    *logger.Logger
}

// NewService builds a cart service backed by the provided stack.
func NewService(repo Repository, buyers buyerResolver, items itemResolver, locker Locker, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if buyers == nil {
		return nil, fmt.Errorf("identity lookup required")
	}
	if items == nil {
		return nil, fmt.Errorf("catalog lookup required")
	}
	if locker == nil {
		return nil, fmt.Errorf("cart locker required")
	}
	return &service{
		repo:    repo,
		buyers:  buyers,
		catalog: items,
		locker:  locker,
		logg:    logg,
	}, nil
}

func (s *service) Read(ctx context.Context, buyerID uuid.UUID) (*View, error) {
	if _, err := s.buyers.Resolve(ctx, buyerID); err != nil {
		return nil, err
	}
	return s.view(ctx, buyerID)
}

func (s *service) AddLine(ctx context.Context, input AddLineInput) (*View, error) {
	if input.Quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}
	if _, err := s.buyers.Resolve(ctx, input.BuyerID); err != nil {
		return nil, err
	}
	if _, err := s.catalog.Resolve(ctx, input.ItemID); err != nil {
		return nil, err
	}

	err := s.withLock(ctx, input.BuyerID, func() error {
		if err := s.repo.Increment(ctx, input.BuyerID, input.ItemID, input.Quantity); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "add cart line")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.view(ctx, input.BuyerID)
}

func (s *service) SetQuantity(ctx context.Context, buyerID, itemID uuid.UUID, quantity int) (*View, error) {
	if _, err := s.buyers.Resolve(ctx, buyerID); err != nil {
		return nil, err
	}
	if quantity > 0 {
		if _, err := s.catalog.Resolve(ctx, itemID); err != nil {
			return nil, err
		}
	}

	err := s.withLock(ctx, buyerID, func() error {
		if quantity <= 0 {
			if _, err := s.repo.Delete(ctx, buyerID, itemID); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove cart line")
			}
			return nil
		}
		if err := s.repo.SetQuantity(ctx, buyerID, itemID, quantity); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set cart quantity")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.view(ctx, buyerID)
}

func (s *service) RemoveLine(ctx context.Context, buyerID, itemID uuid.UUID) (*View, error) {
	if _, err := s.buyers.Resolve(ctx, buyerID); err != nil {
		return nil, err
	}

	err := s.withLock(ctx, buyerID, func() error {
		removed, err := s.repo.Delete(ctx, buyerID, itemID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove cart line")
		}
		if removed == 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "cart line not found")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.view(ctx, buyerID)
}

func (s *service) Clear(ctx context.Context, buyerID uuid.UUID) (*View, error) {
	if _, err := s.buyers.Resolve(ctx, buyerID); err != nil {
		return nil, err
	}

	err := s.withLock(ctx, buyerID, func() error {
		if err := s.repo.Clear(ctx, buyerID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear cart")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &View{BuyerID: buyerID, Lines: []LineView{}, Subtotal: decimal.Zero}, nil
}

func (s *service) withLock(ctx context.Context, buyerID uuid.UUID, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, buyerID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (s *service) view(ctx context.Context, buyerID uuid.UUID) (*View, error) {
	lines, err := s.repo.List(ctx, buyerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list cart lines")
	}

	ids := make([]uuid.UUID, len(lines))
	for i, line := range lines {
		ids[i] = line.ItemID
	}
	items, err := s.catalog.ResolveMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := &View{BuyerID: buyerID, Lines: make([]LineView, 0, len(lines)), Subtotal: decimal.Zero}
	for _, line := range lines {
		lv := LineView{ItemID: line.ItemID, Quantity: line.Quantity}
		out.ItemCount += line.Quantity
		if item, ok := items[line.ItemID]; ok {
			price := item.Price
			total := price.Mul(decimal.NewFromInt(int64(line.Quantity)))
			producerID := item.ProducerID
			lv.Available = true
			lv.Title = item.Title
			lv.ImageURL = item.ImageURL
			lv.Category = item.Category
			lv.ProducerID = &producerID
			lv.UnitPrice = &price
			lv.LineTotal = &total
			out.Subtotal = out.Subtotal.Add(total)
		}
		out.Lines = append(out.Lines, lv)
	}
	return out, nil
}
