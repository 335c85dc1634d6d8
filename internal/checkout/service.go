// Package checkout turns a buyer's cart into an order. The order, its lines,
// the cart decrement and the order_created event commit together; fan-out
// runs after the commit and never undoes it.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/farmmarket-backend/internal/cart"
	"github.com/angelmondragon/farmmarket-backend/internal/catalog"
	"github.com/angelmondragon/farmmarket-backend/internal/fanout"
	"github.com/angelmondragon/farmmarket-backend/internal/identity"
	"github.com/angelmondragon/farmmarket-backend/internal/orders"
	"github.com/angelmondragon/farmmarket-backend/pkg/db"
	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type buyerResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (identity.User, error)
}

type itemResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (catalog.Item, error)
	ResolveMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]catalog.Item, error)
}

type indexer interface {
	IndexWithRetry(ctx context.Context, orderID uuid.UUID, trigger string) (*fanout.State, error)
}

// Service executes checkout orchestration.
type Service interface {
	CheckoutCart(ctx context.Context, input CartInput) (*Result, error)
	CheckoutItem(ctx context.Context, input ItemInput) (*Result, error)
}

// CartInput checks out every line in the buyer's cart.
type CartInput struct {
	BuyerID         uuid.UUID
	DeliveryAddress string
	Token           string
}

// ItemInput checks out part or all of a single cart line.
type ItemInput struct {
	BuyerID         uuid.UUID
	ItemID          uuid.UUID
	Quantity        int
	DeliveryAddress string
	Token           string
}

// Result is the placed (or replayed) order. FanoutPending is set when the
// views could not be written yet; the order itself is committed either way.
type Result struct {
	Order         orders.OrderDTO `json:"order"`
	Replayed      bool            `json:"replayed"`
	FanoutPending bool            `json:"fanout_pending"`
	Warning       *string         `json:"warning,omitempty"`
}

type service struct {
	tx         txRunner
	ordersRepo orders.Repository
	cartRepo   cart.Repository
	outbox     outboxPublisher
	buyers     buyerResolver
	catalog    itemResolver
	locker     cart.Locker
	indexer    indexer
	logg       *logger.Logger
}

// NewService builds a checkout service with the required dependencies.
func NewService(tx txRunner, ordersRepo orders.Repository, cartRepo cart.Repository, outbox outboxPublisher, buyers buyerResolver, items itemResolver, locker cart.Locker, idx indexer, logg *logger.Logger) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if cartRepo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
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
	if idx == nil {
		return nil, fmt.Errorf("fanout indexer required")
	}
	return &service{
		tx:         tx,
		ordersRepo: ordersRepo,
		cartRepo:   cartRepo,
		outbox:     outbox,
		buyers:     buyers,
		catalog:    items,
		locker:     locker,
		indexer:    idx,
		logg:       logg,
	}, nil
}

// placement is what the locked section hands to the post-commit step.
type placement struct {
	order    *models.Order
	items    map[uuid.UUID]catalog.Item
	replayed bool
}

func (s *service) CheckoutCart(ctx context.Context, input CartInput) (*Result, error) {
	input.Token = strings.TrimSpace(input.Token)
	input.DeliveryAddress = strings.TrimSpace(input.DeliveryAddress)

	if _, err := s.buyers.Resolve(ctx, input.BuyerID); err != nil {
		return nil, err
	}

	placed, err := s.locked(ctx, input.BuyerID, input.Token, func() (*placement, error) {
		lines, err := s.cartRepo.List(ctx, input.BuyerID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list cart lines")
		}
		if len(lines) == 0 {
			return nil, pkgerrors.New(pkgerrors.CodeEmptyCart, "cart is empty")
		}

		ids := make([]uuid.UUID, len(lines))
		for i, line := range lines {
			ids[i] = line.ItemID
		}
		items, err := s.catalog.ResolveMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		var missing []uuid.UUID
		for _, id := range ids {
			if item, ok := items[id]; !ok || item.Price.IsNegative() {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, pkgerrors.New(pkgerrors.CodeItemUnavailable, "cart holds items that are no longer available").
				WithDetails(map[string]any{"item_ids": missing})
		}

		order := newOrder(input.BuyerID, input.DeliveryAddress, input.Token)
		for _, line := range lines {
			addLine(order, items[line.ItemID], line.Quantity)
		}
		return &placement{order: order, items: items}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, placed)
}

func (s *service) CheckoutItem(ctx context.Context, input ItemInput) (*Result, error) {
	input.Token = strings.TrimSpace(input.Token)
	input.DeliveryAddress = strings.TrimSpace(input.DeliveryAddress)

	if input.DeliveryAddress == "" {
		return nil, pkgerrors.New(pkgerrors.CodeMissingAddress, "delivery address required")
	}
	if input.Quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}
	if _, err := s.buyers.Resolve(ctx, input.BuyerID); err != nil {
		return nil, err
	}

	placed, err := s.locked(ctx, input.BuyerID, input.Token, func() (*placement, error) {
		available := 0
		line, err := s.cartRepo.Find(ctx, input.BuyerID, input.ItemID)
		switch {
		case err == nil:
			available = line.Quantity
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read cart line")
		}
		if available < input.Quantity {
			return nil, insufficient(input.ItemID, input.Quantity, available)
		}

		item, err := s.catalog.Resolve(ctx, input.ItemID)
		if err != nil {
			return nil, err
		}

		order := newOrder(input.BuyerID, input.DeliveryAddress, input.Token)
		addLine(order, item, input.Quantity)
		return &placement{order: order, items: map[uuid.UUID]catalog.Item{item.ID: item}}, nil
	})
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, placed)
}

// locked runs build and the commit under the buyer's cart lock, replaying a
// previous order for the same token instead of placing a second one.
func (s *service) locked(ctx context.Context, buyerID uuid.UUID, token string, build func() (*placement, error)) (*placement, error) {
	unlock, err := s.locker.Lock(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if replay, err := s.replay(ctx, buyerID, token); err != nil || replay != nil {
		return replay, err
	}

	placed, err := build()
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, placed.order); err != nil {
		if token == "" || !db.IsUniqueViolation(err, "") {
			return nil, err
		}
		// another request with the same token committed first
		replay, replayErr := s.replay(ctx, buyerID, token)
		if replayErr != nil {
			return nil, replayErr
		}
		if replay == nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		return replay, nil
	}
	return placed, nil
}

func (s *service) commit(ctx context.Context, order *models.Order) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.ordersRepo.WithTx(tx).Create(ctx, order); err != nil {
			if db.IsUniqueViolation(err, "") {
				return err
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		cartRepo := s.cartRepo.WithTx(tx)
		for _, line := range order.Lines {
			if err := cartRepo.Consume(ctx, order.BuyerID, line.ItemID, line.Quantity); err != nil {
				if errors.Is(err, cart.ErrInsufficientQuantity) {
					return insufficient(line.ItemID, line.Quantity, 0)
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "consume cart line")
			}
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{UserID: order.BuyerID, Role: string(enums.UserRoleBuyer)},
			Data: payloads.OrderCreatedEvent{
				OrderID:     order.ID,
				BuyerID:     order.BuyerID,
				ProducerIDs: producersOf(order),
				TotalAmount: order.TotalAmount.StringFixed(2),
				LineCount:   len(order.Lines),
			},
		})
	})
}

func (s *service) replay(ctx context.Context, buyerID uuid.UUID, token string) (*placement, error) {
	if token == "" {
		return nil, nil
	}
	order, err := s.ordersRepo.FindByCheckoutToken(ctx, buyerID, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order for checkout token")
	}
	return &placement{order: order, replayed: true}, nil
}

// finish runs after the commit on a context the client cannot cancel.
func (s *service) finish(ctx context.Context, placed *placement) (*Result, error) {
	bg := context.WithoutCancel(ctx)
	order := placed.order
	logCtx := ctx
	if s.logg != nil {
		logCtx = s.logg.WithOrderID(ctx, order.ID.String())
	}

	result := &Result{Replayed: placed.replayed}
	if placed.replayed {
		result.FanoutPending = order.FanoutIndexedAt == nil
	} else {
		if s.logg != nil {
			s.logg.Info(logCtx, "order placed")
		}
		state, err := s.indexer.IndexWithRetry(bg, order.ID, fanout.TriggerCheckout)
		if err != nil {
			result.FanoutPending = true
			if s.logg != nil {
				s.logg.Warn(logCtx, "order committed, fanout left for reconcile")
			}
		} else {
			result.Warning = state.Warning
		}
	}

	if fresh, err := s.ordersRepo.FindByID(bg, order.ID); err == nil {
		order = fresh
	}
	items := placed.items
	if items == nil {
		ids := make([]uuid.UUID, 0, len(order.Lines))
		for _, line := range order.Lines {
			ids = append(ids, line.ItemID)
		}
		// details are decoration; a failed lookup still returns the order
		if resolved, err := s.catalog.ResolveMany(bg, ids); err == nil {
			items = resolved
		}
	}
	result.Order = orders.BuildOrderDTO(*order, items)
	if result.Warning == nil {
		result.Warning = order.FanoutWarning
	}
	return result, nil
}

func newOrder(buyerID uuid.UUID, address, token string) *models.Order {
	order := &models.Order{
		ID:              uuid.New(),
		BuyerID:         buyerID,
		Status:          enums.OrderStatusPending,
		DeliveryAddress: address,
		TotalAmount:     decimal.Zero,
	}
	if token != "" {
		order.CheckoutToken = &token
	}
	return order
}

// addLine snapshots the item's current price onto the order.
func addLine(order *models.Order, item catalog.Item, quantity int) {
	total := item.Price.Mul(decimal.NewFromInt(int64(quantity)))
	order.Lines = append(order.Lines, models.OrderLine{
		ID:         uuid.New(),
		OrderID:    order.ID,
		ItemID:     item.ID,
		ProducerID: item.ProducerID,
		Quantity:   quantity,
		UnitPrice:  item.Price,
		LineTotal:  total,
	})
	order.TotalAmount = order.TotalAmount.Add(total)
}

func producersOf(order *models.Order) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(order.Lines))
	out := make([]uuid.UUID, 0, len(order.Lines))
	for _, line := range order.Lines {
		if _, ok := seen[line.ProducerID]; ok {
			continue
		}
		seen[line.ProducerID] = struct{}{}
		out = append(out, line.ProducerID)
	}
	return out
}

func insufficient(itemID uuid.UUID, requested, available int) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientCartQuantity, "cart holds less than the requested quantity").
		WithDetails(map[string]any{
			"item_id":   itemID,
			"requested": requested,
			"available": available,
		})
}
