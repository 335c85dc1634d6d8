// Package orders owns the order ledger reads and the order state machine.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/farmmarket-backend/internal/catalog"
	"github.com/angelmondragon/farmmarket-backend/internal/fanout"
	"github.com/angelmondragon/farmmarket-backend/internal/identity"
	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/farmmarket-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type userResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (identity.User, error)
	ResolveRole(ctx context.Context, id uuid.UUID, role enums.UserRole) (identity.User, error)
}

type itemResolver interface {
	ResolveMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]catalog.Item, error)
}

type viewIndex interface {
	ListBuyerPage(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*fanout.Page, error)
	ListProducerPage(ctx context.Context, producerID uuid.UUID, params pagination.Params) (*fanout.Page, error)
	InProducerQueue(ctx context.Context, producerID, orderID uuid.UUID) (bool, error)
	RemoveViewsTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) error
	IndexWithRetry(ctx context.Context, orderID uuid.UUID, trigger string) (*fanout.State, error)
}

// Service defines order reads and status transitions.
type Service interface {
	ListBuyerOrders(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error)
	ListProducerOrders(ctx context.Context, producerID uuid.UUID, params pagination.Params) (*OrderList, error)
	GetOrder(ctx context.Context, actor Actor, orderID uuid.UUID) (*OrderDTO, error)
	MarkDelivered(ctx context.Context, producerID, orderID uuid.UUID) (*OrderDTO, error)
	Remove(ctx context.Context, buyerID, orderID uuid.UUID) (*RemoveResult, error)
	UpdateStatus(ctx context.Context, input AdminStatusInput) (*OrderDTO, error)
	Reconcile(ctx context.Context, orderID uuid.UUID) (*fanout.State, error)
	HasDeliveredPurchase(ctx context.Context, buyerID, itemID uuid.UUID) (*Eligibility, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	outbox  outboxPublisher
	users   userResolver
	catalog itemResolver
	views   viewIndex
	logg    *logger.Logger
	now     func() time.Time
}

// NewService builds the order service with the required dependencies.
func NewService(repo Repository, tx txRunner, outbox outboxPublisher, users userResolver, items itemResolver, views viewIndex, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if users == nil {
		return nil, fmt.Errorf("identity lookup required")
	}
	if items == nil {
		return nil, fmt.Errorf("catalog lookup required")
	}
	if views == nil {
		return nil, fmt.Errorf("fanout indexer required")
	}
	return &service{
		repo:    repo,
		tx:      tx,
		outbox:  outbox,
		users:   users,
		catalog: items,
		views:   views,
		logg:    logg,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) ListBuyerOrders(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if _, err := s.users.Resolve(ctx, buyerID); err != nil {
		return nil, err
	}
	page, err := s.views.ListBuyerPage(ctx, buyerID, params)
	if err != nil {
		return nil, err
	}
	return s.loadPage(ctx, page)
}

func (s *service) ListProducerOrders(ctx context.Context, producerID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if _, err := s.users.ResolveRole(ctx, producerID, enums.UserRoleProducer); err != nil {
		return nil, err
	}
	page, err := s.views.ListProducerPage(ctx, producerID, params)
	if err != nil {
		return nil, err
	}
	return s.loadPage(ctx, page)
}

func (s *service) GetOrder(ctx context.Context, actor Actor, orderID uuid.UUID) (*OrderDTO, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, order) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order not visible to caller")
	}
	return s.detail(ctx, *order)
}

func (s *service) MarkDelivered(ctx context.Context, producerID, orderID uuid.UUID) (*OrderDTO, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	queued, err := s.views.InProducerQueue(ctx, producerID, orderID)
	if err != nil {
		return nil, err
	}
	// the ledger is authoritative when the queue lags behind it
	if !queued && !ownsLine(order, producerID) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order not in producer queue")
	}

	switch order.Status {
	case enums.OrderStatusDelivered:
		return s.detail(ctx, *order)
	case enums.OrderStatusCancelled:
		return nil, stateConflict(order.Status, enums.OrderStatusDelivered)
	}

	at := s.now()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		moved, err := repo.TransitionStatus(ctx, orderID, enums.OrderStatusPending, enums.OrderStatusDelivered, at)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order delivered")
		}
		if moved == 0 {
			current, err := repo.FindByID(ctx, orderID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
			}
			if current.Status == enums.OrderStatusDelivered {
				return nil
			}
			return stateConflict(current.Status, enums.OrderStatusDelivered)
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderDelivered,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &outbox.ActorRef{UserID: producerID, Role: string(enums.UserRoleProducer)},
			Data: payloads.OrderDeliveredEvent{
				OrderID:     orderID,
				BuyerID:     order.BuyerID,
				ProducerID:  producerID,
				DeliveredAt: at,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, orderID.String())
		s.logg.Info(s.logg.WithUserID(logCtx, producerID.String()), "order delivered")
	}
	return s.reload(ctx, orderID)
}

func (s *service) Remove(ctx context.Context, buyerID, orderID uuid.UUID) (*RemoveResult, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another buyer")
	}
	switch order.Status {
	case enums.OrderStatusCancelled:
		return &RemoveResult{OrderID: orderID, Status: order.Status, CancelledAt: order.CancelledAt}, nil
	case enums.OrderStatusDelivered:
		return nil, stateConflict(order.Status, enums.OrderStatusCancelled)
	}

	at := s.now()
	result := &RemoveResult{OrderID: orderID, Status: enums.OrderStatusCancelled, CancelledAt: &at}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		moved, err := repo.TransitionStatus(ctx, orderID, enums.OrderStatusPending, enums.OrderStatusCancelled, at)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
		}
		if moved == 0 {
			current, err := repo.FindByID(ctx, orderID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
			}
			if current.Status == enums.OrderStatusCancelled {
				result.CancelledAt = current.CancelledAt
				return nil
			}
			return stateConflict(current.Status, enums.OrderStatusCancelled)
		}
		if err := s.views.RemoveViewsTx(ctx, tx, orderID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove order views")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCancelled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &outbox.ActorRef{UserID: buyerID, Role: string(enums.UserRoleBuyer)},
			Data: payloads.OrderCancelledEvent{
				OrderID:     orderID,
				BuyerID:     buyerID,
				CancelledAt: at,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, orderID.String()), "order cancelled by buyer")
	}
	return result, nil
}

// UpdateStatus overwrites the status without consulting the state machine.
// It exists for administrative repair only.
func (s *service) UpdateStatus(ctx context.Context, input AdminStatusInput) (*OrderDTO, error) {
	target, err := enums.ParseOrderStatus(input.Status)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order status").
			WithDetails(map[string]any{"status": input.Status})
	}
	order, err := s.load(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	previous := order.Status

	at := s.now()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).OverwriteStatus(ctx, input.OrderID, target, at); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "overwrite order status")
		}
		if target == enums.OrderStatusCancelled {
			if err := s.views.RemoveViewsTx(ctx, tx, input.OrderID); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove order views")
			}
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusOverridden,
			AggregateType: enums.AggregateOrder,
			AggregateID:   input.OrderID,
			Actor:         &outbox.ActorRef{UserID: input.AdminID, Role: string(enums.UserRoleAdmin)},
			Data: payloads.OrderStatusOverriddenEvent{
				OrderID:    input.OrderID,
				AdminID:    input.AdminID,
				FromStatus: previous,
				ToStatus:   target,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":        input.OrderID.String(),
			"admin_id":        input.AdminID.String(),
			"previous_status": previous,
			"new_status":      target,
		})
		s.logg.Warn(logCtx, "order status overridden by admin")
	}

	if _, err := s.views.IndexWithRetry(context.WithoutCancel(ctx), input.OrderID, fanout.TriggerStatus); err != nil && s.logg != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, input.OrderID.String()), "fanout after status override deferred to reconcile", err)
	}
	return s.reload(ctx, input.OrderID)
}

func (s *service) Reconcile(ctx context.Context, orderID uuid.UUID) (*fanout.State, error) {
	if _, err := s.load(ctx, orderID); err != nil {
		return nil, err
	}
	return s.views.IndexWithRetry(ctx, orderID, fanout.TriggerAdmin)
}

func (s *service) HasDeliveredPurchase(ctx context.Context, buyerID, itemID uuid.UUID) (*Eligibility, error) {
	ok, err := s.repo.HasDeliveredPurchase(ctx, buyerID, itemID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check delivered purchase")
	}
	return &Eligibility{ItemID: itemID, Eligible: ok}, nil
}

func (s *service) load(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *service) reload(ctx context.Context, orderID uuid.UUID) (*OrderDTO, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, *order)
}

func (s *service) detail(ctx context.Context, order models.Order) (*OrderDTO, error) {
	items, err := s.catalog.ResolveMany(ctx, itemIDsOf(order))
	if err != nil {
		return nil, err
	}
	dto := BuildOrderDTO(order, items)
	return &dto, nil
}

func (s *service) loadPage(ctx context.Context, page *fanout.Page) (*OrderList, error) {
	out := &OrderList{Orders: make([]OrderDTO, 0, len(page.OrderIDs)), NextCursor: page.NextCursor}
	if len(page.OrderIDs) == 0 {
		return out, nil
	}
	rows, err := s.repo.FindByIDs(ctx, page.OrderIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load orders")
	}
	byID := make(map[uuid.UUID]models.Order, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	items, err := s.catalog.ResolveMany(ctx, itemIDsOf(rows...))
	if err != nil {
		return nil, err
	}
	for _, id := range page.OrderIDs {
		row, ok := byID[id]
		if !ok {
			continue
		}
		out.Orders = append(out.Orders, BuildOrderDTO(row, items))
	}
	return out, nil
}

func canView(actor Actor, order *models.Order) bool {
	switch actor.Role {
	case enums.UserRoleAdmin:
		return true
	case enums.UserRoleBuyer:
		return order.BuyerID == actor.UserID
	case enums.UserRoleProducer:
		return ownsLine(order, actor.UserID)
	}
	return false
}

func ownsLine(order *models.Order, producerID uuid.UUID) bool {
	for _, line := range order.Lines {
		if line.ProducerID == producerID {
			return true
		}
	}
	return false
}

func stateConflict(from, to enums.OrderStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s", from)).
		WithDetails(map[string]any{"status": from, "requested": to})
}
