// Package fanout maintains the denormalized buyer history and producer
// fulfillment queue views. Every view is rebuilt from the order ledger, so
// any trigger can replay it safely.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/farmmarket-backend/internal/identity"
	"github.com/angelmondragon/farmmarket-backend/pkg/config"
	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
	"github.com/angelmondragon/farmmarket-backend/pkg/pagination"
)

// Triggers label what asked for an index pass.
const (
	TriggerCheckout = "checkout"
	TriggerEvent    = "event"
	TriggerSweep    = "sweep"
	TriggerAdmin    = "admin"
	TriggerStatus   = "status"
)

const skippedWarningPrefix = "producer queue skipped for non-producer owner(s): "

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type producerResolver interface {
	ResolveMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]identity.User, error)
}

type attemptRecorder interface {
	ObserveAttempt(trigger string, duration time.Duration, err error)
	IncExhausted(trigger string)
}

// State is the fan-out outcome for one order after a reconcile.
type State struct {
	OrderID          uuid.UUID   `json:"order_id"`
	BuyerIndexed     bool        `json:"buyer_indexed"`
	ProducerIDs      []uuid.UUID `json:"producer_ids"`
	SkippedProducers []uuid.UUID `json:"skipped_producers,omitempty"`
	Warning          *string     `json:"warning,omitempty"`
	Removed          bool        `json:"removed"`
}

// Page is one page of order ids read from a view, newest first.
type Page struct {
	OrderIDs   []uuid.UUID
	NextCursor string
}

// SweepResult summarizes a recovery pass.
type SweepResult struct {
	Scanned    int
	Reconciled int
	Failed     int
}

type Service struct {
	repo      Repository
	tx        txRunner
	producers producerResolver
	cfg       config.FanoutConfig
	metrics   attemptRecorder
	logg      *logger.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

// NewService builds the fan-out indexer.
func NewService(repo Repository, tx txRunner, producers producerResolver, cfg config.FanoutConfig, metrics attemptRecorder, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("fanout repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if producers == nil {
		return nil, fmt.Errorf("identity lookup required")
	}
	if metrics == nil {
		metrics = noopRecorder{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Service{
		repo:      repo,
		tx:        tx,
		producers: producers,
		cfg:       cfg,
		metrics:   metrics,
		logg:      logg,
		sleep:     sleepCtx,
		now:       func() time.Time { return time.Now().UTC() },
		jitter:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// RecordForBuyer adds the order to the buyer's history. Repeated calls are
// no-ops.
func (s *Service) RecordForBuyer(ctx context.Context, buyerID, orderID uuid.UUID) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.BuyerID != buyerID {
		return pkgerrors.New(pkgerrors.CodeValidation, "buyer does not own order")
	}
	entry := models.BuyerOrderEntry{BuyerID: buyerID, OrderID: orderID, CreatedAt: order.CreatedAt}
	if err := s.repo.UpsertBuyerEntry(ctx, entry); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record buyer history")
	}
	return nil
}

// RecordForProducer adds the order to a producer's queue. The producer must
// own a line on the order and hold the producer role.
func (s *Service) RecordForProducer(ctx context.Context, producerID, orderID, buyerID uuid.UUID) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.BuyerID != buyerID {
		return pkgerrors.New(pkgerrors.CodeValidation, "buyer does not own order")
	}
	if !containsID(producersOf(order), producerID) {
		return pkgerrors.New(pkgerrors.CodeValidation, "producer has no line on order")
	}
	users, err := s.producers.ResolveMany(ctx, []uuid.UUID{producerID})
	if err != nil {
		return err
	}
	if user, ok := users[producerID]; !ok || !user.IsProducer() {
		return pkgerrors.New(pkgerrors.CodeValidation, "owner is not a producer")
	}
	entry := models.ProducerQueueEntry{ProducerID: producerID, OrderID: orderID, BuyerID: buyerID, CreatedAt: order.CreatedAt}
	if err := s.repo.UpsertProducerEntry(ctx, entry); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record producer queue")
	}
	return nil
}

// Reconcile rebuilds both views for one order from the ledger. Missing and
// cancelled orders lose all entries. Calling it twice equals calling it once.
func (s *Service) Reconcile(ctx context.Context, orderID uuid.UUID) (*State, error) {
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order for fanout")
	}
	if order == nil || order.Status == enums.OrderStatusCancelled {
		return s.remove(ctx, orderID)
	}

	candidates := producersOf(order)
	users, err := s.producers.ResolveMany(ctx, candidates)
	if err != nil {
		return nil, err
	}
	var valid, skipped []uuid.UUID
	for _, id := range candidates {
		if user, ok := users[id]; ok && user.IsProducer() {
			valid = append(valid, id)
			continue
		}
		skipped = append(skipped, id)
	}

	var warning *string
	if len(skipped) > 0 {
		msg := skippedWarning(skipped)
		warning = &msg
	}

	state := &State{OrderID: orderID}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := repo.FindOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				state.Removed = true
				return removeViews(ctx, repo, orderID, nil)
			}
			return err
		}
		if current.Status == enums.OrderStatusCancelled {
			state.Removed = true
			return removeViews(ctx, repo, orderID, func() error {
				return repo.MarkIndexed(ctx, orderID, s.now(), nil)
			})
		}

		if err := repo.UpsertBuyerEntry(ctx, models.BuyerOrderEntry{
			BuyerID:   current.BuyerID,
			OrderID:   orderID,
			CreatedAt: current.CreatedAt,
		}); err != nil {
			return err
		}
		for _, producerID := range valid {
			if err := repo.UpsertProducerEntry(ctx, models.ProducerQueueEntry{
				ProducerID: producerID,
				OrderID:    orderID,
				BuyerID:    current.BuyerID,
				CreatedAt:  current.CreatedAt,
			}); err != nil {
				return err
			}
		}
		if err := repo.DeleteProducerEntries(ctx, orderID, valid); err != nil {
			return err
		}
		return repo.MarkIndexed(ctx, orderID, s.now(), warning)
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reconcile fanout")
	}
	if state.Removed {
		return state, nil
	}

	state.BuyerIndexed = true
	state.ProducerIDs = nonNil(valid)
	state.SkippedProducers = skipped
	state.Warning = warning
	if warning != nil && s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, orderID.String())
		logCtx = s.logg.WithField(logCtx, "skipped_producers", skipped)
		s.logg.Warn(logCtx, *warning)
	}
	return state, nil
}

// IndexWithRetry runs Reconcile with bounded exponential backoff plus jitter
// and returns the last error once attempts are exhausted.
func (s *Service) IndexWithRetry(ctx context.Context, orderID uuid.UUID, trigger string) (*State, error) {
	backoff := time.Duration(0)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		state, err := s.Reconcile(ctx, orderID)
		s.metrics.ObserveAttempt(trigger, time.Since(start), err)
		if err == nil {
			return state, nil
		}
		lastErr = err
		if attempt == s.cfg.MaxAttempts {
			break
		}
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"order_id": orderID.String(),
				"trigger":  trigger,
				"attempt":  attempt,
			})
			s.logg.Warn(logCtx, "fanout attempt failed, retrying")
		}
		backoff = nextBackoff(backoff, s.cfg.BaseBackoff, s.cfg.MaxBackoff)
		if err := s.sleep(ctx, s.withJitter(backoff)); err != nil {
			lastErr = multierr.Append(lastErr, err)
			break
		}
	}

	s.metrics.IncExhausted(trigger)
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id": orderID.String(),
			"trigger":  trigger,
		})
		s.logg.Error(logCtx, "fanout retries exhausted, order left for reconcile", lastErr)
	}
	return nil, lastErr
}

// RemoveViewsTx deletes both views for an order inside the caller's
// transaction.
func (s *Service) RemoveViewsTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) error {
	return removeViews(ctx, s.repo.WithTx(tx), orderID, nil)
}

// SweepPending reconciles orders whose fan-out never completed and that are
// older than the grace period.
func (s *Service) SweepPending(ctx context.Context, olderThan time.Duration, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.repo.FindUnindexedBefore(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return SweepResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find unindexed orders")
	}

	result := SweepResult{Scanned: len(ids)}
	var errs error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		start := time.Now()
		_, err := s.Reconcile(ctx, id)
		s.metrics.ObserveAttempt(TriggerSweep, time.Since(start), err)
		if err != nil {
			result.Failed++
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", id, err))
			continue
		}
		result.Reconciled++
	}
	return result, errs
}

// ListBuyerPage reads one page of the buyer's history.
func (s *Service) ListBuyerPage(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*Page, error) {
	cursor, limit, err := pageArgs(params)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListBuyerEntries(ctx, buyerID, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list buyer history")
	}
	page := &Page{OrderIDs: make([]uuid.UUID, 0, len(entries))}
	for i, entry := range entries {
		if i == limit {
			last := entries[i-1]
			page.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.OrderID})
			break
		}
		page.OrderIDs = append(page.OrderIDs, entry.OrderID)
	}
	return page, nil
}

// ListProducerPage reads one page of the producer's fulfillment queue.
func (s *Service) ListProducerPage(ctx context.Context, producerID uuid.UUID, params pagination.Params) (*Page, error) {
	cursor, limit, err := pageArgs(params)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListProducerEntries(ctx, producerID, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list producer queue")
	}
	page := &Page{OrderIDs: make([]uuid.UUID, 0, len(entries))}
	for i, entry := range entries {
		if i == limit {
			last := entries[i-1]
			page.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.OrderID})
			break
		}
		page.OrderIDs = append(page.OrderIDs, entry.OrderID)
	}
	return page, nil
}

// InProducerQueue reports whether the order is queued for the producer.
func (s *Service) InProducerQueue(ctx context.Context, producerID, orderID uuid.UUID) (bool, error) {
	ok, err := s.repo.HasProducerEntry(ctx, producerID, orderID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read producer queue")
	}
	return ok, nil
}

func (s *Service) remove(ctx context.Context, orderID uuid.UUID) (*State, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		return removeViews(ctx, repo, orderID, func() error {
			return repo.MarkIndexed(ctx, orderID, s.now(), nil)
		})
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove fanout views")
	}
	return &State{OrderID: orderID, Removed: true, ProducerIDs: []uuid.UUID{}}, nil
}

func (s *Service) loadOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *Service) withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	s.jitterMu.Lock()
	defer s.jitterMu.Unlock()
	return time.Duration(half + s.jitter.Int63n(half+1))
}

func removeViews(ctx context.Context, repo Repository, orderID uuid.UUID, after func() error) error {
	if err := repo.DeleteBuyerEntries(ctx, orderID); err != nil {
		return err
	}
	if err := repo.DeleteProducerEntries(ctx, orderID, nil); err != nil {
		return err
	}
	if after != nil {
		return after()
	}
	return nil
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
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func skippedWarning(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return skippedWarningPrefix + strings.Join(parts, ", ")
}

func containsID(ids []uuid.UUID, target uuid.UUID) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func nonNil(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func pageArgs(params pagination.Params) (*pagination.Cursor, int, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	return cursor, pagination.NormalizeLimit(params.Limit), nil
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		return base
	}
	next := current * 2
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopRecorder struct{}

func (noopRecorder) ObserveAttempt(string, time.Duration, error) {}
func (noopRecorder) IncExhausted(string)                         {}
