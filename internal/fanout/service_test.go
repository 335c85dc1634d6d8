package fanout

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/angelmondragon/farmmarket-backend/internal/identity"
	"github.com/angelmondragon/farmmarket-backend/internal/testdb"
	"github.com/angelmondragon/farmmarket-backend/pkg/config"
	"github.com/angelmondragon/farmmarket-backend/pkg/db"
	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/lookup"
	"github.com/angelmondragon/farmmarket-backend/pkg/pagination"
)

type recorder struct {
	attempts  int
	failures  int
	exhausted int
}

func (r *recorder) ObserveAttempt(_ string, _ time.Duration, err error) {
	r.attempts++
	if err != nil {
		r.failures++
	}
}

func (r *recorder) IncExhausted(string) { r.exhausted++ }

type failingResolver struct {
	calls int
	fail  int
	next  producerResolver
}

func (f *failingResolver) ResolveMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]identity.User, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "identity lookup timed out")
	}
	return f.next.ResolveMany(ctx, ids)
}

func newService(t *testing.T, client *db.Client, resolver producerResolver, metrics attemptRecorder) *Service {
	t.Helper()
	if resolver == nil {
		guard := lookup.NewGuard("identity", config.LookupConfig{Timeout: time.Second}, nil)
		resolver = identity.NewLookup(identity.NewRepository(client.DB()), guard)
	}
	svc, err := NewService(NewRepository(client.DB()), client, resolver, config.FanoutConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	}, metrics, nil)
	require.NoError(t, err)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

type snapshot struct {
	buyer     []models.BuyerOrderEntry
	producers []models.ProducerQueueEntry
}

func viewsFor(t *testing.T, client *db.Client, orderID uuid.UUID) snapshot {
	t.Helper()
	var snap snapshot
	require.NoError(t, client.DB().Where("order_id = ?", orderID).Find(&snap.buyer).Error)
	require.NoError(t, client.DB().Where("order_id = ?", orderID).Order("producer_id").Find(&snap.producers).Error)
	return snap
}

func TestReconcileIndexesBothViews(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	p1 := testdb.SeedUser(t, client, enums.UserRoleProducer)
	p2 := testdb.SeedUser(t, client, enums.UserRoleProducer)
	order := testdb.SeedOrder(t, client, buyer.ID,
		testdb.SeedItem(t, client, p1.ID, "Apples", "1.00"),
		testdb.SeedItem(t, client, p1.ID, "Pears", "2.00"),
		testdb.SeedItem(t, client, p2.ID, "Milk", "3.00"),
	)
	svc := newService(t, client, nil, nil)

	state, err := svc.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, state.BuyerIndexed)
	assert.Len(t, state.ProducerIDs, 2)
	assert.Nil(t, state.Warning)

	snap := viewsFor(t, client, order.ID)
	require.Len(t, snap.buyer, 1)
	assert.Equal(t, buyer.ID, snap.buyer[0].BuyerID)
	require.Len(t, snap.producers, 2)
	for _, entry := range snap.producers {
		assert.Equal(t, buyer.ID, entry.BuyerID)
	}

	var stored models.Order
	require.NoError(t, client.DB().First(&stored, "id = ?", order.ID).Error)
	assert.NotNil(t, stored.FanoutIndexedAt)
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	order := testdb.SeedOrder(t, client, buyer.ID, testdb.SeedItem(t, client, producer.ID, "Kale", "4.00"))
	svc := newService(t, client, nil, nil)

	first, err := svc.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	once := viewsFor(t, client, order.ID)

	second, err := svc.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	twice := viewsFor(t, client, order.ID)

	assert.Equal(t, first.ProducerIDs, second.ProducerIDs)
	assert.Equal(t, len(once.buyer), len(twice.buyer))
	assert.Equal(t, len(once.producers), len(twice.producers))
	assert.Equal(t, once.producers[0].ProducerID, twice.producers[0].ProducerID)
}

func TestReconcileSkipsNonProducerOwner(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	demoted := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	order := testdb.SeedOrder(t, client, buyer.ID,
		testdb.SeedItem(t, client, producer.ID, "Beans", "1.50"),
		testdb.SeedItem(t, client, demoted.ID, "Jam", "5.00"),
	)
	svc := newService(t, client, nil, nil)

	state, err := svc.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{producer.ID}, state.ProducerIDs)
	assert.Equal(t, []uuid.UUID{demoted.ID}, state.SkippedProducers)
	require.NotNil(t, state.Warning)
	assert.True(t, strings.Contains(*state.Warning, demoted.ID.String()))

	snap := viewsFor(t, client, order.ID)
	assert.Len(t, snap.buyer, 1)
	require.Len(t, snap.producers, 1)
	assert.Equal(t, producer.ID, snap.producers[0].ProducerID)

	var stored models.Order
	require.NoError(t, client.DB().First(&stored, "id = ?", order.ID).Error)
	require.NotNil(t, stored.FanoutWarning)
	assert.Equal(t, *state.Warning, *stored.FanoutWarning)
}

func TestReconcileRemovesStaleProducerEntries(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	order := testdb.SeedOrder(t, client, buyer.ID, testdb.SeedItem(t, client, producer.ID, "Figs", "7.00"))
	svc := newService(t, client, nil, nil)

	stranger := uuid.New()
	require.NoError(t, NewRepository(client.DB()).UpsertProducerEntry(ctx, models.ProducerQueueEntry{
		ProducerID: stranger, OrderID: order.ID, BuyerID: buyer.ID, CreatedAt: order.CreatedAt,
	}))

	_, err := svc.Reconcile(ctx, order.ID)
	require.NoError(t, err)

	snap := viewsFor(t, client, order.ID)
	require.Len(t, snap.producers, 1)
	assert.Equal(t, producer.ID, snap.producers[0].ProducerID)
}

func TestReconcileCancelledRemovesViews(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	order := testdb.SeedOrder(t, client, buyer.ID, testdb.SeedItem(t, client, producer.ID, "Corn", "0.80"))
	svc := newService(t, client, nil, nil)

	_, err := svc.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, client.DB().Model(&models.Order{}).Where("id = ?", order.ID).
		Update("status", enums.OrderStatusCancelled).Error)

	state, err := svc.Reconcile(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, state.Removed)

	snap := viewsFor(t, client, order.ID)
	assert.Empty(t, snap.buyer)
	assert.Empty(t, snap.producers)
}

func TestReconcileMissingOrderRemovesViews(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	orderID := uuid.New()
	repo := NewRepository(client.DB())
	require.NoError(t, repo.UpsertBuyerEntry(ctx, models.BuyerOrderEntry{BuyerID: uuid.New(), OrderID: orderID, CreatedAt: time.Now().UTC()}))
	svc := newService(t, client, nil, nil)

	state, err := svc.Reconcile(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, state.Removed)
	assert.Empty(t, viewsFor(t, client, orderID).buyer)
}

func TestIndexWithRetryRecovers(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	order := testdb.SeedOrder(t, client, buyer.ID, testdb.SeedItem(t, client, producer.ID, "Oats", "2.00"))

	guard := lookup.NewGuard("identity", config.LookupConfig{Timeout: time.Second}, nil)
	resolver := &failingResolver{fail: 2, next: identity.NewLookup(identity.NewRepository(client.DB()), guard)}
	metrics := &recorder{}
	svc := newService(t, client, resolver, metrics)

	state, err := svc.IndexWithRetry(ctx, order.ID, TriggerCheckout)
	require.NoError(t, err)
	assert.True(t, state.BuyerIndexed)
	assert.Equal(t, 3, metrics.attempts)
	assert.Equal(t, 2, metrics.failures)
	assert.Zero(t, metrics.exhausted)
}

func TestIndexWithRetryExhausts(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	order := testdb.SeedOrder(t, client, buyer.ID, testdb.SeedItem(t, client, producer.ID, "Rye", "2.00"))

	metrics := &recorder{}
	svc := newService(t, client, &failingResolver{fail: 100}, metrics)

	_, err := svc.IndexWithRetry(ctx, order.ID, TriggerCheckout)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	assert.Equal(t, 3, metrics.attempts)
	assert.Equal(t, 1, metrics.exhausted)

	var stored models.Order
	require.NoError(t, client.DB().First(&stored, "id = ?", order.ID).Error)
	assert.Nil(t, stored.FanoutIndexedAt)
}

func TestSweepPendingIndexesStragglers(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	item := testdb.SeedItem(t, client, producer.ID, "Plums", "3.00")
	first := testdb.SeedOrder(t, client, buyer.ID, item)
	second := testdb.SeedOrder(t, client, buyer.ID, item)
	svc := newService(t, client, nil, nil)
	svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	result, err := svc.SweepPending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Reconciled)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		assert.Len(t, viewsFor(t, client, id).buyer, 1)
	}

	result, err = svc.SweepPending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
}

func TestSweepPendingAggregatesFailures(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	item := testdb.SeedItem(t, client, producer.ID, "Dates", "3.00")
	testdb.SeedOrder(t, client, buyer.ID, item)
	testdb.SeedOrder(t, client, buyer.ID, item)
	svc := newService(t, client, &failingResolver{fail: 100}, nil)
	svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	result, err := svc.SweepPending(ctx, time.Minute, 10)
	require.Error(t, err)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestRecordForProducerValidatesOwnership(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	other := testdb.SeedUser(t, client, enums.UserRoleProducer)
	order := testdb.SeedOrder(t, client, buyer.ID, testdb.SeedItem(t, client, producer.ID, "Leeks", "1.10"))
	svc := newService(t, client, nil, nil)

	require.NoError(t, svc.RecordForBuyer(ctx, buyer.ID, order.ID))
	require.NoError(t, svc.RecordForBuyer(ctx, buyer.ID, order.ID))
	require.NoError(t, svc.RecordForProducer(ctx, producer.ID, order.ID, buyer.ID))
	require.NoError(t, svc.RecordForProducer(ctx, producer.ID, order.ID, buyer.ID))

	err := svc.RecordForProducer(ctx, other.ID, order.ID, buyer.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	err = svc.RecordForBuyer(ctx, buyer.ID, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	snap := viewsFor(t, client, order.ID)
	assert.Len(t, snap.buyer, 1)
	assert.Len(t, snap.producers, 1)

	queued, err := svc.InProducerQueue(ctx, producer.ID, order.ID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestListBuyerPagePaginates(t *testing.T) {
	ctx := context.Background()
	client := testdb.Open(t)
	buyer := testdb.SeedUser(t, client, enums.UserRoleBuyer)
	producer := testdb.SeedUser(t, client, enums.UserRoleProducer)
	item := testdb.SeedItem(t, client, producer.ID, "Basil", "2.00")
	svc := newService(t, client, nil, nil)

	seen := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		order := testdb.SeedOrder(t, client, buyer.ID, item)
		_, err := svc.Reconcile(ctx, order.ID)
		require.NoError(t, err)
		seen[order.ID] = false
	}

	page, err := svc.ListBuyerPage(ctx, buyer.ID, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.OrderIDs, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := svc.ListBuyerPage(ctx, buyer.ID, pagination.Params{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.OrderIDs, 1)
	assert.Empty(t, rest.NextCursor)

	for _, id := range append(page.OrderIDs, rest.OrderIDs...) {
		assert.False(t, seen[id], "order %s listed twice", id)
		seen[id] = true
	}

	_, err = svc.ListBuyerPage(ctx, buyer.ID, pagination.Params{Cursor: "%%%"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNextBackoffCaps(t *testing.T) {
	base, max := 10*time.Millisecond, 35*time.Millisecond
	d := nextBackoff(0, base, max)
	assert.Equal(t, base, d)
	d = nextBackoff(d, base, max)
	assert.Equal(t, 20*time.Millisecond, d)
	d = nextBackoff(d, base, max)
	assert.Equal(t, max, d)
}

