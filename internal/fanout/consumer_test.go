package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/farmmarket-backend/pkg/config"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/registry"
	"github.com/angelmondragon/farmmarket-backend/pkg/redis"
)

type stubIndexer struct {
	calls  []uuid.UUID
	err    error
	before func()
}

func (s *stubIndexer) IndexWithRetry(_ context.Context, orderID uuid.UUID, trigger string) (*State, error) {
	if s.before != nil {
		s.before()
	}
	s.calls = append(s.calls, orderID)
	if s.err != nil {
		return nil, s.err
	}
	return &State{OrderID: orderID, BuyerIndexed: true}, nil
}

func newTestConsumer(t *testing.T, idx indexer) *Consumer {
	t.Helper()
	c, _ := newTestConsumerWithServer(t, idx, io.Discard)
	return c
}

func newTestConsumerWithServer(t *testing.T, idx indexer, logOut io.Writer) (*Consumer, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	store := redis.NewFromRaw(goredis.NewClient(&goredis.Options{Addr: srv.Addr()}))
	manager, err := idempotency.NewManager(store, time.Hour)
	require.NoError(t, err)
	events, err := registry.NewEventRegistry(config.PubSubConfig{OrdersTopic: "orders"})
	require.NoError(t, err)
	return &Consumer{
		indexer:     idx,
		decoders:    events.Decoders(1),
		idempotency: manager,
		logg:        logger.New(logger.Options{ServiceName: "test", Output: logOut}),
	}, srv
}

func orderMessage(t *testing.T, eventType enums.OutboxEventType, data any) *pubsub.Message {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	envelope, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	})
	require.NoError(t, err)
	return &pubsub.Message{
		ID:         uuid.NewString(),
		Data:       envelope,
		Attributes: map[string]string{"event_type": string(eventType)},
	}
}

func TestConsumerReconcilesOrderEvents(t *testing.T) {
	idx := &stubIndexer{}
	c := newTestConsumer(t, idx)
	orderID := uuid.New()

	msg := orderMessage(t, enums.EventOrderCreated, payloads.OrderCreatedEvent{OrderID: orderID, BuyerID: uuid.New()})
	ack := c.process(context.Background(), msg)
	assert.True(t, ack)
	require.Equal(t, []uuid.UUID{orderID}, idx.calls)

	// redelivery of the same event is acknowledged without another pass
	ack = c.process(context.Background(), msg)
	assert.True(t, ack)
	assert.Len(t, idx.calls, 1)
}

func TestConsumerNacksOnFailureAndAllowsRetry(t *testing.T) {
	idx := &stubIndexer{err: errors.New("db down")}
	c := newTestConsumer(t, idx)
	msg := orderMessage(t, enums.EventOrderCancelled, payloads.OrderCancelledEvent{OrderID: uuid.New()})

	ack := c.process(context.Background(), msg)
	assert.False(t, ack)

	idx.err = nil
	ack = c.process(context.Background(), msg)
	assert.True(t, ack)
	assert.Len(t, idx.calls, 2)
}

func TestConsumerSkipsUnknownAndMalformed(t *testing.T) {
	idx := &stubIndexer{}
	c := newTestConsumer(t, idx)

	ack := c.process(context.Background(), &pubsub.Message{ID: "1", Attributes: map[string]string{"event_type": "license_status_changed"}})
	assert.True(t, ack)

	ack = c.process(context.Background(), &pubsub.Message{ID: "2", Data: []byte("{"), Attributes: map[string]string{"event_type": string(enums.EventOrderCreated)}})
	assert.True(t, ack)

	ack = c.process(context.Background(), orderMessage(t, enums.EventOrderDelivered, payloads.OrderDeliveredEvent{}))
	assert.True(t, ack)

	assert.Empty(t, idx.calls)
}

func TestConsumerLogsMarkerCleanupFailure(t *testing.T) {
	var out bytes.Buffer
	idx := &stubIndexer{err: errors.New("db down")}
	c, srv := newTestConsumerWithServer(t, idx, &out)
	idx.before = srv.Close

	ack := c.process(context.Background(), orderMessage(t, enums.EventOrderCreated, payloads.OrderCreatedEvent{OrderID: uuid.New()}))
	assert.False(t, ack)
	assert.Contains(t, out.String(), "failed to clear processed marker")
}
