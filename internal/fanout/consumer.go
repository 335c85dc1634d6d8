package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/registry"
)

const fanoutConsumer = "order-fanout"

type indexer interface {
	IndexWithRetry(ctx context.Context, orderID uuid.UUID, trigger string) (*State, error)
}

type payloadDecoder interface {
	Decode(eventType enums.OutboxEventType, version int, payload json.RawMessage) (interface{}, error)
}

// Consumer reconciles fan-out views for every order event on the orders
// subscription.
type Consumer struct {
	indexer      indexer
	subscription *pubsub.Subscriber
	decoders     payloadDecoder
	idempotency  *idempotency.Manager
	logg         *logger.Logger
}

// NewConsumer builds the order fan-out consumer.
func NewConsumer(idx indexer, subscription *pubsub.Subscriber, events *registry.EventRegistry, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	if idx == nil {
		return nil, fmt.Errorf("fanout indexer required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("orders subscription required")
	}
	if events == nil {
		return nil, fmt.Errorf("event registry required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		indexer:      idx,
		subscription: subscription,
		decoders:     events.Decoders(1),
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if !c.process(ctx, msg) {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// process reports whether the message should be acked.
func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) bool {
	eventType := enums.OutboxEventType(msg.Attributes["event_type"])
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if !eventType.IsValid() {
		c.logg.Info(logCtx, "skipping non-order event")
		return true
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return true
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return true
	}

	decoded, err := c.decoders.Decode(eventType, envelope.Version, envelope.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to parse payload", err)
		return true
	}
	ref, ok := decoded.(payloads.OrderRef)
	if !ok || ref.OrderRef() == uuid.Nil {
		c.logg.Warn(logCtx, "event carries no order reference")
		return true
	}
	logCtx = c.logg.WithOrderID(logCtx, ref.OrderRef().String())

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, fanoutConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return false
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return true
	}

	if _, err := c.indexer.IndexWithRetry(ctx, ref.OrderRef(), TriggerEvent); err != nil {
		c.logg.Error(logCtx, "fanout reconcile failed", err)
		if delErr := c.idempotency.Delete(context.WithoutCancel(ctx), fanoutConsumer, eventID); delErr != nil {
			// a redelivery will now be acked as already processed
			c.logg.Error(logCtx, "failed to clear processed marker", delErr)
		}
		return false
	}

	c.logg.Info(logCtx, "fanout reconciled from event")
	return true
}
