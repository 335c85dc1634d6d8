package registry

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	"github.com/angelmondragon/farmmarket-backend/pkg/outbox/payloads"
)

func TestDecoderRegistry(t *testing.T) {
	reg := NewDecoderRegistry()
	reg.Register(enums.EventOrderCancelled, 1, func(payload json.RawMessage) (interface{}, error) {
		var decoded map[string]string
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	})

	input := json.RawMessage(`{"reason":"buyer"}`)
	output, err := reg.Decode(enums.EventOrderCancelled, 1, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outMap, ok := output.(map[string]string); !ok || outMap["reason"] != "buyer" {
		t.Fatalf("unexpected output %+v", output)
	}
	if _, err := reg.Decode(enums.EventOrderCancelled, 2, input); err == nil {
		t.Fatal("expected missing version to fail")
	}
	if _, err := reg.Decode(enums.EventOrderCancelled, 0, input); err != nil {
		t.Fatalf("unversioned envelope should decode as v1: %v", err)
	}
}

func TestEventRegistryDecoders(t *testing.T) {
	reg := newTestEventRegistry(t)
	decoders := reg.Decoders(1)

	orderID := uuid.New()
	raw := mustMarshal(t, payloads.OrderDeliveredEvent{OrderID: orderID, BuyerID: uuid.New()})
	decoded, err := decoders.Decode(enums.EventOrderDelivered, 1, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ref, ok := decoded.(payloads.OrderRef)
	if !ok {
		t.Fatalf("expected OrderRef, got %T", decoded)
	}
	if ref.OrderRef() != orderID {
		t.Fatalf("expected order %s, got %s", orderID, ref.OrderRef())
	}
}
