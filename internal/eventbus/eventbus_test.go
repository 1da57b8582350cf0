package eventbus

import (
	"strings"
	"testing"

	"github.com/friendsincode/elastisched/internal/config"
	"github.com/friendsincode/elastisched/internal/events"
	"github.com/rs/zerolog"
)

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	data, err := marshalMessage(events.EventScheduleCompleted, events.Payload{"segments": float64(3)}, "node-a")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := unmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.EventType != events.EventScheduleCompleted || msg.NodeID != "node-a" {
		t.Fatalf("unexpected envelope %+v", msg)
	}
	if msg.Payload["segments"] != float64(3) {
		t.Fatalf("unexpected payload %v", msg.Payload)
	}
	if msg.MessageID == "" {
		t.Fatal("expected message id")
	}

	if _, err := unmarshalMessage([]byte("{")); err == nil {
		t.Fatal("expected malformed envelope to fail")
	}
}

func TestNodeIDIsUnique(t *testing.T) {
	a, b := NodeID(), NodeID()
	if a == b {
		t.Fatalf("expected distinct node ids, got %q twice", a)
	}
	if !strings.Contains(a, "-") {
		t.Fatalf("unexpected node id %q", a)
	}
}

func TestRedisFallbackDeliversLocally(t *testing.T) {
	rb := newRedisBus(nil, DefaultRedisConfig(), "node-a", zerolog.Nop())
	rb.useFallback = true
	defer rb.Close()

	sub := rb.Subscribe(events.EventRecurrenceCreated)
	rb.Publish(events.EventRecurrenceCreated, events.Payload{"id": "r1"})

	select {
	case got := <-sub:
		if got["id"] != "r1" {
			t.Fatalf("unexpected payload %v", got)
		}
	default:
		t.Fatal("expected local delivery while Redis is unavailable")
	}

	rb.Unsubscribe(events.EventRecurrenceCreated, sub)
	if _, ok := <-sub; ok {
		t.Fatal("expected subscriber to be closed")
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.MaxFailures = 2
	rb := newRedisBus(nil, cfg, "node-a", zerolog.Nop())

	rb.handleFailure()
	if rb.useFallback {
		t.Fatal("breaker opened too early")
	}
	rb.handleFailure()
	if !rb.useFallback {
		t.Fatal("expected breaker to open")
	}
}

func TestNewSelectsMemoryBus(t *testing.T) {
	broker, err := New(&config.Config{EventBus: config.EventBusMemory}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := broker.(*events.Bus); !ok {
		t.Fatalf("expected in-process bus, got %T", broker)
	}
	if _, err := New(&config.Config{EventBus: "carrier-pigeon"}, zerolog.Nop()); err == nil {
		t.Fatal("expected unknown bus to fail")
	}
}
