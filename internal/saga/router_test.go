package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/ariefcatur/order-fulfillment/internal/events"
	"go.uber.org/zap"
)

func newRouter(t *testing.T) (*Router, *events.MemoryBus) {
	t.Helper()
	bus := events.NewMemoryBus()
	r, err := NewRouter(bus, zap.NewNop(), "")
	if err != nil {
		t.Fatal(err)
	}
	return r, bus
}

func mustEnvelope(t *testing.T, eventType, orderID string, payload any) events.Envelope {
	t.Helper()
	env, err := events.New(eventType, "test", orderID, payload)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestRelayOrderCreated(t *testing.T) {
	r, bus := newRouter(t)
	in := mustEnvelope(t, events.TypeOrderCreated, "o-1", events.OrderCreated{
		OrderID: "o-1",
		UserID:  "u-1",
		Items:   []events.Line{{ProductID: "p-1", Quantity: 2}},
		Total:   "150000",
	})
	in.TraceID = "trace-1"

	if err := r.RelayOrderCreated(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	got := bus.Published(events.TopicStockRequested)
	if len(got) != 1 {
		t.Fatalf("published %d", len(got))
	}
	out := got[0]
	if out.EventType != events.TypeStockRequested || out.Producer != "saga" {
		t.Errorf("envelope = %+v", out)
	}
	if out.CausationID != in.EventID || out.CorrelationID != "o-1" || out.TraceID != "trace-1" {
		t.Errorf("lineage = causation %s correlation %s trace %s", out.CausationID, out.CorrelationID, out.TraceID)
	}
	p, err := events.Decode[events.OrderCreated](out)
	if err != nil || len(p.Items) != 1 || p.Items[0].Quantity != 2 {
		t.Errorf("payload = %+v, %v", p, err)
	}
}

func TestRelayOutOfStockToCancel(t *testing.T) {
	r, bus := newRouter(t)
	in := mustEnvelope(t, events.TypeOutOfStock, "o-1", events.OutOfStock{OrderID: "o-1", UserID: "u-1"})

	if err := r.RelayOutOfStock(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	got := bus.Published(events.TopicOrderCancelRequested)
	if len(got) != 1 {
		t.Fatalf("published %d", len(got))
	}
	c, _ := events.Decode[events.CancelOrderRequested](got[0])
	if c.OrderID != "o-1" || c.UserID != "u-1" || c.Reason != DefaultOutOfStockReason {
		t.Errorf("cancel = %+v", c)
	}
}

func TestRedeliveredInputKeepsOutputID(t *testing.T) {
	r, bus := newRouter(t)
	in := mustEnvelope(t, events.TypeOutOfStock, "o-1", events.OutOfStock{OrderID: "o-1", Reason: "insufficient stock"})
	other := mustEnvelope(t, events.TypeOutOfStock, "o-1", events.OutOfStock{OrderID: "o-1", Reason: "insufficient stock"})

	for _, env := range []events.Envelope{in, in, other} {
		if err := r.RelayOutOfStock(context.Background(), env); err != nil {
			t.Fatal(err)
		}
	}
	got := bus.Published(events.TopicOrderCancelRequested)
	if got[0].EventID != got[1].EventID {
		t.Error("redelivery produced a new event id")
	}
	if got[0].EventID == got[2].EventID {
		t.Error("distinct inputs share an event id")
	}
}

type downBus struct{}

func (downBus) Publish(context.Context, string, events.Envelope) error { return errors.New("broker down") }

func TestPublishFailureLeavesInputUnacked(t *testing.T) {
	r, err := NewRouter(downBus{}, nil, "saga")
	if err != nil {
		t.Fatal(err)
	}
	in := mustEnvelope(t, events.TypeOrderCreated, "o-1", events.OrderCreated{OrderID: "o-1"})
	if err := r.RelayOrderCreated(context.Background(), in); err == nil {
		t.Error("publish failure swallowed")
	}
}

func TestMalformedInputIsDropped(t *testing.T) {
	r, bus := newRouter(t)
	bad := events.Envelope{EventID: "e-1", EventType: events.TypeOutOfStock, Payload: []byte(`{"order_id":`)}
	for topic, h := range r.Routes() {
		if err := h(context.Background(), bad); err != nil {
			t.Errorf("%s: %v", topic, err)
		}
	}
	if n := len(bus.Published(events.TopicOrderCancelRequested)) + len(bus.Published(events.TopicStockRequested)); n != 0 {
		t.Errorf("malformed input relayed %d times", n)
	}
}

func TestNewRouterRequiresPublisher(t *testing.T) {
	if _, err := NewRouter(nil, nil, ""); err == nil {
		t.Error("nil publisher accepted")
	}
}
