package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	skafka "github.com/segmentio/kafka-go"
)

type captureWriter struct {
	msgs []skafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestPublishWritesKeyedMessage(t *testing.T) {
	w := &captureWriter{}
	p := NewWithWriter(w, nil)

	p.Publish(context.Background(), Event{
		Type:       TypeShipmentDelivered,
		ShipmentID: "ship-1",
		Code:       "AB12C",
		Status:     "delivered",
		Amount:     252,
	})

	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "ship-1" {
		t.Fatalf("key = %s, want ship-1", w.msgs[0].Key)
	}
	var evt Event
	if err := json.Unmarshal(w.msgs[0].Value, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != TypeShipmentDelivered || evt.Amount != 252 {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.OccurredAt.IsZero() {
		t.Fatal("occurred_at not stamped")
	}
}

func TestPublishSwallowsWriterErrors(t *testing.T) {
	p := NewWithWriter(&captureWriter{err: errors.New("broker down")}, nil)
	// must not panic or propagate
	p.Publish(context.Background(), Event{Type: TypeShipmentCreated, ShipmentID: "ship-1"})
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher
	p.Publish(context.Background(), Event{Type: TypeShipmentCreated})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
