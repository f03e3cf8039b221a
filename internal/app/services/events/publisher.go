// Package events publishes shipment lifecycle events for downstream
// consumers (tracking UI, notifications, analytics). Publishing is best
// effort: a broker outage never blocks or fails a settlement.
package events

import (
	"context"
	"encoding/json"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"github.com/shiptrack/escrow_layer/pkg/logger"
)

// Event is the envelope written for every lifecycle change.
type Event struct {
	Type       string    `json:"type"`
	ShipmentID string    `json:"shipment_id"`
	Code       string    `json:"code"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event types emitted by the settlement flow.
const (
	TypeShipmentCreated    = "shipment.created"
	TypeShipmentHandedOff  = "shipment.handed_off"
	TypeShipmentDelivered  = "shipment.delivered"
	TypeShipmentFailed     = "shipment.failed"
	TypeSettlementDiverged = "settlement.divergence"
)

// Writer is the subset of the kafka writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Publisher writes events to a kafka topic. A nil *Publisher is valid and
// drops everything, so callers never need to guard.
type Publisher struct {
	writer Writer
	log    *logger.Logger
}

// New creates a publisher against broker/topic.
func New(broker, topic string, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewDefault("events")
	}
	w := &skafka.Writer{
		Addr:     skafka.TCP(broker),
		Topic:    topic,
		Balancer: &skafka.LeastBytes{},
	}
	return &Publisher{writer: w, log: log}
}

// NewWithWriter allows injecting a test writer.
func NewWithWriter(w Writer, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Publisher{writer: w, log: log}
}

// Publish writes one event keyed by shipment id. Errors are logged, not
// returned.
func (p *Publisher) Publish(ctx context.Context, evt Event) {
	if p == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		p.log.WithError(err).WithField("type", evt.Type).Error("marshal event")
		return
	}
	msg := skafka.Message{Key: []byte(evt.ShipmentID), Value: body}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.WithError(err).
			WithField("type", evt.Type).
			WithField("shipment_id", evt.ShipmentID).
			Warn("event publish failed")
	}
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
