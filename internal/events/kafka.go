package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/vasiliy-maslov/retail-order-service/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Writer is the part of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer Writer
	topic  string
}

// New returns a Kafka-backed publisher, or NoopPublisher when cfg lists no brokers.
func New(cfg config.KafkaConfig) Publisher {
	if len(cfg.Brokers) == 0 {
		log.Info().Msg("No Kafka brokers configured, order events disabled")
		return NoopPublisher{}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka order event publisher configured")

	return NewKafkaPublisher(w, cfg.Topic)
}

func NewKafkaPublisher(w Writer, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Publish writes event keyed by order id so all events of one order land on
// the same partition. The caller's trace context travels in the headers.
func (p *KafkaPublisher) Publish(ctx context.Context, event OrderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: failed to serialize %s event: %w", event.Type, err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafka.Header, 0, len(carrier)+1)
	headers = append(headers, kafka.Header{Key: "event_type", Value: []byte(event.Type)})
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(event.OrderID.String()),
		Value:   payload,
		Headers: headers,
		Time:    event.OccurredAt,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: failed to publish %s event to %s: %w", event.Type, p.topic, err)
	}

	log.Ctx(ctx).Debug().Str("event_type", event.Type).Stringer("order_id", event.OrderID).Msg("Order event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
