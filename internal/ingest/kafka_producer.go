// Package ingest publishes driver locations and trip changes to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// MessageWriter is the part of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
}

// KafkaProducer publishes driver location reports keyed by driver uid, so
// reports for one driver stay in partition order.
type KafkaProducer struct {
	writer MessageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: NewWriter(brokers, topic)}
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.UID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// TripEventPublisher mirrors trip changes onto a topic keyed by passenger
// uid. It is a trips hook; publish failures are logged, never returned.
type TripEventPublisher struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewTripEventPublisher(w MessageWriter, logger *slog.Logger) *TripEventPublisher {
	return &TripEventPublisher{writer: w, logger: logging.OrNop(logger)}
}

func (p *TripEventPublisher) HandleTripEvent(ctx context.Context, ev models.TripEvent, _ *models.Trip) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("encoding trip event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(ev.PassengerUID),
		Value:   b,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(ev.Kind)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publishing trip event", "passenger_uid", ev.PassengerUID, "kind", ev.Kind, "error", err)
	}
}

func (p *TripEventPublisher) Close() error { return p.writer.Close() }
