// Package ingest publishes driver locations and trip lifecycle events to
// Kafka for downstream consumers.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-coordination/internal/models"
)

const publishTimeout = 2 * time.Second

// Publisher is what the services need from the event stream.
type Publisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
	PublishTripEvent(ctx context.Context, ev models.TripEvent) error
}

type KafkaProducer struct {
	writer        *kafka.Writer
	locationTopic string
	tripTopic     string
}

func NewKafkaProducer(brokers []string, locationTopic, tripTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, tripTopic: tripTopic}
}

// PublishLocation keys by driver so one driver's positions stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	return k.publish(ctx, k.locationTopic, loc.DriverID, loc)
}

// PublishTripEvent keys by trip so a trip's transitions stay ordered.
func (k *KafkaProducer) PublishTripEvent(ctx context.Context, ev models.TripEvent) error {
	return k.publish(ctx, k.tripTopic, ev.TripID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ingest.publish %s: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("ingest.publish %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Nop discards everything. It is used when no brokers are configured.
type Nop struct{}

func (Nop) PublishLocation(context.Context, models.DriverLocation) error { return nil }
func (Nop) PublishTripEvent(context.Context, models.TripEvent) error     { return nil }
