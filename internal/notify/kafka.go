package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaEvents publishes dispatch events for downstream consumers (admin
// back office, analytics). Keyed by trip so per-trip ordering survives
// partitioning.
type KafkaEvents struct {
	writer *kafka.Writer
}

func NewKafkaEvents(brokers []string, topic string) *KafkaEvents {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaEvents{writer: w}
}

func (k *KafkaEvents) Publish(tripID, kind string, payload interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(map[string]interface{}{"kind": kind, "payload": payload})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(tripID), Value: b})
}

func (k *KafkaEvents) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
