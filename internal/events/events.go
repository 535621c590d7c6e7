// internal/events/events.go
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type terminalEvent struct {
	ImageID string `json:"image_id"`
	Status  string `json:"status"`
}

// Publisher emits one Kafka message per terminal record, keyed by image id.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(broker, topic string) *Publisher {
	return &Publisher{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers: []string{broker},
			Topic:   topic,
		}),
	}
}

func (p *Publisher) Publish(ctx context.Context, imageID, status string) error {
	const op = "events.Publish"

	payload, err := json.Marshal(terminalEvent{ImageID: imageID, Status: status})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(imageID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
