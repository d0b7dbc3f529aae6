package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes notifications as JSON to a topic, keyed by order or
// subject so one entity's events stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		timeout: 5 * time.Second,
	}
}

func (p *KafkaPublisher) Notify(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	timeout := p.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(messageKey(n)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "audience", Value: []byte(n.Audience)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func messageKey(n Notification) string {
	switch {
	case strings.TrimSpace(n.OrderID) != "":
		return n.OrderID
	case strings.TrimSpace(n.SubjectID) != "":
		return n.SubjectID
	default:
		return n.Kind
	}
}
