package accesslog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaSource drains access records shipped to a Kafka topic. Each Fetch
// reads until MaxBatch records or until the topic stays idle for IdleWait.
// Offsets are committed only through Commit, after the caller has persisted
// its scan mark, so a crash mid-cycle redelivers the batch.
type KafkaSource struct {
	reader   kafkaReader
	MaxBatch int
	IdleWait time.Duration

	mu      sync.Mutex
	pending []kafka.Message
}

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaSource{reader: r, MaxBatch: 5000, IdleWait: 2 * time.Second}, nil
}

func (s *KafkaSource) Fetch(ctx context.Context, since time.Time) ([]anomaly.Record, error) {
	if s == nil || s.reader == nil {
		return nil, fmt.Errorf("kafka source not initialized")
	}
	maxBatch := s.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 5000
	}
	idle := s.IdleWait
	if idle <= 0 {
		idle = 2 * time.Second
	}
	out := []anomaly.Record{}
	dropped := 0
	for len(out) < maxBatch {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		msg, err := s.reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		s.track(msg)
		rec, err := Decode(msg.Value)
		if err != nil {
			dropped++
			continue
		}
		if !rec.At.IsZero() && !rec.At.After(since) {
			continue
		}
		out = append(out, rec)
	}
	if dropped > 0 {
		log.Printf("accesslog: dropped malformed kafka records count=%d", dropped)
	}
	return out, nil
}

func (s *KafkaSource) track(msg kafka.Message) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
}

// Commit acknowledges every message fetched since the last successful commit.
func (s *KafkaSource) Commit(ctx context.Context) error {
	if s == nil || s.reader == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, s.pending...); err != nil {
		return fmt.Errorf("commit kafka offsets: %w", err)
	}
	s.pending = nil
	return nil
}

func (s *KafkaSource) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}
