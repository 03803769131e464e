package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"idsync/pkg/models"
)

const (
	defaultMaxBatch    = 500
	defaultIdleTimeout = 5 * time.Second
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MaxBatch    int
	IdleTimeout time.Duration
}

// Kafka builds batches from an HR topic carrying one JSON person per message.
// Offsets are committed only through Commit, after the batch has been
// reconciled, so a crash replays the batch instead of losing it.
type Kafka struct {
	reader      kafkaReader
	maxBatch    int
	idleTimeout time.Duration

	// Logger defaults to discarding output.
	Logger *slog.Logger
	// OnDrop is called for every message that cannot be decoded.
	OnDrop func()

	mu      sync.Mutex
	pending []kafka.Message
	dropped int64
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
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
	return newKafka(r, cfg.MaxBatch, cfg.IdleTimeout), nil
}

func newKafka(r kafkaReader, maxBatch int, idle time.Duration) *Kafka {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &Kafka{reader: r, maxBatch: maxBatch, idleTimeout: idle}
}

// Batch blocks until at least one message arrives, then keeps reading until
// MaxBatch messages were fetched or no message arrived for IdleTimeout.
// Persons are de-duplicated by ID with the last event winning. When ctx ends
// with messages already fetched, the partial batch is returned.
func (k *Kafka) Batch(ctx context.Context) ([]models.Person, error) {
	if k == nil || k.reader == nil {
		return nil, fmt.Errorf("kafka roster not initialized")
	}
	var people []models.Person
	fetched := 0
	for fetched < k.maxBatch {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if fetched > 0 {
			readCtx, cancel = context.WithTimeout(ctx, k.idleTimeout)
		}
		msg, err := k.reader.FetchMessage(readCtx)
		expired := readCtx.Err() != nil
		cancel()
		if err != nil {
			if fetched > 0 && expired {
				break
			}
			return nil, err
		}
		fetched++
		k.mu.Lock()
		k.pending = append(k.pending, msg)
		k.mu.Unlock()

		var p models.Person
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			k.drop(msg, err)
			continue
		}
		people = append(people, p)
	}
	return dedupe(people), nil
}

func (k *Kafka) drop(msg kafka.Message, err error) {
	k.mu.Lock()
	k.dropped++
	k.mu.Unlock()
	k.logger().Warn("roster message dropped",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	if k.OnDrop != nil {
		k.OnDrop()
	}
}

// Commit acknowledges every message fetched since the previous Commit.
func (k *Kafka) Commit(ctx context.Context) error {
	k.mu.Lock()
	msgs := k.pending
	k.pending = nil
	k.mu.Unlock()
	if len(msgs) == 0 {
		return nil
	}
	if err := k.reader.CommitMessages(ctx, msgs...); err != nil {
		k.mu.Lock()
		k.pending = append(msgs, k.pending...)
		k.mu.Unlock()
		return fmt.Errorf("commit roster offsets: %w", err)
	}
	return nil
}

// Dropped reports how many messages could not be decoded.
func (k *Kafka) Dropped() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dropped
}

func (k *Kafka) Close() error {
	if k == nil || k.reader == nil {
		return nil
	}
	return k.reader.Close()
}

func (k *Kafka) logger() *slog.Logger {
	if k.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return k.Logger
}
