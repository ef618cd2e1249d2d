package kafkax

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// StartOffset applies only to a consumer group without committed
	// offsets: "first" replays the topic, anything else starts at the end.
	StartOffset string

	MinBytes int
	MaxBytes int
}

// Consumer is a group reader with manual commits: callers fetch, process,
// then commit, so a crash between the two redelivers rather than drops.
type Consumer struct {
	cfg ConsumerConfig

	mu sync.Mutex
	r  *kafka.Reader
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	return &Consumer{cfg: cfg, r: buildReader(cfg)}
}

func buildReader(cfg ConsumerConfig) *kafka.Reader {
	minBytes := cfg.MinBytes
	if minBytes == 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 10e6
	}

	start := kafka.LastOffset
	if strings.EqualFold(cfg.StartOffset, "first") {
		start = kafka.FirstOffset
	}

	// Bounded MaxWait and backoffs keep FetchMessage from hanging forever
	// on broker or metadata trouble.
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    start,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		MaxWait:        500 * time.Millisecond,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: 1 * time.Second,
	})
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r == nil {
		return nil
	}
	err := c.r.Close()
	c.r = nil
	return err
}

func (c *Consumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	return c.reader().FetchMessage(ctx)
}

func (c *Consumer) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return c.reader().CommitMessages(ctx, msgs...)
}

// Reopen replaces the underlying reader. Used when broker metadata went
// stale and fetches keep failing.
func (c *Consumer) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r != nil {
		_ = c.r.Close()
	}
	c.r = buildReader(c.cfg)
}

func (c *Consumer) reader() *kafka.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.r
}
