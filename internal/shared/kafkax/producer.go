// Package kafkax wraps kafka-go with the small amount of resilience the
// services need: short metadata TTL and writer/reader recreation when
// broker addresses go stale.
package kafkax

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

// Producer publishes keyed messages to one topic. Messages with the same
// key land on the same partition, which keeps per-envelope event order.
type Producer struct {
	cfg ProducerConfig

	mu        sync.Mutex
	w         *kafka.Writer
	lastReset time.Time
}

func NewProducer(cfg ProducerConfig) *Producer {
	return &Producer{cfg: cfg, w: buildWriter(cfg)}
}

func buildWriter(cfg ProducerConfig) *kafka.Writer {
	// A short metadata TTL lets the client notice changed broker addresses
	// without a process restart.
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 50 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			MetadataTTL: 10 * time.Second,
		},
	}
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}

// Produce writes one message. On a network-looking failure the writer is
// rebuilt once and the write retried, which recovers from stale broker
// metadata.
func (p *Producer) Produce(ctx context.Context, key, value []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.WriteTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
	}

	write := func() error {
		p.mu.Lock()
		w := p.w
		p.mu.Unlock()
		if w == nil {
			return context.Canceled
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return w.WriteMessages(wctx, kafka.Message{Key: key, Value: value})
	}

	err := write()
	if err == nil {
		return nil
	}
	if !looksTransient(err) {
		return err
	}
	p.rebuild()
	return write()
}

var transientMarkers = []string{
	"dial tcp",
	"connection refused",
	"i/o timeout",
	"eof",
	"broken pipe",
	"transport is closing",
	"not leader",
	"unknown broker",
	"failed to dial",
}

func looksTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (p *Producer) rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Rate-limited so a hard outage doesn't churn writers.
	if time.Since(p.lastReset) < 2*time.Second {
		return
	}
	if p.w != nil {
		_ = p.w.Close()
	}
	p.w = buildWriter(p.cfg)
	p.lastReset = time.Now()
}
