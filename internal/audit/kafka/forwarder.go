// Package kafka forwards audit outbox rows to a Kafka topic. Delivery is
// at-least-once: rows are marked published only after the broker acks, so a
// crash between produce and mark replays the batch.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"kyc-gateway/internal/audit/store"
)

const defaultBatchSize = 100

// Outbox is the slice of the audit store the forwarder needs.
type Outbox interface {
	UnpublishedOutbox(ctx context.Context, limit int) ([]store.OutboxRow, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}

// Forwarder polls the outbox and produces pending rows to Kafka.
type Forwarder struct {
	client   *kgo.Client
	outbox   Outbox
	topic    string
	interval time.Duration
	logger   *slog.Logger
}

func NewForwarder(brokers []string, topic string, outbox Outbox, interval time.Duration, logger *slog.Logger) (*Forwarder, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Forwarder{
		client:   client,
		outbox:   outbox,
		topic:    topic,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run polls until the context is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	f.ensureTopic(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	defer f.client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.flush(ctx); err != nil {
				f.logger.Error("audit outbox flush failed", "error", err)
			}
		}
	}
}

// ensureTopic creates the audit topic with broker defaults if it does not
// exist yet. Failure here is not fatal; most clusters auto-create on first
// produce.
func (f *Forwarder) ensureTopic(ctx context.Context) {
	resp, err := kadm.NewClient(f.client).CreateTopics(ctx, -1, -1, nil, f.topic)
	if err != nil {
		f.logger.Warn("could not ensure audit topic", "topic", f.topic, "error", err)
		return
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			f.logger.Warn("could not create audit topic", "topic", t.Topic, "error", t.Err)
		}
	}
}

func (f *Forwarder) flush(ctx context.Context) error {
	for {
		rows, err := f.outbox.UnpublishedOutbox(ctx, defaultBatchSize)
		if err != nil {
			return fmt.Errorf("load outbox: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		records := make([]*kgo.Record, 0, len(rows))
		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			records = append(records, &kgo.Record{
				Topic: f.topic,
				Key:   []byte(row.EventType),
				Value: row.Payload,
			})
			ids = append(ids, row.ID)
		}

		if err := f.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
			return fmt.Errorf("produce audit batch: %w", err)
		}
		if err := f.outbox.MarkPublished(ctx, ids); err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		if len(rows) < defaultBatchSize {
			return nil
		}
	}
}
