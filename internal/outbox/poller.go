package outbox

import (
	"context"
	"time"

	"github.com/gabri117/libreria/internal/metrics"
	"github.com/gabri117/libreria/internal/store"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const batchSize = 100

type Repository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*store.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id uuid.UUID) error
}

// MessageWriter is the part of *kafka.Writer the poller uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Poller relays committed outbox rows to Kafka. Delivery is at least once:
// a row published but not marked is sent again on the next tick.
type Poller struct {
	interval time.Duration
	repo     Repository
	writer   MessageWriter
	log      *zap.Logger
	m        *metrics.Registry
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

func NewPoller(repo Repository, writer MessageWriter, interval time.Duration, log *zap.Logger, m *metrics.Registry) *Poller {
	return &Poller{
		interval: interval,
		repo:     repo,
		writer:   writer,
		log:      log,
		m:        m,
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Close flushes and closes the writer.
func (p *Poller) Close() error {
	return p.writer.Close()
}

func (p *Poller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, batchSize)
	if err != nil {
		p.log.Error("failed to fetch outbox events", zap.Error(err))
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.m.OutboxFailed.WithLabelValues(event.EventType).Inc()
			p.log.Warn("failed to publish outbox event",
				zap.String("event_id", event.ID.String()),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			// later events of the same aggregate must not overtake this one
			return published
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.Warn("failed to mark outbox event as processed",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			return published
		}
		p.m.OutboxPublished.WithLabelValues(event.EventType).Inc()
		published++
	}
	if published > 0 {
		p.log.Debug("outbox events published", zap.Int("count", published))
	}
	return published
}

func (p *Poller) publish(ctx context.Context, event *store.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "aggregate_type", Value: []byte(event.AggregateType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
