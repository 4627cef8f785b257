package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gabri117/libreria/internal/events"
	"github.com/gabri117/libreria/internal/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	repo       Repository
	reader     MessageReader
	log        *zap.Logger
	m          *metrics.Registry
	retryDelay time.Duration
	maxDelay   time.Duration
}

func NewKafkaReader(topic, groupID string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

func NewConsumer(repo Repository, reader MessageReader, log *zap.Logger, m *metrics.Registry) *Consumer {
	return &Consumer{
		repo:       repo,
		reader:     reader,
		log:        log,
		m:          m,
		retryDelay: time.Second,
		maxDelay:   30 * time.Second,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Warn("error closing kafka reader", zap.Error(err))
	}
}

// processMessage stores one event. The offset is committed only once the
// entry is stored or known to be unusable; a storage outage blocks the
// partition until the insert succeeds or ctx ends.
func (c *Consumer) processMessage(ctx context.Context) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.log.Warn("error reading message", zap.Error(err))
		}
		return
	}

	entry, err := EntryFromEvent(msg.Value)
	if err != nil {
		c.log.Error("dropping unreadable event",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("key", msg.Key),
			zap.Error(err))
		c.commit(ctx, msg)
		return
	}

	err = c.insert(ctx, entry)
	if errors.Is(err, ErrDuplicateEvent) {
		c.m.AuditDuplicates.Inc()
		c.log.Debug("event already audited", zap.String("event_id", entry.EventID))
		c.commit(ctx, msg)
		return
	}
	if err != nil {
		return
	}

	c.m.AuditStored.WithLabelValues(string(entry.Action)).Inc()
	c.log.Info("audit entry stored",
		zap.String("event_id", entry.EventID),
		zap.String("action", string(entry.Action)),
		zap.String("entity", entry.Entity),
		zap.String("entity_id", entry.EntityID))
	c.commit(ctx, msg)
}

func (c *Consumer) insert(ctx context.Context, entry *Entry) error {
	delay := c.retryDelay
	for {
		err := c.repo.Insert(ctx, entry)
		if err == nil || errors.Is(err, ErrDuplicateEvent) {
			return err
		}
		c.log.Error("failed to store audit entry, retrying",
			zap.String("event_id", entry.EventID),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.log.Warn("failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

// EntryFromEvent maps a published envelope to its audit entry.
func EntryFromEvent(b []byte) (*Entry, error) {
	env, err := events.Decode(b)
	if err != nil {
		return nil, err
	}

	var action Action
	switch env.Type {
	case events.TypeSaleCreated, events.TypeUserCreated:
		action = ActionCreate
	case events.TypeUserUpdated:
		action = ActionUpdate
	case events.TypeSaleVoided:
		action = ActionVoidSale
	case events.TypeSessionOpened:
		action = ActionOpenSession
	case events.TypeSessionClosed:
		action = ActionCloseSession
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	return &Entry{
		ID:        uuid.New().String(),
		EventID:   env.ID.String(),
		UserID:    env.UserID,
		Action:    action,
		Entity:    env.AggregateType,
		EntityID:  env.AggregateID,
		Details:   env.Summary,
		Timestamp: env.OccurredAt,
	}, nil
}
