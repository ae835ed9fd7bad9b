package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/OP0007/shelf-to-door/internal/circuitbreaker"
	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/metrics"
	"github.com/segmentio/kafka-go"
)

const batchSize = 100

// EventSource is the outbox side of the store.
type EventSource interface {
	GetUnpublishedEvents(ctx context.Context, limit int) ([]*domain.Event, error)
	MarkEventPublished(ctx context.Context, id int64) error
}

// Reconciler repairs carts left active after a recorded sale.
type Reconciler interface {
	ReconcileDegraded(ctx context.Context) (int, error)
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type OutboxPoller struct {
	timeout      time.Duration
	eventTick    time.Duration
	recoveryTick time.Duration
	source       EventSource
	reconciler   Reconciler
	writer       MessageWriter
	breaker      *circuitbreaker.Breaker
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// NewKafkaWriter hashes on the message key so every event of one cart lands on one partition.
func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

func NewOutboxPoller(source EventSource, reconciler Reconciler, writer MessageWriter, log *slog.Logger, m *metrics.Metrics) *OutboxPoller {
	return &OutboxPoller{
		timeout:      5 * time.Second,
		eventTick:    time.Second,
		recoveryTick: 5 * time.Second,
		source:       source,
		reconciler:   reconciler,
		writer:       writer,
		breaker:      circuitbreaker.New(circuitbreaker.DefaultConfig("outbox-kafka"), log),
		log:          log,
		metrics:      m,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	recoveryTicker := time.NewTicker(p.recoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.reconcileDegradedCarts(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.source.GetUnpublishedEvents(ctx, batchSize)
	if err != nil {
		p.log.Error("failed to fetch outbox events", slog.Any("error", err))
		return
	}

	for _, event := range events {
		err := p.breaker.Do(func() error {
			return p.publishToKafka(ctx, event)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			p.metrics.OutboxPublished.WithLabelValues("breaker_open").Inc()
			return
		}
		if err != nil {
			// Later events may belong to the same cart; keep order by retrying on the next tick.
			p.metrics.OutboxPublished.WithLabelValues("failed").Inc()
			p.log.Error("failed to publish outbox event",
				slog.Int64("event_id", event.ID),
				slog.String("event_type", event.Type),
				slog.Any("error", err))
			return
		}

		if err := p.source.MarkEventPublished(ctx, event.ID); err != nil {
			p.metrics.OutboxPublished.WithLabelValues("mark_failed").Inc()
			p.log.Error("failed to mark outbox event published",
				slog.Int64("event_id", event.ID),
				slog.Any("error", err))
			return
		}
		p.metrics.OutboxPublished.WithLabelValues("published").Inc()
	}
}

func (p *OutboxPoller) reconcileDegradedCarts(ctx context.Context) {
	if p.reconciler == nil {
		return
	}
	fixed, err := p.reconciler.ReconcileDegraded(ctx)
	if err != nil {
		p.log.Error("failed to reconcile degraded carts", slog.Int("fixed", fixed), slog.Any("error", err))
		return
	}
	if fixed > 0 {
		p.log.Info("reconciled degraded carts", slog.Int("fixed", fixed))
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // cart or product id for ordering
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	}

	return p.writer.WriteMessages(ctx, msg)
}
