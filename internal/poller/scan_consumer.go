package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/OP0007/shelf-to-door/internal/metrics"
	"github.com/OP0007/shelf-to-door/internal/service"
	"github.com/segmentio/kafka-go"
)

var errMalformed = errors.New("malformed scan message")

// ScanMessage is one reader event. Exactly one of ProductID and RFIDTag is set.
type ScanMessage struct {
	CartID    int64  `json:"cart_id"`
	ProductID int64  `json:"product_id,omitempty"`
	RFIDTag   string `json:"rfid_tag,omitempty"`
}

type Scanner interface {
	ProcessScan(ctx context.Context, cartID, productID int64) (*domain.ScanResult, error)
	ScanTag(ctx context.Context, cartID int64, tag string) (*domain.ScanResult, error)
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ScanConsumer applies scans from the reader topic. Messages are keyed by
// cart so one cart's scans arrive in order on a single partition.
type ScanConsumer struct {
	engine         Scanner
	reader         MessageReader
	log            *slog.Logger
	metrics        *metrics.Metrics
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewKafkaReader(topic, groupID string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

func NewScanConsumer(engine Scanner, reader MessageReader, log *slog.Logger, m *metrics.Metrics) *ScanConsumer {
	return &ScanConsumer{
		engine:         engine,
		reader:         reader,
		log:            log,
		metrics:        m,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     5 * time.Second,
	}
}

func (c *ScanConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *ScanConsumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Error("error closing kafka reader", slog.Any("error", err))
	}
}

func (c *ScanConsumer) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Error("error reading message", slog.Any("error", err))
		return
	}

	err = c.applyWithRetry(ctx, m)
	if ctx.Err() != nil {
		// not committed, the group redelivers it
		return
	}
	c.metrics.ScanMessages.WithLabelValues(messageResult(err)).Inc()
	if err != nil {
		c.log.Warn("scan rejected",
			slog.Int("partition", m.Partition),
			slog.Int64("offset", m.Offset),
			slog.Any("error", err))
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.log.Error("failed to commit message", slog.Int64("offset", m.Offset), slog.Any("error", err))
	}
}

// applyWithRetry retries transient failures until the scan succeeds, is
// rejected, or ctx ends.
func (c *ScanConsumer) applyWithRetry(ctx context.Context, m kafka.Message) error {
	wait := c.initialBackoff
	for {
		err := c.apply(ctx, m)
		if !errors.Is(err, service.ErrTransient) {
			return err
		}
		c.log.Warn("transient scan failure, retrying", slog.Duration("backoff", wait), slog.Any("error", err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

func (c *ScanConsumer) apply(ctx context.Context, m kafka.Message) error {
	msg, err := decodeScan(m)
	if err != nil {
		return err
	}

	var res *domain.ScanResult
	if msg.RFIDTag != "" {
		res, err = c.engine.ScanTag(ctx, msg.CartID, msg.RFIDTag)
	} else {
		res, err = c.engine.ProcessScan(ctx, msg.CartID, msg.ProductID)
	}
	if err != nil {
		return err
	}

	c.log.Debug("scan applied",
		slog.Int64("cart_id", msg.CartID),
		slog.Int64("product_id", res.Line.ProductID),
		slog.Int("quantity", int(res.Line.Quantity)))
	return nil
}

func decodeScan(m kafka.Message) (ScanMessage, error) {
	var msg ScanMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if msg.CartID == 0 && len(m.Key) > 0 {
		id, err := strconv.ParseInt(string(m.Key), 10, 64)
		if err != nil {
			return msg, fmt.Errorf("%w: bad key %q", errMalformed, m.Key)
		}
		msg.CartID = id
	}
	if msg.CartID <= 0 {
		return msg, fmt.Errorf("%w: missing cart_id", errMalformed)
	}
	if (msg.ProductID > 0) == (msg.RFIDTag != "") {
		return msg, fmt.Errorf("%w: need exactly one of product_id and rfid_tag", errMalformed)
	}
	return msg, nil
}

func messageResult(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, errMalformed):
		return "malformed"
	default:
		return "rejected"
	}
}
