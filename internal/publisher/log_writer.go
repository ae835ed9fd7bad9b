package publisher

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// LogWriter stands in for Kafka when no brokers are configured. It logs each
// message at debug level so the outbox still drains.
type LogWriter struct {
	log *slog.Logger
}

func NewLogWriter(log *slog.Logger) *LogWriter {
	return &LogWriter{log: log}
}

func (w *LogWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		var eventType string
		for _, h := range m.Headers {
			if h.Key == "event_type" {
				eventType = string(h.Value)
			}
		}
		w.log.DebugContext(ctx, "event",
			slog.String("key", string(m.Key)),
			slog.String("event_type", eventType),
			slog.String("payload", string(m.Value)))
	}
	return nil
}

func (w *LogWriter) Close() error {
	return nil
}
