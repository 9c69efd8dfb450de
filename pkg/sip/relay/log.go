package relay

import (
	"context"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"
)

// LogWriter logs relayed messages instead of writing them to Kafka. It stands
// in for the edge proxy in development.
type LogWriter struct {
	log *slog.Logger
}

func NewLogWriter(log *slog.Logger) *LogWriter {
	return &LogWriter{log: log}
}

func (w *LogWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	for _, m := range msgs {
		kind := ""
		for _, h := range m.Headers {
			if h.Key == "kind" {
				kind = string(h.Value)
			}
		}
		w.log.Info("sip relay",
			"kind", kind,
			"call_id", string(m.Key),
			"payload", string(m.Value),
		)
	}
	return nil
}

func (w *LogWriter) Close() error {
	return nil
}
