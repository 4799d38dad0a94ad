package sink

import (
	"log/slog"

	"github.com/you/twitch-bot/internal/state"
)

type writeErrorCounter interface {
	IncDBWriteErrors()
}

// Instrumented counts failed archive writes.
type Instrumented struct {
	base    Writer
	metrics writeErrorCounter
}

func WithMetrics(base Writer, m writeErrorCounter) *Instrumented {
	return &Instrumented{base: base, metrics: m}
}

func (w *Instrumented) Write(msg state.Message) error {
	return w.observe(w.base.Write(msg), 1)
}

func (w *Instrumented) WriteBatch(msgs []state.Message) error {
	if bw, ok := w.base.(batchWriter); ok {
		return w.observe(bw.WriteBatch(msgs), len(msgs))
	}
	for _, msg := range msgs {
		if err := w.Write(msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *Instrumented) observe(err error, n int) error {
	if err == nil {
		return nil
	}
	slog.Warn("sink: archive write failed", "messages", n, "err", err)
	if w.metrics != nil {
		w.metrics.IncDBWriteErrors()
	}
	return err
}
