package sink

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/twitch-bot/internal/state"
)

type recordingWriter struct {
	mu        sync.Mutex
	messages  []state.Message
	failAfter int
	calls     int
}

func (r *recordingWriter) Write(msg state.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return fmt.Errorf("boom")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type batchRecorder struct {
	recordingWriter
	batches [][]state.Message
}

func (b *batchRecorder) WriteBatch(msgs []state.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, msgs)
	return nil
}

func TestBufferedWriterBatchFlush(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(state.Message{Body: "1"}); err != nil {
		t.Fatalf("write1: %v", err)
	}
	if base.Count() != 0 || bw.Pending() != 1 {
		t.Fatalf("expected no flush yet")
	}
	if err := bw.Write(state.Message{Body: "2"}); err != nil {
		t.Fatalf("write2: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected batch flush, got %d", base.Count())
	}
}

func TestBufferedWriterUsesBatchInsert(t *testing.T) {
	base := &batchRecorder{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 3})
	for i := 0; i < 3; i++ {
		if err := bw.Write(state.Message{Body: fmt.Sprint(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if len(base.batches) != 1 || len(base.batches[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %v", base.batches)
	}
	if base.Count() != 0 {
		t.Fatalf("single writes should not be used when batching is available")
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bw.Write(state.Message{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBufferedWriterFlushInterval(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(state.Message{Body: "interval"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if base.Count() != 1 {
		t.Fatalf("expected timer flush, got %d", base.Count())
	}
}

func TestBufferedWriterErrorPropagation(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1, FlushInterval: 0})
	defer func() {
		_ = bw.Close()
	}()

	if err := bw.Write(state.Message{Body: "err"}); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
}

type errCounter struct{ n int }

func (c *errCounter) IncDBWriteErrors() { c.n++ }

func TestInstrumentedCountsFailures(t *testing.T) {
	counter := &errCounter{}
	w := WithMetrics(&recordingWriter{failAfter: 2}, counter)
	if err := w.Write(state.Message{}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.WriteBatch([]state.Message{{}, {}}); err == nil {
		t.Fatal("expected failure")
	}
	if counter.n != 1 {
		t.Fatalf("expected one counted failure, got %d", counter.n)
	}
}
