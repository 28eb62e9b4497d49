package rpclog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func newTestCoalescer(t *testing.T, cfg Config) (*Coalescer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return New(cfg, logger), &buf
}

func TestRecordFlushesOnMaxBatchSize(t *testing.T) {
	t.Parallel()
	c, buf := newTestCoalescer(t, Config{Window: time.Hour, MaxBatchSize: 3})

	c.Record("conn-1", "session/update", 10)
	c.Record("conn-1", "session/update", 10)
	if buf.Len() != 0 {
		t.Fatal("did not expect a flush before reaching MaxBatchSize")
	}
	c.Record("conn-1", "session/update", 10)

	if buf.Len() == 0 {
		t.Fatal("expected a flush once MaxBatchSize was reached")
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["count"].(float64) != 3 {
		t.Errorf("count = %v, want 3", line["count"])
	}
}

func TestRecordFlushesOnWindow(t *testing.T) {
	t.Parallel()
	c, buf := newTestCoalescer(t, Config{Window: 20 * time.Millisecond, MaxBatchSize: 100})

	c.Record("conn-1", "session/update", 5)

	deadline := time.Now().Add(time.Second)
	for buf.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if buf.Len() == 0 {
		t.Fatal("expected window-driven flush")
	}
}

func TestFlushAllIsIdempotentAndNilSafe(t *testing.T) {
	t.Parallel()

	var nilCoalescer *Coalescer
	nilCoalescer.Record("x", "y", 1) // must not panic
	nilCoalescer.Flush("x")
	nilCoalescer.FlushAll()

	c, buf := newTestCoalescer(t, Config{Window: time.Hour, MaxBatchSize: 100})
	c.Record("conn-1", "session/update", 10)
	c.FlushAll()
	if buf.Len() == 0 {
		t.Fatal("expected FlushAll to flush pending batches")
	}

	buf.Reset()
	c.Record("conn-1", "session/update", 10) // closed: should be dropped
	if buf.Len() != 0 {
		t.Error("expected Record after FlushAll/close to be a no-op")
	}
}
