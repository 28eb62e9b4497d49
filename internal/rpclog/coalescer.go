// Package rpclog provides a coalescing log writer for bursty ACP
// notification traffic (principally session/update chunks): rather than
// logging one line per notification, it batches them over a short window
// and emits one summarized line per connection label.
//
// Grounded on the teacher's internal/errorreport.Reporter: nil-safe receiver
// methods, a mutex-guarded queue, an immediate-flush threshold, and a
// ticker-driven flush loop with an explicit Flush handshake on shutdown
// (preferred over a process-exit hook per spec §9's redesign note).
package rpclog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Config controls batching behaviour.
type Config struct {
	Window       time.Duration // how long to accumulate before flushing (default 250ms)
	MaxBatchSize int           // immediate-flush threshold (default 50)
}

type entry struct {
	method string
	bytes  int
}

// Coalescer batches notification log entries per connection label. A nil
// *Coalescer is a no-op, matching the teacher's nil-safe Reporter contract.
type Coalescer struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	batches map[string][]entry
	timers  map[string]*time.Timer

	closed bool
}

// New creates a Coalescer that logs through logger (slog.Default() if nil).
func New(cfg Config, logger *slog.Logger) *Coalescer {
	if cfg.Window <= 0 {
		cfg.Window = 250 * time.Millisecond
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		cfg:     cfg,
		logger:  logger,
		batches: make(map[string][]entry),
		timers:  make(map[string]*time.Timer),
	}
}

// Record queues one notification for label (typically the connection id).
// If the batch reaches MaxBatchSize it flushes immediately.
func (c *Coalescer) Record(label, method string, payloadSize int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.batches[label] = append(c.batches[label], entry{method: method, bytes: payloadSize})

	if len(c.batches[label]) >= c.cfg.MaxBatchSize {
		c.flushLocked(label)
		return
	}

	if _, armed := c.timers[label]; !armed {
		c.timers[label] = time.AfterFunc(c.cfg.Window, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.flushLocked(label)
		})
	}
}

func (c *Coalescer) flushLocked(label string) {
	batch := c.batches[label]
	delete(c.batches, label)
	if t, ok := c.timers[label]; ok {
		t.Stop()
		delete(c.timers, label)
	}
	if len(batch) == 0 {
		return
	}

	byMethod := make(map[string]int, 4)
	totalBytes := 0
	for _, e := range batch {
		byMethod[e.method]++
		totalBytes += e.bytes
	}

	c.logger.Info("coalesced notifications",
		"connection", label,
		"count", len(batch),
		"methods", byMethod,
		"size", humanize.Bytes(uint64(totalBytes)),
	)
}

// Flush forces a flush for label, if there is anything queued.
func (c *Coalescer) Flush(label string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked(label)
}

// FlushAll forces a flush of every pending label and marks the coalescer
// closed to further Record calls — used on process shutdown.
func (c *Coalescer) FlushAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for label := range c.batches {
		c.flushLocked(label)
	}
	c.closed = true
}
