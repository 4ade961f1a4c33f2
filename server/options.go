package server

import (
	"log/slog"
	"time"

	"github.com/jmcleod/keymint/stats"
)

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the writer's logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// WithWriterStats reports completed responses and write errors to c.
func WithWriterStats(c *stats.Collector) WriterOption {
	return func(w *Writer) { w.stats = c }
}

// WithChunkBytes sets the largest slice handed to a single write.
func WithChunkBytes(n int) WriterOption {
	return func(w *Writer) { w.chunk = n }
}

// WithDrainTimeout sets how long accepted responses may keep writing after
// the writer is stopped.
func WithDrainTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.drainTimeout = d }
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineStats reports connection and request counters to c.
func WithEngineStats(c *stats.Collector) EngineOption {
	return func(e *Engine) { e.stats = c }
}

// WithMaxNameBytes sets the longest name accepted before the connection is
// dropped.
func WithMaxNameBytes(n int) EngineOption {
	return func(e *Engine) { e.maxNameBytes = n }
}
