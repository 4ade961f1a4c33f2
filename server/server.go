package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/jmcleod/keymint/generation"
	"github.com/jmcleod/keymint/journal"
	"github.com/jmcleod/keymint/stats"
	"github.com/jmcleod/keymint/store"
)

// Config assembles a Server. Zero values select the package defaults.
type Config struct {
	Workers         int
	QueueLimit      int
	StoreShards     int
	MaxNameBytes    int
	WriteChunkBytes int
	DrainTimeout    time.Duration
	Journal         journal.Journal
	Stats           *stats.Collector
	Logger          *slog.Logger
}

// Server is the complete key service: store, generation queue and pool,
// connection engine and response writer.
type Server struct {
	store  *store.Store
	queue  *generation.Queue
	pool   *generation.Pool
	writer *Writer
	engine *Engine
	stats  *stats.Collector
	logger *slog.Logger
}

// New wires a Server issuing keys with issuer.
func New(issuer generation.Issuer, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	s := &Server{
		store:  store.New(cfg.StoreShards),
		queue:  generation.NewQueue(cfg.QueueLimit),
		stats:  cfg.Stats,
		logger: logger,
	}
	s.pool = generation.NewPool(s.queue, issuer,
		generation.WithWorkers(cfg.Workers),
		generation.WithJournal(cfg.Journal),
		generation.WithStats(cfg.Stats),
		generation.WithLogger(logger.With("component", "pool")),
	)
	s.writer = NewWriter(
		WithWriterLogger(logger.With("component", "writer")),
		WithWriterStats(cfg.Stats),
		WithChunkBytes(cfg.WriteChunkBytes),
		WithDrainTimeout(cfg.DrainTimeout),
	)
	s.engine = NewEngine(s.store, s.queue, s.writer,
		WithEngineLogger(logger.With("component", "engine")),
		WithEngineStats(cfg.Stats),
		WithMaxNameBytes(cfg.MaxNameBytes),
	)
	return s
}

// Store returns the server's result store.
func (s *Server) Store() *store.Store { return s.store }

// Stats returns the collector passed in Config, which may be nil.
func (s *Server) Stats() *stats.Collector { return s.stats }

// Status reports the live state of the generation pipeline.
type Status struct {
	Workers    int          `json:"workers"`
	Generating int          `json:"generating"`
	Queued     int          `json:"queued"`
	Writing    int          `json:"writing"`
	Names      store.Counts `json:"names"`
}

// Status returns a snapshot of queue depth, running generations and store
// contents.
func (s *Server) Status() Status {
	return Status{
		Workers:    s.pool.Workers(),
		Generating: s.pool.Active(),
		Queued:     s.queue.Len(),
		Writing:    s.writer.Pending(),
		Names:      s.store.Counts(),
	}
}

// Serve runs the service on ln until ctx is done. Shutdown happens in
// order: the engine stops accepting and drops connections still sending
// their name, the pool fails queued generations and finishes running ones,
// and finally the writer drains the responses it holds.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// The pool and writer outlive ctx so they can be stopped in order.
	base := context.WithoutCancel(ctx)
	poolCtx, stopPool := context.WithCancel(base)
	defer stopPool()
	writerCtx, stopWriter := context.WithCancel(base)
	defer stopWriter()

	poolDone := make(chan error, 1)
	go func() { poolDone <- s.pool.Run(poolCtx) }()
	writerDone := make(chan error, 1)
	go func() { writerDone <- s.writer.Run(writerCtx) }()

	serveErr := s.engine.Serve(ctx, ln)

	stopPool()
	poolErr := <-poolDone
	stopWriter()
	writerErr := <-writerDone

	s.logger.Info("key service stopped", "names", s.store.Len())
	return errors.Join(serveErr, poolErr, writerErr)
}
