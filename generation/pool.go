package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/keymint/journal"
	"github.com/jmcleod/keymint/pki"
	"github.com/jmcleod/keymint/stats"
)

var (
	// ErrShuttingDown fails tasks still queued when the pool stops.
	ErrShuttingDown = errors.New("key service is shutting down")

	// ErrIssuerPanic wraps a panic raised while issuing.
	ErrIssuerPanic = errors.New("issuer panicked")

	errNoEntry = errors.New("issuer returned no key entry")
)

// Issuer produces a key pair and certificate for a name. Implementations
// must be safe for concurrent use by all workers.
type Issuer interface {
	Issue(name string) (*pki.KeyEntry, error)
}

// Pool runs a fixed number of workers, each repeatedly taking a task from
// the queue, issuing for it and publishing the outcome to the task's result.
type Pool struct {
	queue   *Queue
	issuer  Issuer
	workers int
	journal journal.Journal
	stats   *stats.Collector
	logger  *slog.Logger
	active  atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of workers. Values below one select
// runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// WithJournal records every generation outcome in j.
func WithJournal(j journal.Journal) Option {
	return func(p *Pool) { p.journal = j }
}

// WithStats reports generation counters to c.
func WithStats(c *stats.Collector) Option {
	return func(p *Pool) { p.stats = c }
}

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool returns a Pool consuming queue and issuing with issuer.
func NewPool(queue *Queue, issuer Issuer, opts ...Option) *Pool {
	p := &Pool{
		queue:  queue,
		issuer: issuer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = runtime.NumCPU()
	}
	return p
}

// Workers returns the configured number of workers.
func (p *Pool) Workers() int {
	return p.workers
}

// Active returns the number of generations currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Run starts the workers and blocks until ctx is done or the queue is
// closed. Generations already running are allowed to finish. Tasks left in
// the queue are then failed with ErrShuttingDown so their waiters are
// released.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("generation pool started", "workers", p.workers)

	var g errgroup.Group
	for i := range p.workers {
		g.Go(func() error {
			p.work(ctx, i)
			return nil
		})
	}
	err := g.Wait()

	p.queue.Close()
	abandoned := p.queue.Drain()
	for _, t := range abandoned {
		if !t.Result.Done() {
			t.Result.Fail(ErrShuttingDown)
		}
	}
	p.logger.Info("generation pool stopped", "abandoned", len(abandoned))
	return err
}

func (p *Pool) work(ctx context.Context, id int) {
	for ctx.Err() == nil {
		task, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		if task.Result.Done() {
			p.logger.Warn("skipping task for already resolved name", "worker", id, "name", task.Name)
			continue
		}
		p.process(id, task)
	}
}

func (p *Pool) process(id int, task *Task) {
	logger := p.logger.With("worker", id, "name", task.Name)
	logger.Debug("generating key", "queued_for", time.Since(task.Enqueued))

	p.stats.GenerationStarted()
	p.active.Add(1)
	start := time.Now()
	ke, err := p.issue(task.Name)
	elapsed := time.Since(start)
	p.active.Add(-1)

	if err != nil {
		logger.Warn("key generation failed", "error", err, "elapsed", elapsed)
		task.Result.Fail(fmt.Errorf("generating keys for %q: %w", task.Name, err))
	} else {
		logger.Info("generated key", "serial", ke.SerialHex, "elapsed", elapsed)
		task.Result.Resolve(ke)
	}
	p.stats.GenerationFinished(err)

	if p.journal != nil {
		if jerr := p.journal.Append(journal.NewRecord(task.Name, ke, err, elapsed)); jerr != nil {
			logger.Warn("failed to record generation in journal", "error", jerr)
		}
	}
}

func (p *Pool) issue(name string) (ke *pki.KeyEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			ke, err = nil, fmt.Errorf("%w: %v", ErrIssuerPanic, r)
		}
	}()
	ke, err = p.issuer.Issue(name)
	if err == nil && ke == nil {
		err = errNoEntry
	}
	return ke, err
}
