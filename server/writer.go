package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/keymint/stats"
)

const (
	// DefaultChunkBytes is the largest slice handed to a single write.
	DefaultChunkBytes = 64 * 1024

	// DefaultDrainTimeout bounds how long pending responses may keep
	// writing once the writer is stopped.
	DefaultDrainTimeout = 10 * time.Second
)

// ErrWriterClosed is returned by Submit and Abort once the writer has
// started shutting down.
var ErrWriterClosed = errors.New("response writer is closed")

// Writer delivers complete responses to connections and closes them. All
// jobs are owned by the goroutine running Run; other goroutines hand work
// over through Submit and Abort, which never block.
type Writer struct {
	logger       *slog.Logger
	stats        *stats.Collector
	chunk        int
	drainTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	submissions []submission
	wake        chan struct{}

	pending atomic.Int64
}

type submission struct {
	conn    net.Conn
	payload []byte
	abort   bool
}

// NewWriter returns a Writer. It does nothing until Run is called.
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{
		logger:       slog.Default(),
		chunk:        DefaultChunkBytes,
		drainTimeout: DefaultDrainTimeout,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.chunk <= 0 {
		w.chunk = DefaultChunkBytes
	}
	return w
}

// Submit queues payload to be written to conn, after which conn is closed.
// A submission for a connection that still has unwritten bytes replaces
// them.
func (w *Writer) Submit(conn net.Conn, payload []byte) error {
	return w.post(submission{conn: conn, payload: payload})
}

// Abort closes conn without writing anything further to it.
func (w *Writer) Abort(conn net.Conn) error {
	return w.post(submission{conn: conn, abort: true})
}

func (w *Writer) post(s submission) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.submissions = append(w.submissions, s)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *Writer) take() []submission {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.submissions
	w.submissions = nil
	return subs
}

// Pending returns the number of connections with a response in progress.
func (w *Writer) Pending() int {
	return int(w.pending.Load())
}

// job is one connection's outbound response. gen changes whenever the
// buffer is replaced, so completions of writes from an older buffer can be
// recognised.
type job struct {
	conn    net.Conn
	buf     []byte
	off     int
	gen     uint64
	writing bool
}

type writeResult struct {
	job *job
	gen uint64
	n   int
	err error
}

// writerLoop is the state owned by Run.
type writerLoop struct {
	*Writer
	jobs     map[net.Conn]*job
	results  chan writeResult
	inflight int
}

// Run processes submissions until ctx is done. It then refuses further
// submissions, lets the responses already accepted write for up to the
// drain timeout, closes every remaining connection and returns.
func (w *Writer) Run(ctx context.Context) error {
	l := &writerLoop{
		Writer:  w,
		jobs:    make(map[net.Conn]*job),
		results: make(chan writeResult),
	}
	for {
		select {
		case <-w.wake:
			l.apply(w.take())
		case res := <-l.results:
			l.complete(res)
		case <-ctx.Done():
			l.drain()
			return nil
		}
	}
}

func (l *writerLoop) apply(subs []submission) {
	for _, s := range subs {
		if s.abort {
			l.abort(s.conn)
			continue
		}
		if j, ok := l.jobs[s.conn]; ok {
			j.buf, j.off = s.payload, 0
			j.gen++
			if !j.writing {
				l.advance(j)
			}
			continue
		}
		j := &job{conn: s.conn, buf: s.payload}
		l.jobs[s.conn] = j
		l.pending.Add(1)
		l.advance(j)
	}
}

func (l *writerLoop) abort(conn net.Conn) {
	if _, ok := l.jobs[conn]; ok {
		l.finish(conn)
		return
	}
	_ = conn.Close()
}

// advance starts writing the next chunk of j, or finishes j when its buffer
// is exhausted.
func (l *writerLoop) advance(j *job) {
	if j.off >= len(j.buf) {
		l.stats.ResponseWritten(len(j.buf))
		l.finish(j.conn)
		return
	}
	end := min(j.off+l.chunk, len(j.buf))
	p, gen := j.buf[j.off:end], j.gen
	j.writing = true
	l.inflight++
	go func() {
		n, err := j.conn.Write(p)
		l.results <- writeResult{job: j, gen: gen, n: n, err: err}
	}()
}

func (l *writerLoop) complete(res writeResult) {
	l.inflight--
	j := res.job
	j.writing = false
	if l.jobs[j.conn] != j {
		// Aborted while the write was in flight; the connection is closed.
		return
	}
	if res.gen != j.gen {
		l.advance(j)
		return
	}
	if res.err != nil {
		l.logger.Debug("response write failed", "remote", j.conn.RemoteAddr(), "error", res.err)
		l.stats.TransportError()
		l.finish(j.conn)
		return
	}
	j.off += res.n
	l.advance(j)
}

func (l *writerLoop) finish(conn net.Conn) {
	delete(l.jobs, conn)
	l.pending.Add(-1)
	_ = conn.Close()
}

func (l *writerLoop) drain() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.apply(l.take())

	if len(l.jobs) > 0 {
		l.logger.Info("draining responses", "connections", len(l.jobs), "timeout", l.drainTimeout)
	}
	deadline := time.Now().Add(l.drainTimeout)
	for conn := range l.jobs {
		_ = conn.SetWriteDeadline(deadline)
	}
	for l.inflight > 0 {
		l.complete(<-l.results)
	}
	for conn := range l.jobs {
		l.finish(conn)
	}
}
