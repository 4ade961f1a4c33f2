// Package server implements the key service's network side: an Engine
// that accepts connections and reads requested names, and a Writer that
// delivers finished responses.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jmcleod/keymint/generation"
	"github.com/jmcleod/keymint/internal/uuid"
	"github.com/jmcleod/keymint/pki"
	"github.com/jmcleod/keymint/protocol"
	"github.com/jmcleod/keymint/stats"
	"github.com/jmcleod/keymint/store"
)

const (
	readBufferBytes = 4096
	maxAcceptDelay  = time.Second
)

// Engine owns every connection from accept until its name has been read.
// All connection state is touched only by the goroutine running Serve; the
// acceptor and the per-connection read pumps perform the blocking calls and
// report back to it.
type Engine struct {
	store        *store.Store
	queue        *generation.Queue
	writer       *Writer
	logger       *slog.Logger
	stats        *stats.Collector
	maxNameBytes int
}

// NewEngine returns an Engine that deduplicates names through st, queues
// new names on q and hands responses to w.
func NewEngine(st *store.Store, q *generation.Queue, w *Writer, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        st,
		queue:        q,
		writer:       w,
		logger:       slog.Default(),
		maxNameBytes: protocol.DefaultMaxNameBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// connRecord is a connection whose name is still being read.
type connRecord struct {
	id     string
	conn   net.Conn
	remote string
	reader *protocol.NameReader
	// resume re-arms the read pump; closing it stops the pump.
	resume chan struct{}
}

type eventKind int

const (
	eventAccepted eventKind = iota
	eventRead
	eventAcceptStopped
)

type event struct {
	kind eventKind
	conn net.Conn
	rec  *connRecord
	data []byte
	err  error
}

// Serve accepts connections on ln until ctx is done or ln fails. On return
// ln is closed, and so is every connection that had not yet sent a
// complete name. Connections already handed to the writer are not touched.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	events := make(chan event, 64)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.accept(ln, events, stop)
	}()

	conns := make(map[*connRecord]struct{})
	shutdown := func() {
		_ = ln.Close()
		close(stop)
		for rec := range conns {
			e.drop(conns, rec)
		}
		wg.Wait()
		for {
			select {
			case ev := <-events:
				if ev.kind == eventAccepted {
					_ = ev.conn.Close()
				}
			default:
				return
			}
		}
	}

	e.logger.Info("accepting connections", "addr", ln.Addr().String())
	for {
		select {
		case <-ctx.Done():
			shutdown()
			e.logger.Info("stopped accepting connections")
			return nil
		case ev := <-events:
			switch ev.kind {
			case eventAccepted:
				rec := e.register(ev.conn)
				conns[rec] = struct{}{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					e.pump(rec, events, stop)
				}()
			case eventRead:
				e.handleRead(conns, ev)
			case eventAcceptStopped:
				shutdown()
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting connections: %w", ev.err)
			}
		}
	}
}

// accept runs the blocking Accept calls. Errors other than a closed
// listener are retried with backoff.
func (e *Engine) accept(ln net.Listener, events chan<- event, stop <-chan struct{}) {
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				select {
				case events <- event{kind: eventAcceptStopped, err: err}:
				case <-stop:
				}
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			e.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-stop:
				return
			}
		}
		delay = 0
		select {
		case events <- event{kind: eventAccepted, conn: nc}:
		case <-stop:
			_ = nc.Close()
			return
		}
	}
}

func (e *Engine) register(nc net.Conn) *connRecord {
	rec := &connRecord{
		id:     uuid.New(),
		conn:   nc,
		remote: nc.RemoteAddr().String(),
		reader: protocol.NewNameReader(e.maxNameBytes),
		resume: make(chan struct{}, 1),
	}
	e.stats.ConnectionAccepted()
	e.logger.Debug("connection accepted", "conn", rec.id, "remote", rec.remote)
	return rec
}

// pump reads from one connection. After each read it waits to be re-armed,
// so the buffer is never reused while the loop still holds it.
func (e *Engine) pump(rec *connRecord, events chan<- event, stop <-chan struct{}) {
	buf := make([]byte, readBufferBytes)
	for {
		n, err := rec.conn.Read(buf)
		select {
		case events <- event{kind: eventRead, rec: rec, data: buf[:n], err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-rec.resume:
			if !ok {
				return
			}
		case <-stop:
			return
		}
	}
}

func (e *Engine) handleRead(conns map[*connRecord]struct{}, ev event) {
	rec := ev.rec
	if _, ok := conns[rec]; !ok {
		return
	}
	if len(ev.data) > 0 {
		name, done, err := rec.reader.Feed(ev.data)
		if err != nil {
			e.logger.Warn("protocol violation, closing connection",
				"conn", rec.id, "remote", rec.remote, "error", err)
			e.stats.ProtocolViolation()
			e.drop(conns, rec)
			return
		}
		if done {
			delete(conns, rec)
			close(rec.resume)
			e.dispatch(rec, name)
			return
		}
	}
	if ev.err != nil {
		if errors.Is(ev.err, io.EOF) {
			e.logger.Debug("connection closed before name was complete",
				"conn", rec.id, "remote", rec.remote, "buffered", rec.reader.Buffered())
		} else {
			e.logger.Debug("read failed", "conn", rec.id, "remote", rec.remote, "error", ev.err)
			e.stats.TransportError()
		}
		e.drop(conns, rec)
		return
	}
	rec.resume <- struct{}{}
}

func (e *Engine) drop(conns map[*connRecord]struct{}, rec *connRecord) {
	delete(conns, rec)
	close(rec.resume)
	_ = rec.conn.Close()
}

// dispatch looks name up in the store, queueing a generation if it is new,
// and arranges for the outcome to be delivered to rec's connection.
func (e *Engine) dispatch(rec *connRecord, name string) {
	logger := e.logger.With("conn", rec.id, "remote", rec.remote, "name", name)

	entry, created, err := e.store.GetOrCreate(name, func(entry *store.Entry) error {
		return e.queue.Push(generation.NewTask(name, entry))
	})
	if err != nil {
		logger.Warn("rejecting request", "error", err)
		e.stats.NameRejected()
		_ = rec.conn.Close()
		return
	}
	e.stats.NameRequested(!created)
	if created {
		logger.Info("queued key generation", "queued", e.queue.Len())
	} else {
		logger.Debug("name already known", "state", entry.State())
	}

	conn := rec.conn
	entry.OnComplete(func(ke *pki.KeyEntry, err error) {
		e.deliver(logger, conn, ke, err)
	})
}

// deliver runs on whichever goroutine completed the entry, so it only frames
// the response and hands it to the writer.
func (e *Engine) deliver(logger *slog.Logger, conn net.Conn, ke *pki.KeyEntry, err error) {
	if err == nil {
		var payload []byte
		payload, err = protocol.EncodeResponse(ke.KeyPEM, ke.CertPEM)
		if err == nil {
			if werr := e.writer.Submit(conn, payload); werr != nil {
				logger.Debug("writer closed, dropping response", "error", werr)
				_ = conn.Close()
			}
			return
		}
	}
	logger.Info("closing connection without response", "error", err)
	if werr := e.writer.Abort(conn); werr != nil {
		_ = conn.Close()
	}
}
