// Package generation runs key generation off the connection path: a FIFO
// of pending tasks feeding a fixed pool of worker goroutines.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/keymint/store"
)

var (
	// ErrQueueFull is returned by Push when a limit is configured and reached.
	ErrQueueFull = errors.New("generation queue is full")

	// ErrQueueClosed is returned by Push after Close, and by Pop once the
	// queue is closed.
	ErrQueueClosed = errors.New("generation queue is closed")
)

// Task asks for one generation for Name, to be published to Result.
type Task struct {
	Name     string
	Result   *store.Entry
	Enqueued time.Time
}

// NewTask returns a Task for name targeting result.
func NewTask(name string, result *store.Entry) *Task {
	return &Task{Name: name, Result: result, Enqueued: time.Now()}
}

// Queue is a FIFO of tasks. Push never blocks; Pop blocks while the queue is
// empty. With a limit of zero the queue is unbounded.
type Queue struct {
	mu     sync.Mutex
	tasks  []*Task
	limit  int
	closed bool
	// ready is closed and replaced whenever a task arrives or the queue
	// closes, waking every blocked Pop.
	ready chan struct{}
}

// NewQueue returns an empty queue holding at most limit tasks (0 = no limit).
func NewQueue(limit int) *Queue {
	return &Queue{limit: limit, ready: make(chan struct{})}
}

// Push appends t to the queue.
func (q *Queue) Push(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.limit > 0 && len(q.tasks) >= q.limit {
		return fmt.Errorf("%w (%d tasks)", ErrQueueFull, q.limit)
	}
	q.tasks = append(q.tasks, t)
	q.broadcastLocked()
	return nil
}

func (q *Queue) broadcastLocked() {
	close(q.ready)
	q.ready = make(chan struct{})
}

// Pop removes and returns the oldest task, waiting until one is available,
// the queue is closed, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if len(q.tasks) > 0 {
			t := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return t, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops the queue accepting tasks. Tasks already queued can still be
// popped; once they are gone Pop returns ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Drain removes and returns every queued task.
func (q *Queue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}
