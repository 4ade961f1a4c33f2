// Package stats keeps process-wide counters for the key service.
//
// All methods are safe on a nil *Collector, so components can be built
// without one.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultGenerationWindow = 1 * time.Minute

// Collector tracks service counters and a sliding window of recent
// generations.
type Collector struct {
	connectionsAccepted  atomic.Int64
	namesRequested       atomic.Int64
	cacheHits            atomic.Int64
	protocolViolations   atomic.Int64
	transportErrors      atomic.Int64
	rejectedNames        atomic.Int64
	generationsStarted   atomic.Int64
	generationsSucceeded atomic.Int64
	generationsFailed    atomic.Int64
	responsesWritten     atomic.Int64
	bytesWritten         atomic.Int64

	mu          sync.Mutex
	generations []time.Time
	window      time.Duration
	now         func() time.Time
}

// New returns a Collector with a one-minute generation window.
func New() *Collector {
	return &Collector{window: defaultGenerationWindow, now: time.Now}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionsAccepted  int64 `json:"connections_accepted"`
	NamesRequested       int64 `json:"names_requested"`
	CacheHits            int64 `json:"cache_hits"`
	ProtocolViolations   int64 `json:"protocol_violations"`
	TransportErrors      int64 `json:"transport_errors"`
	RejectedNames        int64 `json:"rejected_names"`
	GenerationsStarted   int64 `json:"generations_started"`
	GenerationsSucceeded int64 `json:"generations_succeeded"`
	GenerationsFailed    int64 `json:"generations_failed"`
	GenerationsInWindow  int   `json:"generations_last_minute"`
	ResponsesWritten     int64 `json:"responses_written"`
	BytesWritten         int64 `json:"bytes_written"`
}

func (c *Collector) ConnectionAccepted() {
	if c != nil {
		c.connectionsAccepted.Add(1)
	}
}

// NameRequested counts a parsed request; hit reports whether the name was
// already known to the store.
func (c *Collector) NameRequested(hit bool) {
	if c == nil {
		return
	}
	c.namesRequested.Add(1)
	if hit {
		c.cacheHits.Add(1)
	}
}

func (c *Collector) ProtocolViolation() {
	if c != nil {
		c.protocolViolations.Add(1)
	}
}

func (c *Collector) TransportError() {
	if c != nil {
		c.transportErrors.Add(1)
	}
}

// NameRejected counts names refused because the generation queue was full.
func (c *Collector) NameRejected() {
	if c != nil {
		c.rejectedNames.Add(1)
	}
}

func (c *Collector) GenerationStarted() {
	if c != nil {
		c.generationsStarted.Add(1)
	}
}

// GenerationFinished counts a completed generation and records it in the
// sliding window.
func (c *Collector) GenerationFinished(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.generationsFailed.Add(1)
	} else {
		c.generationsSucceeded.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.generations = append(c.generations, now)
	c.generations = trimWindow(c.generations, now, c.window)
}

// ResponseWritten counts a fully flushed response of n bytes.
func (c *Collector) ResponseWritten(n int) {
	if c == nil {
		return
	}
	c.responsesWritten.Add(1)
	c.bytesWritten.Add(int64(n))
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	c.generations = trimWindow(c.generations, c.now(), c.window)
	inWindow := len(c.generations)
	c.mu.Unlock()

	return Snapshot{
		ConnectionsAccepted:  c.connectionsAccepted.Load(),
		NamesRequested:       c.namesRequested.Load(),
		CacheHits:            c.cacheHits.Load(),
		ProtocolViolations:   c.protocolViolations.Load(),
		TransportErrors:      c.transportErrors.Load(),
		RejectedNames:        c.rejectedNames.Load(),
		GenerationsStarted:   c.generationsStarted.Load(),
		GenerationsSucceeded: c.generationsSucceeded.Load(),
		GenerationsFailed:    c.generationsFailed.Load(),
		GenerationsInWindow:  inWindow,
		ResponsesWritten:     c.responsesWritten.Load(),
		BytesWritten:         c.bytesWritten.Load(),
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
