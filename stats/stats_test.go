package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	c := New()
	c.ConnectionAccepted()
	c.ConnectionAccepted()
	c.NameRequested(false)
	c.NameRequested(true)
	c.ProtocolViolation()
	c.TransportError()
	c.NameRejected()
	c.GenerationStarted()
	c.GenerationFinished(nil)
	c.GenerationFinished(errors.New("boom"))
	c.ResponseWritten(100)

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.ConnectionsAccepted)
	assert.Equal(t, int64(2), s.NamesRequested)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(1), s.ProtocolViolations)
	assert.Equal(t, int64(1), s.TransportErrors)
	assert.Equal(t, int64(1), s.RejectedNames)
	assert.Equal(t, int64(1), s.GenerationsStarted)
	assert.Equal(t, int64(1), s.GenerationsSucceeded)
	assert.Equal(t, int64(1), s.GenerationsFailed)
	assert.Equal(t, 2, s.GenerationsInWindow)
	assert.Equal(t, int64(1), s.ResponsesWritten)
	assert.Equal(t, int64(100), s.BytesWritten)
}

func TestGenerationWindowSlides(t *testing.T) {
	c := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.GenerationFinished(nil)
	now = now.Add(30 * time.Second)
	c.GenerationFinished(nil)
	assert.Equal(t, 2, c.Snapshot().GenerationsInWindow)

	// The first entry falls out of the one-minute window.
	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, c.Snapshot().GenerationsInWindow)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ConnectionAccepted()
		c.NameRequested(true)
		c.GenerationFinished(nil)
		c.ResponseWritten(1)
	})
	assert.Equal(t, Snapshot{}, c.Snapshot())
}
