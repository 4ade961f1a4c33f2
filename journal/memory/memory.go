// Package memory provides a thread-safe in-memory implementation of journal.Journal.
package memory

import (
	"sync"

	"github.com/jmcleod/keymint/journal"
)

// Journal is a thread-safe in-memory journal. Records are lost on exit.
type Journal struct {
	mu      sync.RWMutex
	records []journal.Record
}

var _ journal.Journal = (*Journal)(nil)

// NewJournal creates a new empty Journal.
func NewJournal() *Journal {
	return &Journal{}
}

func (j *Journal) Append(rec journal.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var prev *journal.Record
	if n := len(j.records); n > 0 {
		prev = &j.records[n-1]
	}
	journal.Link(prev, &rec)
	j.records = append(j.records, rec)
	return nil
}

func (j *Journal) List() ([]journal.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]journal.Record, len(j.records))
	copy(out, j.records)
	return out, nil
}

func (j *Journal) Latest(name string) (journal.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for i := len(j.records) - 1; i >= 0; i-- {
		if j.records[i].Name == name {
			return j.records[i], nil
		}
	}
	return journal.Record{}, journal.ErrNotFound
}

func (j *Journal) Close() error {
	return nil
}
