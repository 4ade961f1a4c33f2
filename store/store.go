// Package store maps requested names to their shared issuance result.
//
// The store guarantees that a name is inserted at most once per process
// lifetime and that every requester of a name observes the same
// pending.Result. Entries are never evicted.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/jmcleod/keymint/pending"
	"github.com/jmcleod/keymint/pki"
)

// DefaultShards is the number of independently locked partitions.
const DefaultShards = 64

// ErrUnknownName is returned by Resolve for a name that was never inserted.
var ErrUnknownName = errors.New("name not present in store")

// Entry is the shared result cell for one name.
type Entry = pending.Result[*pki.KeyEntry]

// Store is a concurrency-safe name → Entry map.
type Store struct {
	shards []shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty Store with n shards. n <= 0 selects DefaultShards.
func New(n int) *Store {
	if n <= 0 {
		n = DefaultShards
	}
	s := &Store{shards: make([]shard, n)}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entry)
	}
	return s
}

func (s *Store) shardFor(name string) *shard {
	return &s.shards[xxh3.HashString(name)%uint64(len(s.shards))]
}

// GetOrCreate returns the entry for name, inserting a new empty one if none
// exists. created reports whether this call inserted it.
//
// onCreate, when non-nil, is invoked with the new entry while the shard lock
// is held, so insertion and whatever onCreate does (enqueueing generation)
// form one atomic step. If onCreate fails the insertion is undone and its
// error is returned.
func (s *Store) GetOrCreate(name string, onCreate func(*Entry) error) (entry *Entry, created bool, err error) {
	sh := s.shardFor(name)

	sh.mu.RLock()
	entry, ok := sh.entries[name]
	sh.mu.RUnlock()
	if ok {
		return entry, false, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if entry, ok := sh.entries[name]; ok {
		return entry, false, nil
	}
	entry = pending.New[*pki.KeyEntry]()
	if onCreate != nil {
		if err := onCreate(entry); err != nil {
			return nil, false, err
		}
	}
	sh.entries[name] = entry
	return entry, true, nil
}

// Get returns the entry for name, if any.
func (s *Store) Get(name string) (*Entry, bool) {
	sh := s.shardFor(name)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	entry, ok := sh.entries[name]
	return entry, ok
}

// Resolve completes the entry for name with ke, or with err when err is
// non-nil. Resolving a name twice panics.
func (s *Store) Resolve(name string, ke *pki.KeyEntry, err error) error {
	entry, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	if err != nil {
		entry.Fail(err)
	} else {
		entry.Resolve(ke)
	}
	return nil
}

// Len returns the number of names in the store.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Counts summarises entries by state.
type Counts struct {
	Pending  int `json:"pending"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// Counts walks the store and tallies entries by state.
func (s *Store) Counts() Counts {
	var c Counts
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, entry := range sh.entries {
			switch entry.State() {
			case pending.StateEmpty:
				c.Pending++
			case pending.StateResolved:
				c.Resolved++
			case pending.StateFailed:
				c.Failed++
			}
		}
		sh.mu.RUnlock()
	}
	return c
}
