package store_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmcleod/keymint/pki"
	"github.com/jmcleod/keymint/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreate(t *testing.T) {
	s := store.New(0)

	first, created, err := s.GetOrCreate("alice", nil)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.GetOrCreate("alice", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)

	got, ok := s.Get("alice")
	assert.True(t, ok)
	assert.Same(t, first, got)

	_, ok = s.Get("bob")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestGetOrCreate_OnCreateFailureRollsBack(t *testing.T) {
	s := store.New(4)
	full := errors.New("queue full")

	_, created, err := s.GetOrCreate("alice", func(*store.Entry) error { return full })
	assert.ErrorIs(t, err, full)
	assert.False(t, created)
	assert.Equal(t, 0, s.Len())

	calls := 0
	_, created, err = s.GetOrCreate("alice", func(*store.Entry) error { calls++; return nil })
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, calls)
}

// Concurrent requesters of one name share a single entry and onCreate runs
// exactly once.
func TestGetOrCreate_Concurrent(t *testing.T) {
	s := store.New(8)
	var creates atomic.Int64
	var wg sync.WaitGroup
	entries := make([]*store.Entry, 100)

	for i := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := s.GetOrCreate("shared", func(*store.Entry) error {
				creates.Add(1)
				return nil
			})
			assert.NoError(t, err)
			entries[i] = e
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), creates.Load())
	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}
}

func TestResolve(t *testing.T) {
	s := store.New(0)
	entry, _, err := s.GetOrCreate("alice", nil)
	require.NoError(t, err)

	var got *pki.KeyEntry
	entry.OnComplete(func(ke *pki.KeyEntry, err error) {
		assert.NoError(t, err)
		got = ke
	})

	ke := &pki.KeyEntry{Name: "alice", KeyPEM: []byte("k"), CertPEM: []byte("c")}
	require.NoError(t, s.Resolve("alice", ke, nil))
	assert.Same(t, ke, got)

	assert.Panics(t, func() { _ = s.Resolve("alice", ke, nil) })
	assert.ErrorIs(t, s.Resolve("nobody", ke, nil), store.ErrUnknownName)
}

func TestCounts(t *testing.T) {
	s := store.New(2)
	for i := 0; i < 5; i++ {
		_, _, err := s.GetOrCreate(fmt.Sprintf("name-%d", i), nil)
		require.NoError(t, err)
	}
	require.NoError(t, s.Resolve("name-0", &pki.KeyEntry{Name: "name-0"}, nil))
	require.NoError(t, s.Resolve("name-1", nil, errors.New("boom")))

	assert.Equal(t, store.Counts{Pending: 3, Resolved: 1, Failed: 1}, s.Counts())
	assert.Equal(t, 5, s.Len())
}
