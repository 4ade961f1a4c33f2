// Package bbolt provides a BBolt-backed issuance journal.
package bbolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/keymint/journal"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("issuances")

// Store implements journal.Journal backed by a BBolt database. Records are
// keyed by the bucket sequence, so iteration order is append order.
type Store struct {
	db *bbolt.DB
}

var _ journal.Journal = (*Store)(nil)

// NewJournal returns a Journal backed by the given BBolt database.
func NewJournal(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewJournalFromFile opens a BBolt database at the given path and returns a new Journal.
func NewJournalFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewJournal(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(rec journal.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		var prev *journal.Record
		if k, v := b.Cursor().Last(); k != nil {
			var last journal.Record
			if err := json.Unmarshal(v, &last); err != nil {
				return fmt.Errorf("decoding record %x: %w", k, err)
			}
			prev = &last
		}
		journal.Link(prev, &rec)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

func (s *Store) List() ([]journal.Record, error) {
	var records []journal.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec journal.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %x: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

func (s *Store) Latest(name string) (journal.Record, error) {
	var (
		found journal.Record
		ok    bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec journal.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %x: %w", k, err)
			}
			if rec.Name == name {
				found, ok = rec, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return journal.Record{}, err
	}
	if !ok {
		return journal.Record{}, fmt.Errorf("%s: %w", name, journal.ErrNotFound)
	}
	return found, nil
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
