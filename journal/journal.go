// Package journal records the outcome of every key generation.
//
// A record carries the certificate metadata of a successful issuance or the
// failure cause of an unsuccessful one. Private key material is never
// written to the journal.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jmcleod/keymint/internal/uuid"
	"github.com/jmcleod/keymint/pki"
)

// ErrNotFound is returned when no record exists for a name.
var ErrNotFound = errors.New("journal record not found")

// Status is the outcome of one generation.
type Status string

const (
	StatusIssued Status = "issued"
	StatusFailed Status = "failed"
)

// Record describes one generation outcome.
type Record struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Status            Status `json:"status"`
	SerialNumber      string `json:"serial_number,omitempty"`
	FingerprintSHA256 string `json:"fingerprint_sha256,omitempty"`
	NotBefore         string `json:"not_before,omitempty"`
	NotAfter          string `json:"not_after,omitempty"`
	Error             string `json:"error,omitempty"`
	DurationMillis    int64  `json:"duration_ms"`
	CreatedAt         string `json:"created_at"`
	PrevHash          string `json:"prev_hash"`
}

// GenesisHash is the PrevHash of the first record in a journal.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ChainHash returns the link value the record following rec must carry as
// its PrevHash: SHA-256(ID || PrevHash || CreatedAt).
func ChainHash(rec Record) string {
	h := sha256.Sum256([]byte(rec.ID + rec.PrevHash + rec.CreatedAt))
	return hex.EncodeToString(h[:])
}

// Link sets rec.PrevHash so that rec follows prev. A nil prev makes rec the
// first record.
func Link(prev *Record, rec *Record) {
	if prev == nil {
		rec.PrevHash = GenesisHash
		return
	}
	rec.PrevHash = ChainHash(*prev)
}

// Export is the serialized form of a whole journal, as served by the admin
// endpoint and written by "keymint journal --json".
type Export struct {
	Records []Record `json:"records"`
}

// Journal is an append-only log of generation outcomes. Implementations
// must be safe for concurrent use.
type Journal interface {
	// Append adds rec to the journal, linking it to the previous record.
	Append(rec Record) error
	// List returns all records in append order.
	List() ([]Record, error)
	// Latest returns the most recent record for name, or ErrNotFound.
	Latest(name string) (Record, error)
	Close() error
}

// NewRecord builds the record for one generation of name. err is the
// generation failure, if any; otherwise ke describes the issued key.
func NewRecord(name string, ke *pki.KeyEntry, err error, elapsed time.Duration) Record {
	rec := Record{
		ID:             uuid.New(),
		Name:           name,
		DurationMillis: elapsed.Milliseconds(),
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil || ke == nil {
		rec.Status = StatusFailed
		if err != nil {
			rec.Error = err.Error()
		}
		return rec
	}
	rec.Status = StatusIssued
	rec.SerialNumber = ke.SerialHex
	rec.FingerprintSHA256 = ke.FingerprintSHA256
	if ke.Certificate != nil {
		rec.NotBefore = ke.Certificate.NotBefore.UTC().Format(time.RFC3339)
		rec.NotAfter = ke.Certificate.NotAfter.UTC().Format(time.RFC3339)
	}
	return rec
}
