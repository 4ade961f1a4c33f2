package journal_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/jmcleod/keymint/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildValidJournal returns n correctly chained records.
func buildValidJournal(n int) []journal.Record {
	records := make([]journal.Record, n)
	var prev *journal.Record
	for i := range records {
		records[i] = journal.Record{
			ID:                fmt.Sprintf("rec-%d", i),
			Name:              fmt.Sprintf("name-%d", i),
			Status:            journal.StatusIssued,
			SerialNumber:      fmt.Sprintf("%02x", i+1),
			FingerprintSHA256: "ab",
			CreatedAt:         time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339Nano),
		}
		journal.Link(prev, &records[i])
		prev = &records[i]
	}
	return records
}

func checkStatus(t *testing.T, report journal.Report, name string) string {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	t.Fatalf("check %s not reported", name)
	return ""
}

func TestVerify_ValidJournal(t *testing.T) {
	report := journal.Verify(buildValidJournal(5))
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.RecordCount)
	failed, warned := report.Failures()
	assert.Zero(t, failed)
	assert.Zero(t, warned)
}

func TestVerify_EmptyJournal(t *testing.T) {
	report := journal.Verify(nil)
	assert.True(t, report.Valid)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "empty_journal", report.Checks[0].Name)
}

func TestVerify_BrokenGenesis(t *testing.T) {
	records := buildValidJournal(2)
	records[0].PrevHash = "deadbeef"

	report := journal.Verify(records)
	assert.False(t, report.Valid)
	assert.Equal(t, journal.CheckFail, checkStatus(t, report, "genesis_anchor"))
}

func TestVerify_TamperedRecord(t *testing.T) {
	records := buildValidJournal(3)
	records[1].ID = "forged"

	report := journal.Verify(records)
	assert.False(t, report.Valid)
	assert.Equal(t, journal.CheckFail, checkStatus(t, report, "chain_continuity"))
}

func TestVerify_DuplicateIDs(t *testing.T) {
	records := buildValidJournal(2)
	records[1].ID = records[0].ID
	journal.Link(&records[0], &records[1])

	report := journal.Verify(records)
	assert.False(t, report.Valid)
	assert.Equal(t, journal.CheckFail, checkStatus(t, report, "no_duplicate_ids"))
}

func TestVerify_TimestampsOnlyWarn(t *testing.T) {
	records := buildValidJournal(2)
	records[1].CreatedAt = "2025-01-01T00:00:00Z"
	journal.Link(&records[0], &records[1])

	report := journal.Verify(records)
	assert.True(t, report.Valid)
	assert.Equal(t, journal.CheckWarn, checkStatus(t, report, "monotonic_timestamps"))
}

func TestVerify_Outcomes(t *testing.T) {
	records := buildValidJournal(2)
	records[1].Status = journal.StatusFailed
	records[1].SerialNumber = ""

	report := journal.Verify(records)
	assert.False(t, report.Valid)
	assert.Equal(t, journal.CheckFail, checkStatus(t, report, "record_outcomes"))

	records[1].Error = "entropy"
	assert.True(t, journal.Verify(records).Valid)
}

func TestChainHash(t *testing.T) {
	rec := journal.Record{ID: "a", PrevHash: journal.GenesisHash, CreatedAt: "2026-01-01T00:00:00Z"}
	h := journal.ChainHash(rec)
	assert.Len(t, h, 64)
	assert.Equal(t, h, journal.ChainHash(rec))

	rec.ID = "b"
	assert.NotEqual(t, h, journal.ChainHash(rec))
}
