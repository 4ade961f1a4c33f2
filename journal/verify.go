package journal

import (
	"fmt"
	"time"
)

// Check statuses reported by Verify.
const (
	CheckPass = "pass"
	CheckFail = "fail"
	CheckWarn = "warn"
)

// Report is the outcome of verifying a journal export.
type Report struct {
	RecordCount int     `json:"record_count"`
	Valid       bool    `json:"valid"`
	Checks      []Check `json:"checks"`
}

// Check is one named verification step.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (r *Report) add(name, status, detail string) {
	if status == CheckFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: detail})
}

// Failures returns the number of failed and warned checks.
func (r Report) Failures() (failed, warned int) {
	for _, c := range r.Checks {
		switch c.Status {
		case CheckFail:
			failed++
		case CheckWarn:
			warned++
		}
	}
	return failed, warned
}

// Verify checks the integrity of records: the hash chain from GenesisHash,
// unique record IDs, non-decreasing timestamps, and that every record
// carries the fields its status requires.
func Verify(records []Record) Report {
	report := Report{RecordCount: len(records), Valid: true}
	if len(records) == 0 {
		report.add("empty_journal", CheckPass, "no records to verify")
		return report
	}

	if records[0].PrevHash == GenesisHash {
		report.add("genesis_anchor", CheckPass, "")
	} else {
		report.add("genesis_anchor", CheckFail,
			fmt.Sprintf("first record prev_hash=%s, expected genesis hash", records[0].PrevHash))
	}

	report.add(verifyChain(records))
	report.add(verifyUniqueIDs(records))
	report.add(verifyTimestamps(records))
	report.add(verifyOutcomes(records))
	return report
}

func verifyChain(records []Record) (string, string, string) {
	for i := 1; i < len(records); i++ {
		expected := ChainHash(records[i-1])
		if records[i].PrevHash != expected {
			return "chain_continuity", CheckFail,
				fmt.Sprintf("record %d (id=%s) has prev_hash=%s but expected %s",
					i, records[i].ID, records[i].PrevHash, expected)
		}
	}
	return "chain_continuity", CheckPass, fmt.Sprintf("all %d records link correctly", len(records))
}

func verifyUniqueIDs(records []Record) (string, string, string) {
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		if prev, ok := seen[rec.ID]; ok {
			return "no_duplicate_ids", CheckFail,
				fmt.Sprintf("record %d and record %d share id=%s", prev, i, rec.ID)
		}
		seen[rec.ID] = i
	}
	return "no_duplicate_ids", CheckPass, ""
}

// Out-of-order timestamps only warn: clocks step.
func verifyTimestamps(records []Record) (string, string, string) {
	var prev time.Time
	allParsed := true
	for i, rec := range records {
		t, err := parseTimestamp(rec.CreatedAt)
		if err != nil {
			allParsed = false
			continue
		}
		if !prev.IsZero() && t.Before(prev) {
			return "monotonic_timestamps", CheckWarn,
				fmt.Sprintf("record %d (created_at=%s) is earlier than its predecessor", i, rec.CreatedAt)
		}
		prev = t
	}
	if !allParsed {
		return "monotonic_timestamps", CheckWarn, "some timestamps could not be parsed"
	}
	return "monotonic_timestamps", CheckPass, ""
}

func verifyOutcomes(records []Record) (string, string, string) {
	for i, rec := range records {
		switch rec.Status {
		case StatusIssued:
			if rec.SerialNumber == "" || rec.FingerprintSHA256 == "" {
				return "record_outcomes", CheckFail,
					fmt.Sprintf("record %d (name=%q) is issued but lacks serial or fingerprint", i, rec.Name)
			}
		case StatusFailed:
			if rec.Error == "" {
				return "record_outcomes", CheckFail,
					fmt.Sprintf("record %d (name=%q) is failed but has no error", i, rec.Name)
			}
		default:
			return "record_outcomes", CheckFail,
				fmt.Sprintf("record %d has unknown status %q", i, rec.Status)
		}
	}
	return "record_outcomes", CheckPass, ""
}

// parseTimestamp parses RFC3339Nano, falling back to RFC3339.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}
