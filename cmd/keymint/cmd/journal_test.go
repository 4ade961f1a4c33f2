package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keymint/config"
	"github.com/jmcleod/keymint/journal"
	"github.com/jmcleod/keymint/journal/memory"
)

// chainedRecords returns n issued records linked through a memory journal.
func chainedRecords(t *testing.T, n int) []journal.Record {
	t.Helper()
	j := memory.NewJournal()
	for i := range n {
		require.NoError(t, j.Append(journal.Record{
			ID:                fmt.Sprintf("rec-%d", i),
			Name:              fmt.Sprintf("host-%d", i),
			Status:            journal.StatusIssued,
			SerialNumber:      fmt.Sprintf("%02x", i+1),
			FingerprintSHA256: "ab12",
			NotAfter:          "2027-01-01T00:00:00Z",
			DurationMillis:    int64(100 + i),
			CreatedAt:         time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339Nano),
		}))
	}
	records, err := j.List()
	require.NoError(t, err)
	return records
}

func writeExport(t *testing.T, records []journal.Record) string {
	t.Helper()
	data, err := json.Marshal(journal.Export{Records: records})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "journal.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestVerifyExportFile_Valid(t *testing.T) {
	path := writeExport(t, chainedRecords(t, 4))

	result, err := verifyExportFile(path)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 4, result.RecordCount)
	assert.Equal(t, path, result.File)
}

func TestVerifyExportFile_Tampered(t *testing.T) {
	records := chainedRecords(t, 3)
	records[1].CreatedAt = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	path := writeExport(t, records)

	result, err := verifyExportFile(path)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerifyExportFile_Errors(t *testing.T) {
	_, err := verifyExportFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "cannot read file")

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = verifyExportFile(path)
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestPrintHumanResult(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		result := verifyResult{File: "j.json", Report: journal.Verify(chainedRecords(t, 2))}
		var buf bytes.Buffer
		printHumanResult(&buf, result)

		out := buf.String()
		assert.Contains(t, out, "Journal verification: j.json")
		assert.Contains(t, out, "Records: 2")
		assert.Contains(t, out, "[PASS] genesis_anchor")
		assert.Contains(t, out, "[PASS] chain_continuity")
		assert.Contains(t, out, "Result: VALID")
	})

	t.Run("Invalid", func(t *testing.T) {
		records := chainedRecords(t, 2)
		records[0].PrevHash = "beef"
		result := verifyResult{File: "j.json", Report: journal.Verify(records)}
		var buf bytes.Buffer
		printHumanResult(&buf, result)

		out := buf.String()
		assert.Contains(t, out, "[FAIL] genesis_anchor")
		assert.Contains(t, out, "Result: INVALID")
	})
}

func TestPrintJSONResult(t *testing.T) {
	result := verifyResult{File: "j.json", Report: journal.Verify(chainedRecords(t, 1))}
	var buf bytes.Buffer
	require.NoError(t, printJSONResult(&buf, result))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "j.json", decoded["file"])
	assert.Equal(t, true, decoded["valid"])
	assert.EqualValues(t, 1, decoded["record_count"])
}

func TestPrintRecords(t *testing.T) {
	records := chainedRecords(t, 1)
	records = append(records, journal.Record{
		Name:      "broken",
		Status:    journal.StatusFailed,
		Error:     "entropy exhausted",
		CreatedAt: "2026-01-01T00:01:00Z",
	})
	var buf bytes.Buffer
	require.NoError(t, printRecords(&buf, records))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "SERIAL")
	assert.Contains(t, string(lines[1]), "host-0")
	assert.Contains(t, string(lines[1]), "issued")
	assert.Contains(t, string(lines[2]), "broken")
	assert.Contains(t, string(lines[2]), "entropy exhausted")
}

func TestLoadServerConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keymint.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":7000\"\ngen_workers: 3\n"), 0o600))

	configFile = path
	t.Cleanup(func() {
		configFile = ""
		serverCmd.Flags().Visit(func(f *pflag.Flag) { f.Changed = false })
		serverOpts.GenWorkers = config.Default().GenWorkers
	})
	require.NoError(t, serverCmd.Flags().Set("gen-threads", "5"))

	cfg, err := loadServerConfig(serverCmd)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 5, cfg.GenWorkers)
}
