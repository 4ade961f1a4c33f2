package admin_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keymint/admin"
	"github.com/jmcleod/keymint/journal"
	"github.com/jmcleod/keymint/journal/memory"
	"github.com/jmcleod/keymint/pki"
	"github.com/jmcleod/keymint/server"
	"github.com/jmcleod/keymint/stats"
	"github.com/jmcleod/keymint/store"
)

type fakeService struct {
	store  *store.Store
	status server.Status
}

func (f *fakeService) Status() server.Status { return f.status }
func (f *fakeService) Store() *store.Store   { return f.store }

func newTestAPI(t *testing.T, opts ...admin.Option) (*httptest.Server, *fakeService) {
	t.Helper()
	svc := &fakeService{store: store.New(4), status: server.Status{Workers: 2, Queued: 1}}
	ts := httptest.NewServer(admin.New(svc, opts...).Router())
	t.Cleanup(ts.Close)
	return ts, svc
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestAPI(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStats(t *testing.T) {
	c := stats.New()
	c.ConnectionAccepted()
	c.NameRequested(true)
	ts, _ := newTestAPI(t, admin.WithStats(c))

	var body admin.StatsResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/stats", &body))
	assert.Equal(t, int64(1), body.Counters.ConnectionsAccepted)
	assert.Equal(t, int64(1), body.Counters.CacheHits)
	assert.Equal(t, 2, body.Pipeline.Workers)
	assert.Equal(t, 1, body.Pipeline.Queued)
}

func TestGetName(t *testing.T) {
	ts, svc := newTestAPI(t)

	pendingEntry, _, err := svc.store.GetOrCreate("waiting", nil)
	require.NoError(t, err)
	pendingEntry.OnComplete(func(*pki.KeyEntry, error) {})

	done, _, err := svc.store.GetOrCreate("done", nil)
	require.NoError(t, err)
	done.Resolve(&pki.KeyEntry{Name: "done", SerialHex: "0a", FingerprintSHA256: "ff", KeyPEM: []byte("secret")})

	failed, _, err := svc.store.GetOrCreate("failed", nil)
	require.NoError(t, err)
	failed.Fail(errors.New("entropy exhausted"))

	var body admin.NameResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/names/waiting", &body))
	assert.Equal(t, "empty", body.State)
	assert.Equal(t, 1, body.Waiters)

	body = admin.NameResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/names/done", &body))
	assert.Equal(t, "resolved", body.State)
	assert.Equal(t, "0a", body.SerialNumber)
	assert.Equal(t, "ff", body.FingerprintSHA256)

	body = admin.NameResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/names/failed", &body))
	assert.Equal(t, "failed", body.State)
	assert.Equal(t, "entropy exhausted", body.Error)

	var errBody admin.ErrorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/names/unknown", &errBody))
	assert.NotEmpty(t, errBody.Error)
}

func TestJournal(t *testing.T) {
	j := memory.NewJournal()
	require.NoError(t, j.Append(journal.Record{ID: "1", Name: "alice", Status: journal.StatusIssued,
		SerialNumber: "01", FingerprintSHA256: "aa", CreatedAt: "2026-01-01T00:00:00Z"}))
	require.NoError(t, j.Append(journal.Record{ID: "2", Name: "bob", Status: journal.StatusFailed,
		Error: "boom", CreatedAt: "2026-01-01T00:00:01Z"}))
	ts, _ := newTestAPI(t, admin.WithJournal(j))

	var export journal.Export
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/journal", &export))
	require.Len(t, export.Records, 2)
	assert.Equal(t, "alice", export.Records[0].Name)

	var rec journal.Record
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/journal/bob", &rec))
	assert.Equal(t, journal.StatusFailed, rec.Status)

	var report journal.Report
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/journal/verify", &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.RecordCount)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/journal/nobody", nil))
}

func TestJournalDisabled(t *testing.T) {
	ts, _ := newTestAPI(t)
	var errBody admin.ErrorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/journal", &errBody))
	assert.Contains(t, errBody.Error, "not enabled")
}
