package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/keymint/journal"
	"github.com/jmcleod/keymint/server"
	"github.com/jmcleod/keymint/stats"
)

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Counters stats.Snapshot `json:"counters"`
	Pipeline server.Status  `json:"pipeline"`
}

// NameResponse is the body of GET /names/{name}.
type NameResponse struct {
	Name              string `json:"name"`
	State             string `json:"state"`
	Waiters           int    `json:"waiters"`
	SerialNumber      string `json:"serial_number,omitempty"`
	FingerprintSHA256 string `json:"fingerprint_sha256,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

// Stats handles GET /stats.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Counters: a.stats.Snapshot(),
		Pipeline: a.service.Status(),
	})
}

// GetName handles GET /names/{name}. It reports the in-memory state of a
// name without ever exposing key material.
func (a *API) GetName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry, ok := a.service.Store().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "name not requested")
		return
	}
	resp := NameResponse{Name: name, State: entry.State().String(), Waiters: entry.Waiters()}
	if ke, err, done := entry.Peek(); done {
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.SerialNumber = ke.SerialHex
			resp.FingerprintSHA256 = ke.FingerprintSHA256
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListJournal handles GET /journal.
func (a *API) ListJournal(w http.ResponseWriter, r *http.Request) {
	records, err := a.journal.List()
	if err != nil {
		mapError(w, err)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, journal.Export{Records: records})
}

// VerifyJournal handles GET /journal/verify.
func (a *API) VerifyJournal(w http.ResponseWriter, r *http.Request) {
	records, err := a.journal.List()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, journal.Verify(records))
}

// LatestJournal handles GET /journal/{name}.
func (a *API) LatestJournal(w http.ResponseWriter, r *http.Request) {
	rec, err := a.journal.Latest(chi.URLParam(r, "name"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
