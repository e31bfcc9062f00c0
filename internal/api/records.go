package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/clawinfra/storedesk/internal/cloudsync"
	"github.com/clawinfra/storedesk/internal/gateway"
	"github.com/clawinfra/storedesk/internal/record"
)

const maxRecordBody = 4 << 20 // signatures are inlined as data URLs

// submitResponse is the body of POST /api/records.
type submitResponse struct {
	cloudsync.Receipt
	Message string `json:"message"`
}

// handleRecords lists remote records (GET) or submits a new one (POST).
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.manager.Records(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)

	case http.MethodPost:
		s.handleSubmit(w, r)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var rec record.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBody)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record body: "+err.Error())
		return
	}

	rcpt, err := s.manager.Submit(r.Context(), rec)
	if err != nil {
		s.fail(w, err)
		return
	}

	if rcpt.Outcome == cloudsync.OutcomeQueued {
		writeJSON(w, http.StatusAccepted, submitResponse{Receipt: rcpt, Message: "saved locally, will sync later"})
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{Receipt: rcpt, Message: "record saved"})
}

// handleRecordsRange filters remote records by ?from=&to=&area=.
func (s *Server) handleRecordsRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	records, err := s.manager.QueryRange(r.Context(), gateway.RangeQuery{
		From: q.Get("from"),
		To:   q.Get("to"),
		Area: q.Get("area"),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleRecordDetail serves DELETE /api/records/{id}.
func (s *Server) handleRecordDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/records/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// handleStats returns the dashboard counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.manager.Stats(r.Context(), s.now())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePending lists the records waiting in the offline queue.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	records, err := s.manager.Pending(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

// handleSync runs a sync pass now, joining one already in flight.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.manager.Monitor().Online() {
		s.fail(w, cloudsync.ErrOffline)
		return
	}

	res, err := s.manager.SyncNow(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
