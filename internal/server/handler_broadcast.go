package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/me/cyclecast/internal/broadcast"
	"github.com/me/cyclecast/pkg/model"
)

// maxLoadBytes bounds a state-dump entry posted to /broadcast/load.
const maxLoadBytes = 32 << 20

func (s *Server) handlePutBroadcast(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.PutRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewBadRequestError("Invalid JSON body: %v", err))
		return
	}

	ok, msg := s.broadcast.Put(req.Namespaces, req.Cycles, req.Settings)
	result := model.PutResult{OK: ok, Message: msg}
	if !ok {
		respondJSON(w, http.StatusUnprocessableEntity, reqID, result, nil, model.NewValidationError(msg))
		return
	}
	s.logger.Info("broadcast put", "namespaces", req.Namespaces, "cycles", req.Cycles, "items", len(req.Settings))
	respondOK(w, reqID, result)
}

func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	settings, err := s.broadcast.Get(r.URL.Query().Get("task"))
	if errors.Is(err, broadcast.ErrMalformedTaskID) {
		respondError(w, reqID, http.StatusBadRequest, model.NewBadRequestError("%v", err))
		return
	}
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, settings)
}

func (s *Server) handleExpireBroadcast(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.ExpireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, reqID, http.StatusBadRequest, model.NewBadRequestError("Invalid JSON body: %v", err))
		return
	}
	s.broadcast.Expire(req.Cutoff)
	respondOK(w, reqID, map[string]any{"expired": true, "cutoff": req.Cutoff})
}

func (s *Server) handleClearBroadcast(w http.ResponseWriter, r *http.Request) {
	s.broadcast.Clear()
	respondOK(w, RequestIDFromContext(r.Context()), map[string]any{"cleared": true})
}

// handleDump writes the raw state-dump entry, not an envelope.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.broadcast.Dump(w); err != nil {
		s.logger.Error("dump failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	data, err := io.ReadAll(io.LimitReader(r.Body, maxLoadBytes))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewBadRequestError("read body: %v", err))
		return
	}
	if err := s.broadcast.Load(data); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewBadRequestError("%v", err))
		return
	}
	s.logger.Info("broadcast settings loaded", "bytes", len(data))
	respondOK(w, reqID, map[string]any{"loaded": true})
}

// changeRecord is the wire form of a journal entry. The snapshot is a text
// encoding, so it is sent as a string rather than base64.
type changeRecord struct {
	Timestamp string `json:"timestamp"`
	Snapshot  string `json:"snapshot"`
	Pending   bool   `json:"pending"`
}

func toWire(records []model.ChangeRecord) []changeRecord {
	out := make([]changeRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, changeRecord{
			Timestamp: rec.Timestamp.UTC().Format(timeFormat),
			Snapshot:  string(rec.Snapshot),
			Pending:   rec.Pending,
		})
	}
	return out
}

// handleDrainJournal hands pending records to the caller. When the server
// persists the journal itself, draining here would lose records, so it is
// refused.
func (s *Server) handleDrainJournal(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store != nil {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "journal is drained by the persistence loop; use /broadcast/history",
		})
		return
	}
	respondOK(w, reqID, toWire(s.broadcast.DrainJournal()))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), toWire(s.broadcast.Journal()))
}

// handleHistory lists the change records persisted for the current run.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondList(w, reqID, []changeRecord{}, &model.Pagination{})
		return
	}

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewBadRequestError("invalid limit %q", v))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewBadRequestError("invalid offset %q", v))
			return
		}
		opts.Offset = n
	}
	opts.Clamp()

	changes, total, err := s.store.ListChanges(r.Context(), s.runID, opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	out := make([]changeRecord, 0, len(changes))
	for _, c := range changes {
		out = append(out, changeRecord{
			Timestamp: c.Timestamp.UTC().Format(timeFormat),
			Snapshot:  string(c.Snapshot),
		})
	}
	respondList(w, reqID, out, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}
