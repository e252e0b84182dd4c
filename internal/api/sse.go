package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seolens/audit-service/internal/audit"
	"github.com/seolens/audit-service/internal/broadcast"
)

// streamProgress serves GET /v1/audits/{audit_id}/progress as a
// server-sent-event stream. An audit already in a terminal state yields a
// single terminal event and an immediate close; otherwise the connection
// relays live pipeline events until a terminal event arrives or the client
// disconnects.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	userID, _ := identityFrom(r.Context())
	auditID := chi.URLParam(r, "audit_id")

	record, err := s.store.Get(r.Context(), auditID, userID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "audit not found")
			return
		}
		s.logger.Error("get audit for progress failed", zap.Error(err), zap.String("audit_id", auditID))
		writeError(w, http.StatusInternalServerError, "failed to load audit")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Push the status line and headers now; the first event may be a long
	// way off and the client needs an open stream immediately.
	flusher.Flush()

	if record.Status.Terminal() {
		s.writeEvent(w, flusher, terminalEvent(record))
		return
	}

	events := s.broadcaster.Register(auditID)
	// Release, not Unregister: if another listener has replaced this one,
	// its subscription must survive this handler's exit.
	defer s.broadcaster.Release(auditID, events)

	// The pipeline may have finished between the read above and Register;
	// its terminal event would then have been published to nobody.
	record, err = s.store.Get(r.Context(), auditID, userID)
	if err == nil && record.Status.Terminal() {
		s.writeEvent(w, flusher, terminalEvent(record))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if evt.KeepAlive() {
				s.writeComment(w, flusher, "keep-alive")
				continue
			}
			s.writeEvent(w, flusher, evt)
			if evt.Terminal() {
				return
			}
		}
	}
}

// terminalEvent reconstructs the closing event for an audit that finished
// before the listener connected.
func terminalEvent(record audit.Audit) broadcast.Event {
	if record.Status == audit.StatusCompleted {
		var results audit.Result
		if record.Results != nil {
			results = *record.Results
		}
		return broadcast.Completed(results)
	}
	return broadcast.Failed(record.Error)
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, evt broadcast.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal progress event failed", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		s.logger.Debug("progress write failed", zap.Error(err))
		return
	}
	flusher.Flush()
}

func (s *Server) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		s.logger.Debug("keep-alive write failed", zap.Error(err))
		return
	}
	flusher.Flush()
}
