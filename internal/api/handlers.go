package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seolens/audit-service/internal/audit"
)

const rateLimitedMessage = "Rate limit exceeded. Upgrade to Pro for more audits"

// enqueueTimeout bounds the handoff to the pipeline queue so a saturated
// queue surfaces as a prompt 503 instead of a hung request.
const enqueueTimeout = 5 * time.Second

type createAuditRequest struct {
	URL string `json:"url"`
}

type createAuditResponse struct {
	AuditID string       `json:"audit_id"`
	Status  audit.Status `json:"status"`
}

type usagePayload struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

func (s *Server) createAudit(w http.ResponseWriter, r *http.Request) {
	userID, plan := identityFrom(r.Context())

	var req createAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := strings.TrimSpace(req.URL)
	if err := validateTarget(target); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := s.limiter.Check(r.Context(), userID, plan)
	if err != nil {
		s.logger.Error("rate limit check failed", zap.Error(err), zap.String("user_id", userID))
		writeError(w, http.StatusInternalServerError, "failed to check rate limit")
		return
	}
	if !decision.Allowed {
		s.metrics.RateLimited()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": rateLimitedMessage,
			"usage": usagePayload{Used: decision.Used, Limit: decision.Limit},
		})
		return
	}

	auditID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("generate audit id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create audit")
		return
	}
	now := s.clock.Now()
	record := audit.Audit{
		ID:        auditID,
		URL:       target,
		UserID:    userID,
		Status:    audit.StatusProcessing,
		CreatedAt: now,
	}
	if err := s.store.Create(r.Context(), record); err != nil {
		s.logger.Error("create audit failed", zap.Error(err), zap.String("audit_id", auditID))
		writeError(w, http.StatusInternalServerError, "failed to create audit")
		return
	}

	job := audit.Job{
		AuditID:   auditID,
		URL:       target,
		UserID:    userID,
		Submitted: now.Unix(),
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if err := s.enqueuer.Enqueue(queueCtx, job); err != nil {
		s.logger.Error("enqueue audit failed", zap.Error(err), zap.String("audit_id", auditID))
		// The record would otherwise sit in processing forever.
		if failErr := s.store.Fail(r.Context(), auditID, "audit queue unavailable", s.clock.Now()); failErr != nil {
			s.logger.Error("mark unqueued audit failed", zap.Error(failErr), zap.String("audit_id", auditID))
		}
		writeError(w, http.StatusServiceUnavailable, "audit queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, createAuditResponse{AuditID: auditID, Status: audit.StatusProcessing})
}

func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	userID, _ := identityFrom(r.Context())

	audits, err := s.store.List(r.Context(), userID, listLimit)
	if err != nil {
		s.logger.Error("list audits failed", zap.Error(err), zap.String("user_id", userID))
		writeError(w, http.StatusInternalServerError, "failed to list audits")
		return
	}
	summaries := make([]audit.Summary, 0, len(audits))
	for _, a := range audits {
		summaries = append(summaries, a.Summarize())
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": summaries})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	userID, _ := identityFrom(r.Context())
	auditID := chi.URLParam(r, "audit_id")

	record, err := s.store.Get(r.Context(), auditID, userID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "audit not found")
			return
		}
		s.logger.Error("get audit failed", zap.Error(err), zap.String("audit_id", auditID))
		writeError(w, http.StatusInternalServerError, "failed to load audit")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// validateTarget rejects obviously unusable audit targets before any quota
// is consumed. The pipeline repeats the check before fetching.
func validateTarget(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid URL: must be absolute http or https")
	}
	return nil
}
