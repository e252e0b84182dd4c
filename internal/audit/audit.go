// Package audit defines core types shared across subsystems.
package audit

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of an audit.
type Status string

// Audit status values persisted in the store. An audit is created as
// StatusProcessing and moves exactly once to one of the terminal states.
const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Errors shared by Store implementations.
var (
	// ErrNotFound is returned when an audit does not exist or is owned by
	// a different user.
	ErrNotFound = errors.New("audit not found")
	// ErrTerminal is returned when a terminal transition is attempted on
	// an audit that already reached a terminal state.
	ErrTerminal = errors.New("audit already terminal")
)

// Audit is the metadata persisted for each submitted audit request.
type Audit struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	UserID      string     `json:"user_id"`
	Status      Status     `json:"status"`
	Score       *int       `json:"score,omitempty"`
	Results     *Result    `json:"results,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SEOSignals holds the structural signals extracted from one fetched page.
type SEOSignals struct {
	Title           string
	MetaDescription string
	H1Tags          []string
	ImagesWithoutAlt int
	LoadTime        time.Duration
}

// Findings is the qualitative analysis returned by the AI backend. On any
// analysis failure the three lists carry fixed placeholder strings; they are
// never nil downstream of the analyzer.
type Findings struct {
	TechnicalIssues []string `json:"technicalIssues"`
	OnPageIssues    []string `json:"onPageIssues"`
	Recommendations []string `json:"recommendations"`
}

// Metrics mirrors the extracted signals inside a persisted result bundle.
type Metrics struct {
	Title            string `json:"title"`
	MetaDescription  string `json:"metaDescription"`
	H1Count          int    `json:"h1Count"`
	ImagesWithoutAlt int    `json:"imagesWithoutAlt"`
	LoadTimeMs       int64  `json:"loadTime"`
}

// Result is the payload persisted for a completed audit.
type Result struct {
	TechnicalIssues []string `json:"technicalIssues"`
	OnPageIssues    []string `json:"onPageIssues"`
	Recommendations []string `json:"recommendations"`
	Metrics         Metrics  `json:"metrics"`
}

// Job wraps an admitted audit ready to run through the pipeline.
type Job struct {
	AuditID   string
	URL       string
	UserID    string
	Submitted int64
}

// Summary is the abbreviated listing row returned by the list endpoint.
type Summary struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Score     *int      `json:"score,omitempty"`
}

// Summarize reduces an Audit to its listing fields.
func (a Audit) Summarize() Summary {
	return Summary{
		ID:        a.ID,
		URL:       a.URL,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
		Score:     a.Score,
	}
}
