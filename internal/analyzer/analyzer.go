// Package analyzer requests a qualitative page analysis from a
// text-generation backend and normalizes the result.
package analyzer

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/seolens/audit-service/internal/audit"
)

// Completer sends one prompt to a text-generation backend and returns the
// raw text reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// maxPromptHTML bounds the HTML excerpt embedded in the prompt.
const maxPromptHTML = 10000

const promptTemplate = `Analyze this webpage for SEO issues. Return your analysis in valid JSON format only, with no additional text or explanation.

The JSON should have this exact structure:
{
  "technicalIssues": ["issue1", "issue2", ...],
  "onPageIssues": ["issue1", "issue2", ...],
  "recommendations": ["recommendation1", "recommendation2", ...]
}

Focus on:
- Technical SEO issues (site speed, mobile-friendliness, crawlability)
- On-page SEO issues (title tags, meta descriptions, heading structure, content quality)
- Actionable recommendations for improvement

URL: %URL%
HTML (truncated): %HTML%

Return only valid JSON:`

// FallbackFindings is the degraded placeholder substituted whenever the
// analysis backend fails. Downstream scoring always receives three populated
// lists, never a partial object.
func FallbackFindings() audit.Findings {
	return audit.Findings{
		TechnicalIssues: []string{"Unable to perform AI analysis"},
		OnPageIssues:    []string{"Manual review recommended"},
		Recommendations: []string{"Please try again later or contact support"},
	}
}

// Analyzer wraps a Completer with prompt construction, response validation,
// and the degraded fallback. Analyze never fails to its caller.
type Analyzer struct {
	completer Completer
	timeout   time.Duration
	logger    *zap.Logger
}

// New builds an Analyzer. The timeout bounds each backend call; an expired
// call degrades to the fallback like any other failure.
func New(completer Completer, timeout time.Duration, logger *zap.Logger) *Analyzer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		completer: completer,
		timeout:   timeout,
		logger:    logger,
	}
}

// Analyze asks the backend for findings on the given page. Service errors,
// non-JSON replies, and schema violations all degrade to FallbackFindings.
func (a *Analyzer) Analyze(ctx context.Context, url, html string) audit.Findings {
	if a.completer == nil {
		return FallbackFindings()
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reply, err := a.completer.Complete(ctx, buildPrompt(url, html))
	if err != nil {
		a.logger.Warn("ai analysis failed, using fallback", zap.String("url", url), zap.Error(err))
		return FallbackFindings()
	}

	findings, err := parseFindings(reply)
	if err != nil {
		a.logger.Warn("ai response invalid, using fallback", zap.String("url", url), zap.Error(err))
		return FallbackFindings()
	}
	return findings
}

func buildPrompt(url, html string) string {
	if len(html) > maxPromptHTML {
		cut := maxPromptHTML
		// Back up to a rune boundary so the excerpt stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(html[cut]) {
			cut--
		}
		html = html[:cut]
	}
	prompt := strings.ReplaceAll(promptTemplate, "%URL%", url)
	return strings.ReplaceAll(prompt, "%HTML%", html)
}

// parseFindings enforces the strict response schema: a JSON object with the
// three array-of-string fields present, possibly empty.
func parseFindings(reply string) (audit.Findings, error) {
	var raw struct {
		TechnicalIssues *[]string `json:"technicalIssues"`
		OnPageIssues    *[]string `json:"onPageIssues"`
		Recommendations *[]string `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &raw); err != nil {
		return audit.Findings{}, err
	}
	if raw.TechnicalIssues == nil || raw.OnPageIssues == nil || raw.Recommendations == nil {
		return audit.Findings{}, errMissingFields
	}
	return audit.Findings{
		TechnicalIssues: *raw.TechnicalIssues,
		OnPageIssues:    *raw.OnPageIssues,
		Recommendations: *raw.Recommendations,
	}, nil
}

var errMissingFields = errInvalidSchema("response missing required fields")

type errInvalidSchema string

func (e errInvalidSchema) Error() string { return string(e) }
