// Package scorer maps extracted signals and AI findings to a composite score.
package scorer

import "github.com/seolens/audit-service/internal/audit"

// Penalty weights. Image penalties cap so an image-heavy gallery page cannot
// sink the score on alt text alone.
const (
	minTitleLen       = 10
	minDescriptionLen = 50

	titlePenalty       = 10
	descriptionPenalty = 10
	noHeadingPenalty   = 15
	multiHeadingPenalty = 5
	imagePenaltyEach   = 2
	imagePenaltyCap    = 15
	technicalPenalty   = 5
	onPagePenalty      = 3
)

// Score computes the 0-100 composite score. It is pure and deterministic:
// identical inputs always produce identical scores.
func Score(signals audit.SEOSignals, findings audit.Findings) int {
	score := 100

	if len(signals.Title) < minTitleLen {
		score -= titlePenalty
	}
	if len(signals.MetaDescription) < minDescriptionLen {
		score -= descriptionPenalty
	}
	if len(signals.H1Tags) == 0 {
		score -= noHeadingPenalty
	}
	if len(signals.H1Tags) > 1 {
		score -= multiHeadingPenalty
	}
	if signals.ImagesWithoutAlt > 0 {
		score -= min(imagePenaltyCap, signals.ImagesWithoutAlt*imagePenaltyEach)
	}

	score -= len(findings.TechnicalIssues) * technicalPenalty
	score -= len(findings.OnPageIssues) * onPagePenalty

	return max(0, min(100, score))
}
