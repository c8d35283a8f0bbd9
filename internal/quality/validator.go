// Package quality scores inference responses with deterministic lexical
// checks and maps the aggregate score to a settlement recommendation.
package quality

import (
	"fmt"
	"math"
	"strings"
)

// Recommendation is the validator's verdict for a scored response.
type Recommendation string

const (
	RecommendApprove      Recommendation = "approve"
	RecommendReject       Recommendation = "reject"
	RecommendDispute      Recommendation = "dispute"
	RecommendManualReview Recommendation = "manual_review"
)

// Thresholds partition the quality range into verdicts. The bands
// intentionally overlap at the low end; resolution order is approve,
// reject, dispute, manual review.
type Thresholds struct {
	AutoApprove float64 `json:"auto_approve"`
	AutoReject  float64 `json:"auto_reject"`
	Dispute     float64 `json:"dispute"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApprove: 0.6,
		AutoReject:  0.2,
		Dispute:     0.4,
	}
}

// CheckResult is one check's score in [0,1] with a human-readable note.
type CheckResult struct {
	Score float64 `json:"score"`
	Note  string  `json:"note"`
}

// Report is the full validation output.
type Report struct {
	Quality        float64                `json:"quality"`
	Recommendation Recommendation         `json:"recommendation"`
	Breakdown      map[string]CheckResult `json:"breakdown"`
	Thresholds     Thresholds             `json:"thresholds"`
	Notes          []string               `json:"notes"`
}

// checkWeights renormalize over the checks that actually ran, so the
// category-dependent code check does not skew categories without it.
var checkWeights = map[string]float64{
	"length":       0.15,
	"relevance":    0.35,
	"completeness": 0.20,
	"format":       0.10,
	"code_quality": 0.20,
}

// expectedWords is the target response length per category.
var expectedWords = map[string]int{
	"code":      50,
	"technical": 80,
	"creative":  30,
	"general":   40,
}

// stopwords are excluded from the relevance term overlap.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "for": {}, "of": {}, "and": {}, "or": {},
	"that": {}, "this": {}, "with": {},
}

// Validator scores responses. Stateless and safe for concurrent use.
type Validator struct {
	thresholds Thresholds
}

func NewValidator(t Thresholds) *Validator {
	return &Validator{thresholds: t}
}

// Validate scores a response against its prompt and returns the report.
// It is total: any input produces a verdict. Degenerate input (empty
// prompt or response) cannot be scored and goes straight to manual review.
func (v *Validator) Validate(prompt, response, category string) Report {
	if strings.TrimSpace(prompt) == "" || strings.TrimSpace(response) == "" {
		return Report{
			Recommendation: RecommendManualReview,
			Breakdown:      map[string]CheckResult{},
			Thresholds:     v.thresholds,
			Notes:          []string{"Empty prompt or response"},
		}
	}

	checks := map[string]CheckResult{
		"length":       checkLength(response, category),
		"relevance":    checkRelevance(prompt, response),
		"completeness": checkCompleteness(response),
		"format":       checkFormat(response),
	}
	if category == "code" || category == "technical" {
		checks["code_quality"] = checkCodeQuality(response)
	}

	var totalWeight, weighted float64
	for name, res := range checks {
		w := checkWeights[name]
		totalWeight += w
		weighted += res.Score * w
	}
	quality := round3(weighted / totalWeight)

	var notes []string
	for _, name := range []string{"length", "relevance", "completeness", "format", "code_quality"} {
		if res, ok := checks[name]; ok && res.Score < 0.7 {
			notes = append(notes, res.Note)
		}
	}

	return Report{
		Quality:        quality,
		Recommendation: v.recommend(quality),
		Breakdown:      checks,
		Thresholds:     v.thresholds,
		Notes:          notes,
	}
}

func (v *Validator) recommend(quality float64) Recommendation {
	switch {
	case quality >= v.thresholds.AutoApprove:
		return RecommendApprove
	case quality <= v.thresholds.AutoReject:
		return RecommendReject
	case quality <= v.thresholds.Dispute:
		return RecommendDispute
	default:
		return RecommendManualReview
	}
}

func checkLength(response, category string) CheckResult {
	words := len(strings.Fields(response))
	expected, ok := expectedWords[category]
	if !ok {
		expected = expectedWords["general"]
	}

	switch {
	case words < 10:
		return CheckResult{0.0, fmt.Sprintf("Response too short (%d words)", words)}
	case float64(words) < float64(expected)*0.5:
		return CheckResult{0.5, fmt.Sprintf("Response shorter than expected (%d vs %d words)", words, expected)}
	case words > expected*5:
		return CheckResult{0.7, "Response much longer than expected (may be verbose)"}
	default:
		return CheckResult{1.0, "Response length appropriate"}
	}
}

func checkRelevance(prompt, response string) CheckResult {
	promptTerms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		if _, skip := stopwords[w]; !skip {
			promptTerms[w] = struct{}{}
		}
	}
	responseTerms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(response)) {
		responseTerms[w] = struct{}{}
	}

	overlap := 0
	for w := range promptTerms {
		if _, ok := responseTerms[w]; ok {
			overlap++
		}
	}
	ratio := float64(overlap) / math.Max(float64(len(promptTerms)), 1)

	switch {
	case ratio < 0.1:
		return CheckResult{0.2, fmt.Sprintf("Response seems unrelated (only %d shared terms)", overlap)}
	case ratio < 0.3:
		return CheckResult{0.5, fmt.Sprintf("Response partially relevant (%d shared terms)", overlap)}
	default:
		return CheckResult{1.0, fmt.Sprintf("Response relevant (%d shared terms)", overlap)}
	}
}

func checkCompleteness(response string) CheckResult {
	if strings.HasSuffix(response, "...") || strings.HasSuffix(response, "..") {
		return CheckResult{0.5, "Response may be truncated"}
	}
	if strings.Contains(response, "```") && strings.Count(response, "```")%2 != 0 {
		return CheckResult{0.4, "Incomplete code block"}
	}

	tail := strings.ToLower(response)
	if len(tail) > 100 {
		tail = tail[len(tail)-100:]
	}
	for _, marker := range []string{"result", "output", "return", "hope this helps", "let me know"} {
		if strings.Contains(tail, marker) {
			return CheckResult{1.0, "Response appears complete"}
		}
	}
	return CheckResult{0.8, "Response may be complete"}
}

func checkFormat(response string) CheckResult {
	score := 0.7
	var notes []string

	if strings.Contains(response, "#") || strings.Contains(response, "**") || strings.Contains(response, "- ") {
		score += 0.1
		notes = append(notes, "Uses formatting")
	}
	if strings.Contains(response, "```") {
		score += 0.1
		notes = append(notes, "Uses code blocks")
	}
	if len(strings.Split(response, "\n")) > 3 {
		score += 0.1
		notes = append(notes, "Well-structured")
	}

	note := "Basic formatting"
	if len(notes) > 0 {
		note = strings.Join(notes, "; ")
	}
	return CheckResult{math.Min(1.0, score), note}
}

func checkCodeQuality(response string) CheckResult {
	score := 1.0
	var notes []string
	lower := strings.ToLower(response)

	hasCode := strings.Contains(response, "```") ||
		strings.Contains(response, "def ") ||
		strings.Contains(response, "function ")
	if !hasCode {
		score -= 0.3
		notes = append(notes, "No code block found")
	}

	for _, err := range []string{"SyntaxError", "TypeError", "NameError", "undefined", "error:"} {
		if strings.Contains(lower, strings.ToLower(err)) {
			score -= 0.2
			notes = append(notes, "Contains error: "+err)
			break
		}
	}

	for _, marker := range []string{"here's", "this", "explanation", "comment", "note:"} {
		if strings.Contains(lower, marker) {
			score += 0.1
			notes = append(notes, "Includes explanation")
			break
		}
	}

	note := "Code looks reasonable"
	if len(notes) > 0 {
		note = strings.Join(notes, "; ")
	}
	return CheckResult{math.Min(1, math.Max(0, score)), note}
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
