package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"signal-autopilot/internal/logging"
	"signal-autopilot/internal/services"
	"signal-autopilot/pkg/models"
)

const (
	maxRationale       = 500
	rationaleNoMatch   = "no match"
	rationaleNoNodes   = "no eligible nodes"
	matcherErrorPrefix = "matcher error: "
)

// Matcher scores a signal against the candidate nodes. It never fails: any
// classifier problem degrades to an unmatched result with confidence zero.
type Matcher struct {
	classifier services.ClassificationClient
	logger     *logging.Logger
}

// NewMatcher creates a Matcher. A nil classifier makes every match an error result.
func NewMatcher(classifier services.ClassificationClient, logger *logging.Logger) *Matcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Matcher{classifier: classifier, logger: logger.Component("matcher")}
}

// Match picks the best candidate for text.
func (m *Matcher) Match(ctx context.Context, text string, candidates []models.Node, snippets []models.Snippet) (result models.MatchResult) {
	if len(candidates) == 0 {
		return models.MatchResult{Rationale: rationaleNoNodes}
	}
	if m.classifier == nil {
		return matcherError(errors.New("classifier not configured"))
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("classifier panic", "panic", r)
			result = matcherError(fmt.Errorf("panic: %v", r))
		}
	}()

	req := models.ClassificationRequest{
		SignalText: text,
		Candidates: make([]models.Candidate, 0, len(candidates)),
		Context:    snippets,
	}
	valid := make(map[string]bool, len(candidates))
	for _, n := range candidates {
		req.Candidates = append(req.Candidates, models.Candidate{ID: n.ID, Label: n.Label, Description: n.Description})
		valid[n.ID] = true
	}

	answer, err := m.classifier.Classify(ctx, req)
	if err != nil {
		m.logger.Warn("classification failed", "error", err)
		return matcherError(err)
	}
	if answer == nil {
		return matcherError(errors.New("empty response"))
	}
	c := answer.Confidence
	if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 || c > 1 {
		return matcherError(fmt.Errorf("confidence %v out of range", c))
	}

	rationale := truncate(strings.TrimSpace(answer.Rationale), maxRationale)
	if !answer.Match || answer.NodeID == nil || *answer.NodeID == "" {
		if rationale == "" {
			rationale = rationaleNoMatch
		}
		return models.MatchResult{Rationale: rationale}
	}
	if !valid[*answer.NodeID] {
		return matcherError(fmt.Errorf("unknown node id %q", truncate(*answer.NodeID, 64)))
	}
	return models.MatchResult{NodeID: *answer.NodeID, Confidence: c, Rationale: rationale}
}

func matcherError(err error) models.MatchResult {
	return models.MatchResult{Rationale: truncate(matcherErrorPrefix+err.Error(), maxRationale)}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
