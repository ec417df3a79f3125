package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"signal-autopilot/pkg/models"
)

func TestIdempotencyKey(t *testing.T) {
	base := models.Signal{ID: "sig-1", Source: "slack", ExternalID: "slack_1.2", Text: "deploy failed"}

	key := IdempotencyKey("team-1", base)
	assert.Len(t, key, 64)
	assert.Equal(t, key, IdempotencyKey("team-1", base), "stable")

	changed := []models.Signal{
		{ID: "sig-1", Source: "jira", ExternalID: "slack_1.2", Text: "deploy failed"},
		{ID: "sig-1", Source: "slack", ExternalID: "slack_1.3", Text: "deploy failed"},
		{ID: "sig-1", Source: "slack", ExternalID: "slack_1.2", Text: "deploy failed!"},
	}
	for _, s := range changed {
		assert.NotEqual(t, key, IdempotencyKey("team-1", s))
	}
	assert.NotEqual(t, key, IdempotencyKey("team-2", base))

	// The signal id is not part of the key when an external id exists.
	other := base
	other.ID = "sig-2"
	assert.Equal(t, key, IdempotencyKey("team-1", other))

	// Without an external id the signal id stands in.
	noExternal := models.Signal{ID: "sig-9", Source: "api", Text: "x"}
	withExternal := models.Signal{ExternalID: "sig-9", Source: "api", Text: "x"}
	assert.Equal(t, IdempotencyKey("t", noExternal), IdempotencyKey("t", withExternal))

	// Field boundaries are unambiguous.
	a := models.Signal{Source: "ab", ExternalID: "c", Text: "x"}
	b := models.Signal{Source: "a", ExternalID: "bc", Text: "x"}
	assert.NotEqual(t, IdempotencyKey("t", a), IdempotencyKey("t", b))
}

func TestGuard_Seen(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	guard := NewGuard(store)

	seen, err := guard.Seen(ctx, "team-1", "k1")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = store.CreateRun(ctx, &models.Run{TeamID: "team-1", TriggerType: models.TriggerSignalEvaluation, IdempotencyKey: "k1"})
	require.NoError(t, err)

	seen, err = guard.Seen(ctx, "team-1", "k1")
	require.NoError(t, err)
	assert.True(t, seen)

	store.findErr = errStoreDown
	_, err = guard.Seen(ctx, "team-1", "k1")
	assert.True(t, IsKind(err, KindStorage))
	assert.ErrorIs(t, err, errStoreDown)
}

func TestMatcher(t *testing.T) {
	ctx := context.Background()
	candidates := []models.Node{
		{ID: "n1", Label: "escalate billing incidents", Description: "page billing", AutoPilotEnabled: true},
		{ID: "n2", Label: "create bug ticket", AutoPilotEnabled: true},
	}
	snippets := []models.Snippet{{Source: "runbook", Ref: "billing.md", Content: "billing runbook"}}

	t.Run("no candidates skips the classifier", func(t *testing.T) {
		classifier := new(MockClassifier)
		result := NewMatcher(classifier, nil).Match(ctx, "text", nil, nil)
		assert.Equal(t, models.MatchResult{Rationale: "no eligible nodes"}, result)
		classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
	})

	t.Run("valid match", func(t *testing.T) {
		classifier := new(MockClassifier)
		classifier.On("Classify", ctx, mock.MatchedBy(func(req models.ClassificationRequest) bool {
			return req.SignalText == "checkout error" && len(req.Candidates) == 2 &&
				req.Candidates[0] == models.Candidate{ID: "n1", Label: "escalate billing incidents", Description: "page billing"} &&
				len(req.Context) == 1
		})).Return(matchNode("n1", 0.95, "  billing pattern  "), nil)

		result := NewMatcher(classifier, nil).Match(ctx, "checkout error", candidates, snippets)
		assert.Equal(t, models.MatchResult{NodeID: "n1", Confidence: 0.95, Rationale: "billing pattern"}, result)
		classifier.AssertExpectations(t)
	})

	degraded := []struct {
		name   string
		answer *models.Classification
		err    error
		want   string
	}{
		{"classifier error", nil, errors.New("context deadline exceeded"), "matcher error: context deadline exceeded"},
		{"nil answer", nil, nil, "matcher error: empty response"},
		{"confidence above one", matchNode("n1", 1.5, ""), nil, "matcher error: confidence 1.5 out of range"},
		{"negative confidence", matchNode("n1", -0.1, ""), nil, "matcher error: confidence -0.1 out of range"},
		{"nan confidence", matchNode("n1", math.NaN(), ""), nil, "matcher error: confidence NaN out of range"},
		{"unknown node", matchNode("n9", 0.99, ""), nil, `matcher error: unknown node id "n9"`},
	}
	for _, tt := range degraded {
		t.Run(tt.name, func(t *testing.T) {
			classifier := new(MockClassifier)
			classifier.On("Classify", ctx, mock.Anything).Return(tt.answer, tt.err)

			result := NewMatcher(classifier, nil).Match(ctx, "text", candidates, nil)
			assert.False(t, result.Matched())
			assert.Zero(t, result.Confidence)
			assert.Equal(t, tt.want, result.Rationale)
		})
	}

	t.Run("no match normalizes confidence", func(t *testing.T) {
		classifier := new(MockClassifier)
		classifier.On("Classify", ctx, mock.Anything).
			Return(&models.Classification{Match: false, Confidence: 0.7, Rationale: ""}, nil)

		result := NewMatcher(classifier, nil).Match(ctx, "text", candidates, nil)
		assert.Equal(t, models.MatchResult{Rationale: "no match"}, result)
	})

	t.Run("panic is absorbed", func(t *testing.T) {
		classifier := new(MockClassifier)
		classifier.On("Classify", ctx, mock.Anything).Run(func(mock.Arguments) { panic("boom") })

		var result models.MatchResult
		assert.NotPanics(t, func() {
			result = NewMatcher(classifier, nil).Match(ctx, "text", candidates, nil)
		})
		assert.Equal(t, "matcher error: panic: boom", result.Rationale)
	})

	t.Run("nil classifier", func(t *testing.T) {
		result := NewMatcher(nil, nil).Match(ctx, "text", candidates, nil)
		assert.Equal(t, "matcher error: classifier not configured", result.Rationale)
	})

	t.Run("long rationale is truncated", func(t *testing.T) {
		classifier := new(MockClassifier)
		classifier.On("Classify", ctx, mock.Anything).Return(matchNode("n2", 0.5, strings.Repeat("é", 900)), nil)

		result := NewMatcher(classifier, nil).Match(ctx, "text", candidates, nil)
		assert.Equal(t, 500, len([]rune(result.Rationale)))
	})
}

func TestGate_Check(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		global  bool
		node    bool
		flagErr error
		want    string
	}{
		{"both enabled", true, true, nil, ""},
		{"global disabled", false, true, nil, "global_disabled"},
		{"global disabled and node disabled", false, false, nil, "global_disabled"},
		{"node disabled", true, false, nil, "node_disabled:n1"},
		{"flag store down", true, true, errStoreDown, "flag_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.global["team-1"] = tt.global
			store.nodes["n1"] = tt.node
			store.flagErr = tt.flagErr
			assert.Equal(t, tt.want, NewGate(store, nil).Check(ctx, "team-1", "n1"))
		})
	}

	t.Run("unset flags are disabled", func(t *testing.T) {
		assert.Equal(t, "global_disabled", NewGate(newMemStore(), nil).Check(ctx, "team-1", "n1"))

		store := newMemStore()
		store.global["team-1"] = true
		assert.Equal(t, "node_disabled:n1", NewGate(store, nil).Check(ctx, "team-1", "n1"))
	})
}

func TestThresholds_Decide(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		c    float64
		want Decision
	}{
		{0, DecisionIgnore},
		{0.05, DecisionIgnore},
		{0.0999, DecisionIgnore},
		{0.10, DecisionSkip},
		{0.5, DecisionSkip},
		{0.8999, DecisionSkip},
		{0.90, DecisionExecute},
		{1.0, DecisionExecute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Decide(tt.c), "confidence %v", tt.c)
	}
}

func TestPolicy_For(t *testing.T) {
	ctx := context.Background()
	floor, threshold := 0.2, 0.6
	store := newMemStore()

	policy := NewPolicy(Thresholds{}, store, nil)
	assert.Equal(t, DefaultThresholds(), policy.For(ctx, "team-1"), "invalid defaults fall back")

	store.policy = &models.PolicyOverride{ExecutionThreshold: &threshold}
	assert.Equal(t, Thresholds{ConfidenceFloor: 0.10, ExecutionThreshold: 0.6}, policy.For(ctx, "team-1"))

	store.policy = &models.PolicyOverride{ConfidenceFloor: &floor, ExecutionThreshold: &threshold}
	assert.Equal(t, Thresholds{ConfidenceFloor: 0.2, ExecutionThreshold: 0.6}, policy.For(ctx, "team-1"))

	bad := 0.95
	store.policy = &models.PolicyOverride{ConfidenceFloor: &bad, ExecutionThreshold: &threshold}
	assert.Equal(t, DefaultThresholds(), policy.For(ctx, "team-1"), "floor above threshold is ignored")

	assert.Equal(t, DefaultThresholds(), NewPolicy(DefaultThresholds(), nil, nil).For(ctx, "team-1"))
}

func TestFailure(t *testing.T) {
	err := fail(KindDispatch, errors.New("rate limited"))
	assert.Equal(t, "dispatch: rate limited", err.Error())
	assert.True(t, IsKind(err, KindDispatch))
	assert.False(t, IsKind(err, KindStorage))
	assert.False(t, IsKind(errors.New("plain"), KindDispatch))
}
