package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-autopilot/pkg/models"
)

// exerciseRepository runs the behaviour every Repository implementation must share.
func exerciseRepository(t *testing.T, repo Repository) {
	ctx := context.Background()

	team := &models.Team{Name: "Acme", Domain: "acme.test", SlackTeamID: "T0ACME"}
	require.NoError(t, repo.CreateTeam(ctx, team))
	require.NotEmpty(t, team.ID)

	t.Run("Teams", func(t *testing.T) {
		got, err := repo.GetTeam(ctx, team.ID)
		require.NoError(t, err)
		assert.Equal(t, "Acme", got.Name)

		got, err = repo.GetTeamByDomain(ctx, "acme.test")
		require.NoError(t, err)
		assert.Equal(t, team.ID, got.ID)

		got, err = repo.GetTeamBySlackID(ctx, "T0ACME")
		require.NoError(t, err)
		assert.Equal(t, team.ID, got.ID)

		_, err = repo.GetTeamByDomain(ctx, "missing.test")
		assert.ErrorIs(t, err, ErrNotFound)

		err = repo.CreateTeam(ctx, &models.Team{Name: "Dup", Domain: "acme.test"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("Policy override", func(t *testing.T) {
		p, err := repo.GetPolicyOverride(ctx, team.ID)
		require.NoError(t, err)
		assert.Nil(t, p.ConfidenceFloor)
		assert.Nil(t, p.ExecutionThreshold)

		threshold := 0.9
		require.NoError(t, repo.SetPolicyOverride(ctx, team.ID, models.PolicyOverride{ExecutionThreshold: &threshold}))

		p, err = repo.GetPolicyOverride(ctx, team.ID)
		require.NoError(t, err)
		assert.Nil(t, p.ConfidenceFloor)
		require.NotNil(t, p.ExecutionThreshold)
		assert.InDelta(t, 0.9, *p.ExecutionThreshold, 1e-9)
	})

	t.Run("Flags default to disabled", func(t *testing.T) {
		enabled, err := repo.GetGlobalFlag(ctx, team.ID)
		require.NoError(t, err)
		assert.False(t, enabled)

		enabled, err = repo.GetNodeFlag(ctx, "never-set")
		require.NoError(t, err)
		assert.False(t, enabled)

		require.NoError(t, repo.SetGlobalFlag(ctx, team.ID, true))
		require.NoError(t, repo.SetNodeFlag(ctx, "node-1", true))
		require.NoError(t, repo.SetNodeFlag(ctx, "node-1", false))
		require.NoError(t, repo.SetNodeFlag(ctx, "node-2", true))

		enabled, err = repo.GetGlobalFlag(ctx, team.ID)
		require.NoError(t, err)
		assert.True(t, enabled)

		enabled, err = repo.GetNodeFlag(ctx, "node-1")
		require.NoError(t, err)
		assert.False(t, enabled)

		enabled, err = repo.GetNodeFlag(ctx, "node-2")
		require.NoError(t, err)
		assert.True(t, enabled)
	})

	t.Run("Rule graphs", func(t *testing.T) {
		_, err := repo.GetActiveRuleGraph(ctx, team.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		first := &models.RuleGraph{
			TeamID: team.ID,
			Title:  "Incident flow",
			Nodes: []models.Node{
				{StepID: "1", Label: "Page on-call", Description: "Notify the on-call engineer", AutoPilotEnabled: true},
				{StepID: "2", Label: "Write postmortem"},
			},
			Edges: []models.Edge{{Source: "1", Target: "2"}},
		}
		require.NoError(t, repo.SaveRuleGraph(ctx, first))

		second := &models.RuleGraph{
			TeamID: team.ID,
			Title:  "Bug triage",
			Nodes: []models.Node{
				{StepID: "a", Type: "decision", Label: "Create Jira ticket", AutoPilotEnabled: true},
			},
		}
		require.NoError(t, repo.SaveRuleGraph(ctx, second))

		active, err := repo.GetActiveRuleGraph(ctx, team.ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, active.ID)
		assert.Equal(t, "Bug triage", active.Title)
		require.Len(t, active.Nodes, 1)
		assert.Equal(t, "decision", active.Nodes[0].Type)
		assert.Equal(t, second.Nodes[0].ID, active.Nodes[0].ID)
		assert.True(t, active.Nodes[0].AutoPilotEnabled)
		assert.Empty(t, active.Edges)

		history, err := repo.ListRuleGraphs(ctx, team.ID, 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, second.ID, history[0].ID)
		assert.True(t, history[0].IsActive)
		assert.Equal(t, first.ID, history[1].ID)
		assert.False(t, history[1].IsActive)
		assert.Empty(t, history[0].Nodes)

		limited, err := repo.ListRuleGraphs(ctx, team.ID, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		old, err := repo.GetRuleGraph(ctx, team.ID, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Title, old.Title)
		assert.False(t, old.IsActive)
		assert.Len(t, old.Nodes, len(first.Nodes))
		assert.Len(t, old.Edges, len(first.Edges))

		_, err = repo.GetRuleGraph(ctx, team.ID, newID())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.GetRuleGraph(ctx, newID(), first.ID)
		assert.ErrorIs(t, err, ErrNotFound, "graphs are scoped to their team")
	})

	t.Run("Runs", func(t *testing.T) {
		run := &models.Run{
			TeamID:         team.ID,
			TriggerType:    models.TriggerSignalEvaluation,
			IdempotencyKey: "key-1",
			Context:        models.DecisionContext{SignalText: "hello", Confidence: 0.5},
		}
		id, err := repo.CreateRun(ctx, run)
		require.NoError(t, err)
		assert.Equal(t, models.RunProcessing, run.Status)

		found, err := repo.FindRunByIdempotencyKey(ctx, team.ID, models.TriggerSignalEvaluation, "key-1")
		require.NoError(t, err)
		assert.Equal(t, id, found.ID)
		assert.Equal(t, models.RunProcessing, found.Status)
		assert.Equal(t, "hello", found.Context.SignalText)

		_, err = repo.CreateRun(ctx, &models.Run{
			TeamID: team.ID, TriggerType: models.TriggerSignalEvaluation, IdempotencyKey: "key-1",
		})
		assert.ErrorIs(t, err, ErrDuplicate)

		// Dry runs never claim the key.
		for i := 0; i < 2; i++ {
			_, err = repo.CreateRun(ctx, &models.Run{
				TeamID: team.ID, TriggerType: models.TriggerSignalEvaluation, IdempotencyKey: "key-2", DryRun: true,
			})
			require.NoError(t, err)
		}
		_, err = repo.FindRunByIdempotencyKey(ctx, team.ID, models.TriggerSignalEvaluation, "key-2")
		assert.ErrorIs(t, err, ErrNotFound)

		err = repo.UpdateRun(ctx, id, models.RunUpdate{
			Status:      models.RunSkipped,
			Context:     models.DecisionContext{SignalText: "hello", Reason: models.ReasonLowConfidence},
			CompletedAt: time.Now(),
		})
		require.NoError(t, err)

		err = repo.UpdateRun(ctx, id, models.RunUpdate{Status: models.RunCompleted})
		assert.ErrorIs(t, err, ErrRunFinalized)

		err = repo.UpdateRun(ctx, id, models.RunUpdate{Status: models.RunProcessing})
		assert.Error(t, err)

		err = repo.UpdateRun(ctx, newID(), models.RunUpdate{Status: models.RunFailed})
		assert.ErrorIs(t, err, ErrNotFound)

		runs, err := repo.ListRuns(ctx, team.ID, 10)
		require.NoError(t, err)
		require.Len(t, runs, 3)

		var finalized *models.Run
		for _, r := range runs {
			if r.ID == id {
				finalized = r
			}
		}
		require.NotNil(t, finalized)
		assert.Equal(t, models.RunSkipped, finalized.Status)
		assert.Equal(t, models.ReasonLowConfidence, finalized.Context.Reason)
		assert.NotNil(t, finalized.CompletedAt)
	})

	t.Run("Usage", func(t *testing.T) {
		u, err := repo.GetUsage(ctx, team.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, u.AutomationCount)
		assert.EqualValues(t, models.DefaultAutomationLimit, u.AutomationLimit)
		assert.Equal(t, models.DefaultPlanTier, u.PlanTier)

		require.NoError(t, repo.IncrementUsage(ctx, team.ID))
		require.NoError(t, repo.IncrementUsage(ctx, team.ID))

		u, err = repo.GetUsage(ctx, team.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, u.AutomationCount)
	})

	t.Run("Signals", func(t *testing.T) {
		sig := &models.Signal{
			TeamID:     team.ID,
			Source:     "slack",
			ExternalID: "slack_1700000000.000100",
			Actor:      "U123",
			Text:       "production is down",
			Metadata:   map[string]any{"channel": "C1"},
		}
		inserted, err := repo.SaveSignal(ctx, sig)
		require.NoError(t, err)
		assert.True(t, inserted)
		firstID := sig.ID

		again := *sig
		again.ID = ""
		inserted, err = repo.SaveSignal(ctx, &again)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, firstID, again.ID)

		got, err := repo.GetSignal(ctx, firstID)
		require.NoError(t, err)
		assert.Equal(t, "production is down", got.Text)
		assert.Equal(t, "C1", got.Metadata["channel"])

		got, err = repo.GetSignal(ctx, "slack_1700000000.000100")
		require.NoError(t, err)
		assert.Equal(t, firstID, got.ID)

		_, err = repo.GetSignal(ctx, "unknown")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Knowledge", func(t *testing.T) {
		_, err := repo.AddKnowledge(ctx, team.ID, "Restart the ingest worker", []float32{1, 0, 0},
			map[string]any{"source": "runbook", "filename": "ingest.md"})
		require.NoError(t, err)
		_, err = repo.AddKnowledge(ctx, team.ID, "Lunch menu", []float32{0, 1, 0}, nil)
		require.NoError(t, err)

		snippets, err := repo.SearchKnowledge(ctx, team.ID, []float32{0.9, 0.1, 0}, 1)
		require.NoError(t, err)
		require.Len(t, snippets, 1)
		assert.Equal(t, "Restart the ingest worker", snippets[0].Content)
		assert.Equal(t, "runbook", snippets[0].Source)
		assert.Equal(t, "ingest.md", snippets[0].Ref)

		items, err := repo.ListKnowledge(ctx, team.ID, 10)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "Lunch menu", items[0].Content)
		assert.Equal(t, "runbook", items[1].Metadata["source"])

		require.NoError(t, repo.DeleteKnowledge(ctx, team.ID, items[0].ID))
		assert.ErrorIs(t, repo.DeleteKnowledge(ctx, team.ID, items[0].ID), ErrNotFound)
		assert.ErrorIs(t, repo.DeleteKnowledge(ctx, newID(), items[1].ID), ErrNotFound)

		items, err = repo.ListKnowledge(ctx, team.ID, 10)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "Restart the ingest worker", items[0].Content)
	})
}
