package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"signal-autopilot/pkg/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

const pgUniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- teams ---

const teamColumns = `id, name, COALESCE(domain, ''), COALESCE(slack_team_id, ''), created_at, updated_at`

func scanTeam(row pgx.Row) (*models.Team, error) {
	var t models.Team
	if err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.SlackTeamID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetTeam retrieves a team by id.
func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	if !isUUID(id) {
		return nil, ErrNotFound
	}
	return scanTeam(s.db.QueryRow(ctx, "SELECT "+teamColumns+" FROM teams WHERE id = $1", id))
}

// GetTeamByDomain retrieves a team by its email domain.
func (s *PostgresStore) GetTeamByDomain(ctx context.Context, domain string) (*models.Team, error) {
	return scanTeam(s.db.QueryRow(ctx, "SELECT "+teamColumns+" FROM teams WHERE domain = $1", domain))
}

// GetTeamBySlackID retrieves the team that installed the Slack app.
func (s *PostgresStore) GetTeamBySlackID(ctx context.Context, slackTeamID string) (*models.Team, error) {
	return scanTeam(s.db.QueryRow(ctx, "SELECT "+teamColumns+" FROM teams WHERE slack_team_id = $1", slackTeamID))
}

// CreateTeam inserts a team and fills its id and timestamps.
func (s *PostgresStore) CreateTeam(ctx context.Context, team *models.Team) error {
	if team.ID == "" {
		team.ID = newID()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO teams (id, name, domain, slack_team_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		team.ID, team.Name, nullIfEmpty(team.Domain), nullIfEmpty(team.SlackTeamID),
	).Scan(&team.CreatedAt, &team.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetPolicyOverride returns the team's threshold overrides.
func (s *PostgresStore) GetPolicyOverride(ctx context.Context, teamID string) (*models.PolicyOverride, error) {
	if !isUUID(teamID) {
		return nil, ErrNotFound
	}
	var p models.PolicyOverride
	err := s.db.QueryRow(ctx,
		"SELECT confidence_floor, execution_threshold FROM teams WHERE id = $1", teamID,
	).Scan(&p.ConfidenceFloor, &p.ExecutionThreshold)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// SetPolicyOverride replaces the team's threshold overrides.
func (s *PostgresStore) SetPolicyOverride(ctx context.Context, teamID string, policy models.PolicyOverride) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE teams SET confidence_floor = $2, execution_threshold = $3, updated_at = now()
		WHERE id = $1`,
		teamID, policy.ConfidenceFloor, policy.ExecutionThreshold)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- safety flags ---

// GetGlobalFlag returns the team kill switch. Unset reads as disabled.
func (s *PostgresStore) GetGlobalFlag(ctx context.Context, teamID string) (bool, error) {
	var enabled *bool
	err := s.db.QueryRow(ctx, "SELECT auto_pilot_enabled FROM teams WHERE id = $1", teamID).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled != nil && *enabled, nil
}

// SetGlobalFlag sets the team kill switch.
func (s *PostgresStore) SetGlobalFlag(ctx context.Context, teamID string, enabled bool) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE teams SET auto_pilot_enabled = $2, updated_at = now() WHERE id = $1", teamID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetNodeFlag returns the per-node auto-run switch. Unset reads as disabled.
func (s *PostgresStore) GetNodeFlag(ctx context.Context, nodeID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRow(ctx, "SELECT auto_run_enabled FROM node_flags WHERE node_id = $1", nodeID).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return enabled, err
}

// SetNodeFlag sets the per-node auto-run switch.
func (s *PostgresStore) SetNodeFlag(ctx context.Context, nodeID string, enabled bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO node_flags (node_id, auto_run_enabled, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (node_id) DO UPDATE SET auto_run_enabled = EXCLUDED.auto_run_enabled, updated_at = now()`,
		nodeID, enabled)
	return err
}

// --- rule graphs ---

// GetActiveRuleGraph assembles the team's active rule graph.
func (s *PostgresStore) GetActiveRuleGraph(ctx context.Context, teamID string) (*models.RuleGraph, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, team_id, title, is_active, created_at FROM workflows
		WHERE team_id = $1 AND is_active
		LIMIT 2`, teamID)
	if err != nil {
		return nil, err
	}
	graphs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RuleGraph, error) {
		var g models.RuleGraph
		err := row.Scan(&g.ID, &g.TeamID, &g.Title, &g.IsActive, &g.CreatedAt)
		return g, err
	})
	if err != nil {
		return nil, err
	}
	switch len(graphs) {
	case 0:
		return nil, ErrNotFound
	case 1:
	default:
		return nil, ErrMultipleActive
	}
	graph := graphs[0]
	if err := s.loadGraphParts(ctx, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// ListRuleGraphs returns the team's graph versions, newest first.
func (s *PostgresStore) ListRuleGraphs(ctx context.Context, teamID string, limit int) ([]*models.RuleGraph, error) {
	if !isUUID(teamID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, team_id, title, is_active, created_at FROM workflows
		WHERE team_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.RuleGraph, error) {
		var g models.RuleGraph
		err := row.Scan(&g.ID, &g.TeamID, &g.Title, &g.IsActive, &g.CreatedAt)
		return &g, err
	})
}

// GetRuleGraph loads one of the team's graphs with its nodes and edges.
func (s *PostgresStore) GetRuleGraph(ctx context.Context, teamID, id string) (*models.RuleGraph, error) {
	if !isUUID(teamID) || !isUUID(id) {
		return nil, ErrNotFound
	}
	var g models.RuleGraph
	err := s.db.QueryRow(ctx, `
		SELECT id, team_id, title, is_active, created_at FROM workflows
		WHERE team_id = $1 AND id = $2`, teamID, id).
		Scan(&g.ID, &g.TeamID, &g.Title, &g.IsActive, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadGraphParts(ctx, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) loadGraphParts(ctx context.Context, graph *models.RuleGraph) error {
	nodeRows, err := s.db.Query(ctx, `
		SELECT id, step_id, node_type, label, description, actor, auto_pilot
		FROM workflow_nodes WHERE workflow_id = $1 ORDER BY position`, graph.ID)
	if err != nil {
		return err
	}
	graph.Nodes, err = pgx.CollectRows(nodeRows, func(row pgx.CollectableRow) (models.Node, error) {
		var n models.Node
		err := row.Scan(&n.ID, &n.StepID, &n.Type, &n.Label, &n.Description, &n.Actor, &n.AutoPilotEnabled)
		return n, err
	})
	if err != nil {
		return err
	}

	edgeRows, err := s.db.Query(ctx, `
		SELECT source_step_id, target_step_id, label
		FROM workflow_edges WHERE workflow_id = $1 ORDER BY position`, graph.ID)
	if err != nil {
		return err
	}
	graph.Edges, err = pgx.CollectRows(edgeRows, func(row pgx.CollectableRow) (models.Edge, error) {
		var e models.Edge
		err := row.Scan(&e.Source, &e.Target, &e.Label)
		return e, err
	})
	return err
}

// SaveRuleGraph deactivates the team's current graph and stores graph as the
// active one in a single transaction. Node ids are always freshly assigned.
func (s *PostgresStore) SaveRuleGraph(ctx context.Context, graph *models.RuleGraph) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"UPDATE workflows SET is_active = false WHERE team_id = $1 AND is_active", graph.TeamID); err != nil {
		return fmt.Errorf("deactivate workflows: %w", err)
	}

	graph.ID = newID()
	graph.IsActive = true
	if err := tx.QueryRow(ctx, `
		INSERT INTO workflows (id, team_id, title, is_active) VALUES ($1, $2, $3, true)
		RETURNING created_at`,
		graph.ID, graph.TeamID, graph.Title).Scan(&graph.CreatedAt); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		n.ID = newID()
		if n.Type == "" {
			n.Type = "process"
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_nodes (id, workflow_id, step_id, node_type, label, description, actor, auto_pilot, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			n.ID, graph.ID, n.StepID, n.Type, n.Label, n.Description, n.Actor, n.AutoPilotEnabled, i); err != nil {
			return fmt.Errorf("insert node %s: %w", n.StepID, err)
		}
	}
	for i, e := range graph.Edges {
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_edges (workflow_id, source_step_id, target_step_id, label, position)
			VALUES ($1, $2, $3, $4, $5)`,
			graph.ID, e.Source, e.Target, e.Label, i); err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return tx.Commit(ctx)
}

// --- runs ---

const runColumns = `id, team_id, trigger_type, status, COALESCE(idempotency_key, ''), dry_run, model_config, started_at, completed_at`

func scanRun(row pgx.Row) (*models.Run, error) {
	var (
		run     models.Run
		trigger string
		status  string
		config  []byte
	)
	if err := row.Scan(&run.ID, &run.TeamID, &trigger, &status, &run.IdempotencyKey,
		&run.DryRun, &config, &run.StartedAt, &run.CompletedAt); err != nil {
		return nil, notFound(err)
	}
	run.TriggerType = models.TriggerType(trigger)
	run.Status = models.RunStatus(status)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &run.Context); err != nil {
			return nil, fmt.Errorf("decode model_config: %w", err)
		}
	}
	return &run, nil
}

// CreateRun inserts the run in processing state.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) (string, error) {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = models.RunProcessing
	config, err := json.Marshal(run.Context)
	if err != nil {
		return "", fmt.Errorf("marshal model_config: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO inference_runs (id, team_id, trigger_type, status, idempotency_key, dry_run, model_config, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.TeamID, string(run.TriggerType), string(run.Status), runKey(run), run.DryRun, config, run.StartedAt)
	if isUniqueViolation(err) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// UpdateRun finalizes a processing run.
func (s *PostgresStore) UpdateRun(ctx context.Context, runID string, update models.RunUpdate) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("update run %s: status %q is not terminal", runID, update.Status)
	}
	config, err := json.Marshal(update.Context)
	if err != nil {
		return fmt.Errorf("marshal model_config: %w", err)
	}
	completed := update.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE inference_runs SET status = $2, model_config = $3, completed_at = $4
		WHERE id = $1 AND status = 'processing'`,
		runID, string(update.Status), config, completed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM inference_runs WHERE id = $1)", runID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrRunFinalized
}

// FindRunByIdempotencyKey finds the live run that claimed key.
func (s *PostgresStore) FindRunByIdempotencyKey(ctx context.Context, teamID string, trigger models.TriggerType, key string) (*models.Run, error) {
	return scanRun(s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM inference_runs
		WHERE team_id = $1 AND trigger_type = $2 AND idempotency_key = $3
		LIMIT 1`, teamID, string(trigger), key))
}

// ListRuns returns the team's most recent runs.
func (s *PostgresStore) ListRuns(ctx context.Context, teamID string, limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+` FROM inference_runs
		WHERE team_id = $1 ORDER BY started_at DESC LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- usage ---

// IncrementUsage bumps the team's automation counter, creating the row on first use.
func (s *PostgresStore) IncrementUsage(ctx context.Context, teamID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO team_usage (team_id, automation_count, automation_limit, plan_tier, updated_at)
		VALUES ($1, 1, $2, $3, now())
		ON CONFLICT (team_id) DO UPDATE
		SET automation_count = team_usage.automation_count + 1, updated_at = now()`,
		teamID, models.DefaultAutomationLimit, models.DefaultPlanTier)
	return err
}

// GetUsage returns the team's usage, creating the default row when missing.
func (s *PostgresStore) GetUsage(ctx context.Context, teamID string) (*models.TeamUsage, error) {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO team_usage (team_id, automation_count, automation_limit, plan_tier, updated_at)
		VALUES ($1, 0, $2, $3, now())
		ON CONFLICT (team_id) DO NOTHING`,
		teamID, models.DefaultAutomationLimit, models.DefaultPlanTier); err != nil {
		return nil, err
	}
	var u models.TeamUsage
	err := s.db.QueryRow(ctx, `
		SELECT team_id, automation_count, automation_limit, plan_tier, updated_at
		FROM team_usage WHERE team_id = $1`, teamID,
	).Scan(&u.TeamID, &u.AutomationCount, &u.AutomationLimit, &u.PlanTier, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// --- signals ---

const signalColumns = `id, team_id, source, external_id, actor, content, metadata, occurred_at`

func scanSignal(row pgx.Row) (*models.Signal, error) {
	var (
		sig      models.Signal
		metadata []byte
	)
	if err := row.Scan(&sig.ID, &sig.TeamID, &sig.Source, &sig.ExternalID, &sig.Actor,
		&sig.Text, &metadata, &sig.OccurredAt); err != nil {
		return nil, notFound(err)
	}
	m, err := unmarshalMap(metadata)
	if err != nil {
		return nil, err
	}
	sig.Metadata = m
	return &sig, nil
}

// SaveSignal stores signal unless (team, source, external id) already exists.
func (s *PostgresStore) SaveSignal(ctx context.Context, signal *models.Signal) (bool, error) {
	metadata, err := marshalMap(signal.Metadata)
	if err != nil {
		return false, err
	}
	if signal.OccurredAt.IsZero() {
		signal.OccurredAt = time.Now().UTC()
	}
	id := newID()
	err = s.db.QueryRow(ctx, `
		INSERT INTO raw_signals (id, team_id, source, external_id, actor, content, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (team_id, source, external_id) DO NOTHING
		RETURNING id`,
		id, signal.TeamID, signal.Source, signal.ExternalID, signal.Actor, signal.Text, metadata, signal.OccurredAt,
	).Scan(&signal.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	err = s.db.QueryRow(ctx, `
		SELECT id FROM raw_signals WHERE team_id = $1 AND source = $2 AND external_id = $3`,
		signal.TeamID, signal.Source, signal.ExternalID).Scan(&signal.ID)
	return false, err
}

// GetSignal loads a signal by id, falling back to its external id.
func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	if isUUID(id) {
		sig, err := scanSignal(s.db.QueryRow(ctx, "SELECT "+signalColumns+" FROM raw_signals WHERE id = $1", id))
		if !errors.Is(err, ErrNotFound) {
			return sig, err
		}
	}
	return scanSignal(s.db.QueryRow(ctx, `
		SELECT `+signalColumns+` FROM raw_signals
		WHERE external_id = $1 ORDER BY created_at LIMIT 1`, id))
}

// --- knowledge ---

// AddKnowledge stores a knowledge item with its embedding.
func (s *PostgresStore) AddKnowledge(ctx context.Context, teamID, content string, embedding []float32, metadata map[string]any) (string, error) {
	meta, err := marshalMap(metadata)
	if err != nil {
		return "", err
	}
	id := newID()
	_, err = s.db.Exec(ctx, `
		INSERT INTO knowledge_items (id, team_id, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		id, teamID, content, pgvector.NewVector(embedding), meta)
	if err != nil {
		return "", err
	}
	return id, nil
}

// SearchKnowledge returns the team's items closest to embedding by cosine distance.
func (s *PostgresStore) SearchKnowledge(ctx context.Context, teamID string, embedding []float32, limit int) ([]models.Snippet, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, content, metadata, 1 - (embedding <=> $2) AS score
		FROM knowledge_items
		WHERE team_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, teamID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snippets []models.Snippet
	for rows.Next() {
		var (
			id, content string
			metadata    []byte
			score       float64
		)
		if err := rows.Scan(&id, &content, &metadata, &score); err != nil {
			return nil, err
		}
		m, err := unmarshalMap(metadata)
		if err != nil {
			return nil, err
		}
		snippets = append(snippets, snippetFrom(id, content, m, score))
	}
	return snippets, rows.Err()
}

// ListKnowledge returns the team's knowledge items, newest first.
func (s *PostgresStore) ListKnowledge(ctx context.Context, teamID string, limit int) ([]*models.KnowledgeItem, error) {
	if !isUUID(teamID) {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, team_id, content, metadata, created_at FROM knowledge_items
		WHERE team_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.KnowledgeItem, error) {
		var (
			item     models.KnowledgeItem
			metadata []byte
		)
		if err := row.Scan(&item.ID, &item.TeamID, &item.Content, &metadata, &item.CreatedAt); err != nil {
			return nil, err
		}
		m, err := unmarshalMap(metadata)
		item.Metadata = m
		return &item, err
	})
}

// DeleteKnowledge removes one of the team's knowledge items.
func (s *PostgresStore) DeleteKnowledge(ctx context.Context, teamID, id string) error {
	if !isUUID(teamID) || !isUUID(id) {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM knowledge_items WHERE team_id = $1 AND id = $2", teamID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
