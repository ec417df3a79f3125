package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"signal-autopilot/pkg/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore is a SQLite implementation of the Repository interface for
// local development and single-node deployments.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens a SQLite database at path.
//
// The database is configured with WAL mode, a 5 second busy timeout and
// foreign key enforcement. SQLite allows a single writer, so the pool is
// limited to one connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate applies the schema. It is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

func isSQLiteUnique(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func sqlNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStore) stamp() string {
	return s.now().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// --- teams ---

const sqliteTeamColumns = `id, name, COALESCE(domain, ''), COALESCE(slack_team_id, ''), created_at, updated_at`

func scanSQLiteTeam(row *sql.Row) (*models.Team, error) {
	var (
		t                models.Team
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.SlackTeamID, &created, &updated); err != nil {
		return nil, sqlNotFound(err)
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// GetTeam retrieves a team by id.
func (s *SQLiteStore) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	return scanSQLiteTeam(s.db.QueryRowContext(ctx, "SELECT "+sqliteTeamColumns+" FROM teams WHERE id = ?", id))
}

// GetTeamByDomain retrieves a team by its email domain.
func (s *SQLiteStore) GetTeamByDomain(ctx context.Context, domain string) (*models.Team, error) {
	return scanSQLiteTeam(s.db.QueryRowContext(ctx, "SELECT "+sqliteTeamColumns+" FROM teams WHERE domain = ?", domain))
}

// GetTeamBySlackID retrieves the team that installed the Slack app.
func (s *SQLiteStore) GetTeamBySlackID(ctx context.Context, slackTeamID string) (*models.Team, error) {
	return scanSQLiteTeam(s.db.QueryRowContext(ctx, "SELECT "+sqliteTeamColumns+" FROM teams WHERE slack_team_id = ?", slackTeamID))
}

// CreateTeam inserts a team and fills its id and timestamps.
func (s *SQLiteStore) CreateTeam(ctx context.Context, team *models.Team) error {
	if team.ID == "" {
		team.ID = newID()
	}
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, name, domain, slack_team_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		team.ID, team.Name, nullIfEmpty(team.Domain), nullIfEmpty(team.SlackTeamID), now, now)
	if isSQLiteUnique(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	team.CreatedAt = parseTime(now)
	team.UpdatedAt = team.CreatedAt
	return nil
}

// GetPolicyOverride returns the team's threshold overrides.
func (s *SQLiteStore) GetPolicyOverride(ctx context.Context, teamID string) (*models.PolicyOverride, error) {
	var floor, threshold sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT confidence_floor, execution_threshold FROM teams WHERE id = ?", teamID,
	).Scan(&floor, &threshold)
	if err != nil {
		return nil, sqlNotFound(err)
	}
	var p models.PolicyOverride
	if floor.Valid {
		p.ConfidenceFloor = &floor.Float64
	}
	if threshold.Valid {
		p.ExecutionThreshold = &threshold.Float64
	}
	return &p, nil
}

// SetPolicyOverride replaces the team's threshold overrides.
func (s *SQLiteStore) SetPolicyOverride(ctx context.Context, teamID string, policy models.PolicyOverride) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE teams SET confidence_floor = ?, execution_threshold = ?, updated_at = ? WHERE id = ?",
		policy.ConfidenceFloor, policy.ExecutionThreshold, s.stamp(), teamID)
	return affected(res, err)
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- safety flags ---

// GetGlobalFlag returns the team kill switch. Unset reads as disabled.
func (s *SQLiteStore) GetGlobalFlag(ctx context.Context, teamID string) (bool, error) {
	var enabled sql.NullBool
	err := s.db.QueryRowContext(ctx, "SELECT auto_pilot_enabled FROM teams WHERE id = ?", teamID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled.Valid && enabled.Bool, nil
}

// SetGlobalFlag sets the team kill switch.
func (s *SQLiteStore) SetGlobalFlag(ctx context.Context, teamID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE teams SET auto_pilot_enabled = ?, updated_at = ? WHERE id = ?", enabled, s.stamp(), teamID)
	return affected(res, err)
}

// GetNodeFlag returns the per-node auto-run switch. Unset reads as disabled.
func (s *SQLiteStore) GetNodeFlag(ctx context.Context, nodeID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, "SELECT auto_run_enabled FROM node_flags WHERE node_id = ?", nodeID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return enabled, err
}

// SetNodeFlag sets the per-node auto-run switch.
func (s *SQLiteStore) SetNodeFlag(ctx context.Context, nodeID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_flags (node_id, auto_run_enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET auto_run_enabled = excluded.auto_run_enabled, updated_at = excluded.updated_at`,
		nodeID, enabled, s.stamp())
	return err
}

// --- rule graphs ---

// GetActiveRuleGraph assembles the team's active rule graph.
func (s *SQLiteStore) GetActiveRuleGraph(ctx context.Context, teamID string) (*models.RuleGraph, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, title, is_active, created_at FROM workflows
		WHERE team_id = ? AND is_active = 1
		LIMIT 2`, teamID)
	if err != nil {
		return nil, err
	}
	var graphs []models.RuleGraph
	for rows.Next() {
		var (
			g       models.RuleGraph
			created string
		)
		if err := rows.Scan(&g.ID, &g.TeamID, &g.Title, &g.IsActive, &created); err != nil {
			rows.Close()
			return nil, err
		}
		g.CreatedAt = parseTime(created)
		graphs = append(graphs, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
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
func (s *SQLiteStore) ListRuleGraphs(ctx context.Context, teamID string, limit int) ([]*models.RuleGraph, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, title, is_active, created_at FROM workflows
		WHERE team_id = ?
		ORDER BY rowid DESC
		LIMIT ?`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var graphs []*models.RuleGraph
	for rows.Next() {
		g, err := scanSQLiteGraph(rows)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

// GetRuleGraph loads one of the team's graphs with its nodes and edges.
func (s *SQLiteStore) GetRuleGraph(ctx context.Context, teamID, id string) (*models.RuleGraph, error) {
	graph, err := scanSQLiteGraph(s.db.QueryRowContext(ctx, `
		SELECT id, team_id, title, is_active, created_at FROM workflows
		WHERE team_id = ? AND id = ?`, teamID, id))
	if err != nil {
		return nil, sqlNotFound(err)
	}
	if err := s.loadGraphParts(ctx, graph); err != nil {
		return nil, err
	}
	return graph, nil
}

func scanSQLiteGraph(row rowScanner) (*models.RuleGraph, error) {
	var (
		g       models.RuleGraph
		created string
	)
	if err := row.Scan(&g.ID, &g.TeamID, &g.Title, &g.IsActive, &created); err != nil {
		return nil, err
	}
	g.CreatedAt = parseTime(created)
	return &g, nil
}

func (s *SQLiteStore) loadGraphParts(ctx context.Context, graph *models.RuleGraph) error {
	nodeRows, err := s.db.QueryContext(ctx, `
		SELECT id, step_id, node_type, label, description, actor, auto_pilot
		FROM workflow_nodes WHERE workflow_id = ? ORDER BY position`, graph.ID)
	if err != nil {
		return err
	}
	for nodeRows.Next() {
		var n models.Node
		if err := nodeRows.Scan(&n.ID, &n.StepID, &n.Type, &n.Label, &n.Description, &n.Actor, &n.AutoPilotEnabled); err != nil {
			nodeRows.Close()
			return err
		}
		graph.Nodes = append(graph.Nodes, n)
	}
	nodeRows.Close()
	if err := nodeRows.Err(); err != nil {
		return err
	}

	edgeRows, err := s.db.QueryContext(ctx, `
		SELECT source_step_id, target_step_id, label
		FROM workflow_edges WHERE workflow_id = ? ORDER BY position`, graph.ID)
	if err != nil {
		return err
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e models.Edge
		if err := edgeRows.Scan(&e.Source, &e.Target, &e.Label); err != nil {
			return err
		}
		graph.Edges = append(graph.Edges, e)
	}
	return edgeRows.Err()
}

// SaveRuleGraph deactivates the team's current graph and stores graph as the
// active one in a single transaction. Node ids are always freshly assigned.
func (s *SQLiteStore) SaveRuleGraph(ctx context.Context, graph *models.RuleGraph) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE workflows SET is_active = 0 WHERE team_id = ? AND is_active = 1", graph.TeamID); err != nil {
		return fmt.Errorf("deactivate workflows: %w", err)
	}

	now := s.stamp()
	graph.ID = newID()
	graph.IsActive = true
	graph.CreatedAt = parseTime(now)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO workflows (id, team_id, title, is_active, created_at) VALUES (?, ?, ?, 1, ?)",
		graph.ID, graph.TeamID, graph.Title, now); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		n.ID = newID()
		if n.Type == "" {
			n.Type = "process"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_nodes (id, workflow_id, step_id, node_type, label, description, actor, auto_pilot, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, graph.ID, n.StepID, n.Type, n.Label, n.Description, n.Actor, n.AutoPilotEnabled, i); err != nil {
			return fmt.Errorf("insert node %s: %w", n.StepID, err)
		}
	}
	for i, e := range graph.Edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_edges (workflow_id, source_step_id, target_step_id, label, position)
			VALUES (?, ?, ?, ?, ?)`,
			graph.ID, e.Source, e.Target, e.Label, i); err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return tx.Commit()
}

// --- runs ---

const sqliteRunColumns = `id, team_id, trigger_type, status, COALESCE(idempotency_key, ''), dry_run, model_config, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*models.Run, error) {
	var (
		run       models.Run
		trigger   string
		status    string
		config    string
		started   string
		completed sql.NullString
	)
	if err := row.Scan(&run.ID, &run.TeamID, &trigger, &status, &run.IdempotencyKey,
		&run.DryRun, &config, &started, &completed); err != nil {
		return nil, sqlNotFound(err)
	}
	run.TriggerType = models.TriggerType(trigger)
	run.Status = models.RunStatus(status)
	run.StartedAt = parseTime(started)
	if completed.Valid {
		t := parseTime(completed.String)
		run.CompletedAt = &t
	}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &run.Context); err != nil {
			return nil, fmt.Errorf("decode model_config: %w", err)
		}
	}
	return &run, nil
}

// CreateRun inserts the run in processing state.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) (string, error) {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	run.Status = models.RunProcessing
	config, err := json.Marshal(run.Context)
	if err != nil {
		return "", fmt.Errorf("marshal model_config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inference_runs (id, team_id, trigger_type, status, idempotency_key, dry_run, model_config, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TeamID, string(run.TriggerType), string(run.Status), runKey(run), run.DryRun,
		string(config), run.StartedAt.UTC().Format(time.RFC3339Nano))
	if isSQLiteUnique(err) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// UpdateRun finalizes a processing run.
func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, update models.RunUpdate) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("update run %s: status %q is not terminal", runID, update.Status)
	}
	config, err := json.Marshal(update.Context)
	if err != nil {
		return fmt.Errorf("marshal model_config: %w", err)
	}
	completed := update.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_runs SET status = ?, model_config = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		string(update.Status), string(config), completed.UTC().Format(time.RFC3339Nano), runID)
	if err := affected(res, err); !errors.Is(err, ErrNotFound) {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM inference_runs WHERE id = ?)", runID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrRunFinalized
}

// FindRunByIdempotencyKey finds the live run that claimed key.
func (s *SQLiteStore) FindRunByIdempotencyKey(ctx context.Context, teamID string, trigger models.TriggerType, key string) (*models.Run, error) {
	return scanSQLiteRun(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteRunColumns+` FROM inference_runs
		WHERE team_id = ? AND trigger_type = ? AND idempotency_key = ?
		LIMIT 1`, teamID, string(trigger), key))
}

// ListRuns returns the team's most recent runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, teamID string, limit int) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRunColumns+` FROM inference_runs
		WHERE team_id = ? ORDER BY started_at DESC LIMIT ?`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- usage ---

// IncrementUsage bumps the team's automation counter, creating the row on first use.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, teamID string) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_usage (team_id, automation_count, automation_limit, plan_tier, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT (team_id) DO UPDATE
		SET automation_count = team_usage.automation_count + 1, updated_at = excluded.updated_at`,
		teamID, models.DefaultAutomationLimit, models.DefaultPlanTier, now)
	return err
}

// GetUsage returns the team's usage, creating the default row when missing.
func (s *SQLiteStore) GetUsage(ctx context.Context, teamID string) (*models.TeamUsage, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO team_usage (team_id, automation_count, automation_limit, plan_tier, updated_at)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT (team_id) DO NOTHING`,
		teamID, models.DefaultAutomationLimit, models.DefaultPlanTier, s.stamp()); err != nil {
		return nil, err
	}
	var (
		u       models.TeamUsage
		updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT team_id, automation_count, automation_limit, plan_tier, updated_at
		FROM team_usage WHERE team_id = ?`, teamID,
	).Scan(&u.TeamID, &u.AutomationCount, &u.AutomationLimit, &u.PlanTier, &updated)
	if err != nil {
		return nil, sqlNotFound(err)
	}
	u.UpdatedAt = parseTime(updated)
	return &u, nil
}

// --- signals ---

const sqliteSignalColumns = `id, team_id, source, external_id, actor, content, metadata, occurred_at`

func scanSQLiteSignal(row *sql.Row) (*models.Signal, error) {
	var (
		sig      models.Signal
		metadata string
		occurred string
	)
	if err := row.Scan(&sig.ID, &sig.TeamID, &sig.Source, &sig.ExternalID, &sig.Actor,
		&sig.Text, &metadata, &occurred); err != nil {
		return nil, sqlNotFound(err)
	}
	m, err := unmarshalMap([]byte(metadata))
	if err != nil {
		return nil, err
	}
	sig.Metadata = m
	sig.OccurredAt = parseTime(occurred)
	return &sig, nil
}

// SaveSignal stores signal unless (team, source, external id) already exists.
func (s *SQLiteStore) SaveSignal(ctx context.Context, signal *models.Signal) (bool, error) {
	metadata, err := marshalMap(signal.Metadata)
	if err != nil {
		return false, err
	}
	if signal.OccurredAt.IsZero() {
		signal.OccurredAt = s.now()
	}
	id := newID()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_signals (id, team_id, source, external_id, actor, content, metadata, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (team_id, source, external_id) DO NOTHING`,
		id, signal.TeamID, signal.Source, signal.ExternalID, signal.Actor, signal.Text, string(metadata),
		signal.OccurredAt.UTC().Format(time.RFC3339Nano), s.stamp())
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		signal.ID = id
		return true, nil
	}
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM raw_signals WHERE team_id = ? AND source = ? AND external_id = ?",
		signal.TeamID, signal.Source, signal.ExternalID).Scan(&signal.ID)
	return false, err
}

// GetSignal loads a signal by id, falling back to its external id.
func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	sig, err := scanSQLiteSignal(s.db.QueryRowContext(ctx,
		"SELECT "+sqliteSignalColumns+" FROM raw_signals WHERE id = ?", id))
	if !errors.Is(err, ErrNotFound) {
		return sig, err
	}
	return scanSQLiteSignal(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteSignalColumns+` FROM raw_signals
		WHERE external_id = ? ORDER BY created_at LIMIT 1`, id))
}

// --- knowledge ---

// AddKnowledge stores a knowledge item; the embedding is kept as a JSON array.
func (s *SQLiteStore) AddKnowledge(ctx context.Context, teamID, content string, embedding []float32, metadata map[string]any) (string, error) {
	meta, err := marshalMap(metadata)
	if err != nil {
		return "", err
	}
	vec, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("marshal embedding: %w", err)
	}
	id := newID()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (id, team_id, content, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, teamID, content, string(vec), string(meta), s.stamp())
	if err != nil {
		return "", err
	}
	return id, nil
}

// SearchKnowledge ranks the team's items by cosine similarity in process.
func (s *SQLiteStore) SearchKnowledge(ctx context.Context, teamID string, embedding []float32, limit int) ([]models.Snippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, embedding, metadata FROM knowledge_items
		WHERE team_id = ? AND embedding IS NOT NULL`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snippets []models.Snippet
	for rows.Next() {
		var id, content, vec, metadata string
		if err := rows.Scan(&id, &content, &vec, &metadata); err != nil {
			return nil, err
		}
		var stored []float32
		if err := json.Unmarshal([]byte(vec), &stored); err != nil {
			return nil, fmt.Errorf("decode embedding %s: %w", id, err)
		}
		m, err := unmarshalMap([]byte(metadata))
		if err != nil {
			return nil, err
		}
		snippets = append(snippets, snippetFrom(id, content, m, cosine(embedding, stored)))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topSnippets(snippets, limit), nil
}

// ListKnowledge returns the team's knowledge items, newest first.
func (s *SQLiteStore) ListKnowledge(ctx context.Context, teamID string, limit int) ([]*models.KnowledgeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, content, metadata, created_at FROM knowledge_items
		WHERE team_id = ?
		ORDER BY rowid DESC
		LIMIT ?`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.KnowledgeItem
	for rows.Next() {
		var (
			item              models.KnowledgeItem
			metadata, created string
		)
		if err := rows.Scan(&item.ID, &item.TeamID, &item.Content, &metadata, &created); err != nil {
			return nil, err
		}
		if item.Metadata, err = unmarshalMap([]byte(metadata)); err != nil {
			return nil, err
		}
		item.CreatedAt = parseTime(created)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// DeleteKnowledge removes one of the team's knowledge items.
func (s *SQLiteStore) DeleteKnowledge(ctx context.Context, teamID, id string) error {
	return affected(s.db.ExecContext(ctx, "DELETE FROM knowledge_items WHERE team_id = ? AND id = ?", teamID, id))
}
