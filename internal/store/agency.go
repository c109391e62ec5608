package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openagency/agencyd/internal/providers"
)

// AgencyStore persists the per-agency catalogues: agencies, blueprints,
// vars, agent rows, schedules, and schedule runs.
type AgencyStore struct {
	db *DB
}

func NewAgencyStore(db *DB) *AgencyStore {
	return &AgencyStore{db: db}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// --- agencies ---

func (s *AgencyStore) CreateAgency(ctx context.Context, name string) (*Agency, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("agency name %q must match ^[A-Za-z0-9_-]+$", name)
	}
	now := nowMs()
	res, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`INSERT INTO agencies (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`),
		name, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create agency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("agency %q: %w", name, ErrConflict)
	}
	return &Agency{Name: name, CreatedAt: now}, nil
}

func (s *AgencyStore) GetAgency(ctx context.Context, name string) (*Agency, error) {
	var a Agency
	err := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT name, created_at FROM agencies WHERE name = ?`), name,
	).Scan(&a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agency %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agency: %w", err)
	}
	return &a, nil
}

func (s *AgencyStore) ListAgencies(ctx context.Context) ([]Agency, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT name, created_at FROM agencies ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agencies: %w", err)
	}
	defer rows.Close()

	var out []Agency
	for rows.Next() {
		var a Agency
		if err := rows.Scan(&a.Name, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAgency removes the agency and cascades through every row it owns,
// including the message/event logs of its agents.
func (s *AgencyStore) DeleteAgency(ctx context.Context, name string) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	agentIDs, err := listAgentIDs(ctx, tx, s.db, name)
	if err != nil {
		return err
	}
	for _, id := range agentIDs {
		if err := deleteAgentRows(ctx, tx, s.db, id); err != nil {
			return err
		}
	}

	for _, q := range []string{
		`DELETE FROM schedule_runs WHERE schedule_id IN (SELECT id FROM schedules WHERE agency_id = ?)`,
		`DELETE FROM schedules WHERE agency_id = ?`,
		`DELETE FROM agency_vars WHERE agency_id = ?`,
		`DELETE FROM blueprints WHERE agency_id = ?`,
		`DELETE FROM agencies WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.db.rebind(q), name); err != nil {
			return fmt.Errorf("delete agency: %w", err)
		}
	}
	return tx.Commit()
}

// --- blueprints ---

// PutBlueprint upserts; an existing row keeps its created_at.
func (s *AgencyStore) PutBlueprint(ctx context.Context, agency string, bp *Blueprint) error {
	if err := bp.Validate(); err != nil {
		return err
	}
	if bp.Status == "" {
		bp.Status = BlueprintActive
	}
	caps, _ := json.Marshal(bp.Capabilities)
	now := nowMs()
	bp.UpdatedAt = now
	if bp.CreatedAt == 0 {
		bp.CreatedAt = now
	}

	_, err := s.db.sql.ExecContext(ctx, s.db.rebind(
		`INSERT INTO blueprints (agency_id, name, description, prompt, capabilities, model, config, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agency_id, name) DO UPDATE SET
		   description = excluded.description,
		   prompt = excluded.prompt,
		   capabilities = excluded.capabilities,
		   model = excluded.model,
		   config = excluded.config,
		   status = excluded.status,
		   updated_at = excluded.updated_at`),
		agency, bp.Name, bp.Description, bp.Prompt, string(caps), bp.Model,
		nullableJSON(bp.Config), bp.Status, bp.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("put blueprint: %w", err)
	}
	return nil
}

func (s *AgencyStore) GetBlueprint(ctx context.Context, agency, name string) (*Blueprint, error) {
	row := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT name, description, prompt, capabilities, model, config, status, created_at, updated_at
		 FROM blueprints WHERE agency_id = ? AND name = ?`), agency, name)
	bp, err := scanBlueprint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blueprint %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint: %w", err)
	}
	return bp, nil
}

func (s *AgencyStore) ListBlueprints(ctx context.Context, agency string) ([]Blueprint, error) {
	rows, err := s.db.sql.QueryContext(ctx, s.db.rebind(
		`SELECT name, description, prompt, capabilities, model, config, status, created_at, updated_at
		 FROM blueprints WHERE agency_id = ? ORDER BY name`), agency)
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	defer rows.Close()

	var out []Blueprint
	for rows.Next() {
		bp, err := scanBlueprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *bp)
	}
	return out, rows.Err()
}

func (s *AgencyStore) DeleteBlueprint(ctx context.Context, agency, name string) error {
	res, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`DELETE FROM blueprints WHERE agency_id = ? AND name = ?`), agency, name)
	if err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("blueprint %q: %w", name, ErrNotFound)
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanBlueprint(r rowScanner) (*Blueprint, error) {
	var bp Blueprint
	var caps string
	var config sql.NullString
	if err := r.Scan(&bp.Name, &bp.Description, &bp.Prompt, &caps, &bp.Model,
		&config, &bp.Status, &bp.CreatedAt, &bp.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(caps), &bp.Capabilities)
	if config.Valid && config.String != "" {
		bp.Config = json.RawMessage(config.String)
	}
	return &bp, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// --- vars ---

func (s *AgencyStore) SetVar(ctx context.Context, agency, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode var %q: %w", key, err)
	}
	_, err = s.db.sql.ExecContext(ctx, s.db.rebind(
		`INSERT INTO agency_vars (agency_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (agency_id, key) DO UPDATE SET value = excluded.value`),
		agency, key, string(data))
	if err != nil {
		return fmt.Errorf("set var: %w", err)
	}
	return nil
}

func (s *AgencyStore) GetVar(ctx context.Context, agency, key string) (any, error) {
	var raw string
	err := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT value FROM agency_vars WHERE agency_id = ? AND key = ?`),
		agency, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("var %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get var: %w", err)
	}
	var v any
	_ = json.Unmarshal([]byte(raw), &v)
	return v, nil
}

func (s *AgencyStore) DeleteVar(ctx context.Context, agency, key string) error {
	res, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`DELETE FROM agency_vars WHERE agency_id = ? AND key = ?`), agency, key)
	if err != nil {
		return fmt.Errorf("delete var: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("var %q: %w", key, ErrNotFound)
	}
	return nil
}

func (s *AgencyStore) ListVars(ctx context.Context, agency string) (map[string]any, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		s.db.rebind(`SELECT key, value FROM agency_vars WHERE agency_id = ?`), agency)
	if err != nil {
		return nil, fmt.Errorf("list vars: %w", err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var v any
		_ = json.Unmarshal([]byte(raw), &v)
		out[key] = v
	}
	return out, rows.Err()
}

// --- agents ---

// InsertAgent persists a freshly registered handle. Idempotent under the
// same id: an existing row is left untouched.
func (s *AgencyStore) InsertAgent(ctx context.Context, a *AgentRow) error {
	blueprint, _ := json.Marshal(a.Blueprint)
	vars, _ := json.Marshal(orEmptyVars(a.Vars))
	pending, _ := json.Marshal(orEmptyCalls(a.Pending))
	parentID, parentToken := "", ""
	if a.Parent != nil {
		parentID, parentToken = a.Parent.ThreadID, a.Parent.Token
	}
	_, err := s.db.sql.ExecContext(ctx, s.db.rebind(
		`INSERT INTO agents (id, agency_id, agent_type, parent_id, parent_token, blueprint, vars, pending_tool_calls, status, step, reason, next_alarm_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		a.ID, a.AgencyID, a.AgentType, parentID, parentToken, string(blueprint),
		string(vars), string(pending), a.Run.Status, a.Run.Step, a.Run.Reason,
		a.Run.NextAlarmAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *AgencyStore) GetAgent(ctx context.Context, id string) (*AgentRow, error) {
	row := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT id, agency_id, agent_type, parent_id, parent_token, blueprint, vars, pending_tool_calls, status, step, reason, next_alarm_at, created_at
		 FROM agents WHERE id = ?`), id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *AgencyStore) ListAgents(ctx context.Context, agency string) ([]AgentRow, error) {
	rows, err := s.db.sql.QueryContext(ctx, s.db.rebind(
		`SELECT id, agency_id, agent_type, parent_id, parent_token, blueprint, vars, pending_tool_calls, status, step, reason, next_alarm_at, created_at
		 FROM agents WHERE agency_id = ? ORDER BY created_at`), agency)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAgent(r rowScanner) (*AgentRow, error) {
	var a AgentRow
	var parentID, parentToken, blueprint, vars, pending string
	if err := r.Scan(&a.ID, &a.AgencyID, &a.AgentType, &parentID, &parentToken,
		&blueprint, &vars, &pending, &a.Run.Status, &a.Run.Step, &a.Run.Reason,
		&a.Run.NextAlarmAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	if parentID != "" {
		a.Parent = &ParentRef{ThreadID: parentID, Token: parentToken}
	}
	_ = json.Unmarshal([]byte(blueprint), &a.Blueprint)
	_ = json.Unmarshal([]byte(vars), &a.Vars)
	_ = json.Unmarshal([]byte(pending), &a.Pending)
	return &a, nil
}

// UpdateRunState persists the state machine snapshot and pending queue.
func (s *AgencyStore) UpdateRunState(ctx context.Context, id string, run RunState, pending []providers.ToolCall) error {
	data, _ := json.Marshal(orEmptyCalls(pending))
	_, err := s.db.sql.ExecContext(ctx, s.db.rebind(
		`UPDATE agents SET status = ?, step = ?, reason = ?, next_alarm_at = ?, pending_tool_calls = ? WHERE id = ?`),
		run.Status, run.Step, run.Reason, run.NextAlarmAt, string(data), id)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return nil
}

// UpdateAgentVars persists the agent's private var map.
func (s *AgencyStore) UpdateAgentVars(ctx context.Context, id string, vars map[string]any) error {
	data, _ := json.Marshal(orEmptyVars(vars))
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`UPDATE agents SET vars = ? WHERE id = ?`), string(data), id)
	if err != nil {
		return fmt.Errorf("update agent vars: %w", err)
	}
	return nil
}

// DeleteAgent removes the agent row plus its logs, links, and waits.
func (s *AgencyStore) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteAgentRows(ctx, tx, s.db, id); err != nil {
		return err
	}
	return tx.Commit()
}

func listAgentIDs(ctx context.Context, tx *sql.Tx, db *DB, agency string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, db.rebind(`SELECT id FROM agents WHERE agency_id = ?`), agency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func deleteAgentRows(ctx context.Context, tx *sql.Tx, db *DB, id string) error {
	for _, q := range []string{
		`DELETE FROM messages WHERE agent_id = ?`,
		`DELETE FROM events WHERE agent_id = ?`,
		`DELETE FROM subagent_links WHERE parent_id = ?`,
		`DELETE FROM subagent_waits WHERE parent_id = ?`,
		`DELETE FROM agents WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, db.rebind(q), id); err != nil {
			return fmt.Errorf("delete agent rows: %w", err)
		}
	}
	return nil
}

// --- schedules ---

func (s *AgencyStore) CreateSchedule(ctx context.Context, agency string, sc *Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.ID == "" {
		sc.ID = uuid.Must(uuid.NewV7()).String()
	}
	if sc.Status == "" {
		sc.Status = ScheduleActive
	}
	if sc.OverlapPolicy == "" {
		sc.OverlapPolicy = OverlapSkip
	}
	now := nowMs()
	sc.AgencyID = agency
	sc.CreatedAt, sc.UpdatedAt = now, now

	_, err := s.db.sql.ExecContext(ctx, s.db.rebind(
		`INSERT INTO schedules (id, agency_id, name, agent_type, input, type, run_at, cron, interval_ms, status, overlap_policy, max_retries, timeout_ms, timezone, created_at, updated_at, last_run_at, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sc.ID, agency, sc.Name, sc.AgentType, nullableJSON(sc.Input), sc.Type,
		sc.RunAt, sc.Cron, sc.IntervalMs, sc.Status, sc.OverlapPolicy,
		sc.MaxRetries, sc.TimeoutMs, sc.Timezone, now, now, sc.LastRunAt, sc.NextRunAt)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *AgencyStore) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	sc.UpdatedAt = nowMs()
	res, err := s.db.sql.ExecContext(ctx, s.db.rebind(
		`UPDATE schedules SET name = ?, agent_type = ?, input = ?, type = ?, run_at = ?, cron = ?, interval_ms = ?, status = ?, overlap_policy = ?, max_retries = ?, timeout_ms = ?, timezone = ?, updated_at = ?, last_run_at = ?, next_run_at = ?
		 WHERE id = ?`),
		sc.Name, sc.AgentType, nullableJSON(sc.Input), sc.Type, sc.RunAt, sc.Cron,
		sc.IntervalMs, sc.Status, sc.OverlapPolicy, sc.MaxRetries, sc.TimeoutMs,
		sc.Timezone, sc.UpdatedAt, sc.LastRunAt, sc.NextRunAt, sc.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %q: %w", sc.ID, ErrNotFound)
	}
	return nil
}

func (s *AgencyStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT id, agency_id, name, agent_type, input, type, run_at, cron, interval_ms, status, overlap_policy, max_retries, timeout_ms, timezone, created_at, updated_at, last_run_at, next_run_at
		 FROM schedules WHERE id = ?`), id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *AgencyStore) ListSchedules(ctx context.Context, agency string) ([]Schedule, error) {
	rows, err := s.db.sql.QueryContext(ctx, s.db.rebind(
		`SELECT id, agency_id, name, agent_type, input, type, run_at, cron, interval_ms, status, overlap_policy, max_retries, timeout_ms, timezone, created_at, updated_at, last_run_at, next_run_at
		 FROM schedules WHERE agency_id = ? ORDER BY created_at`), agency)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *AgencyStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.db.rebind(`DELETE FROM schedule_runs WHERE schedule_id = ?`), id); err != nil {
		return fmt.Errorf("delete schedule runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.db.rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %q: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func scanSchedule(r rowScanner) (*Schedule, error) {
	var sc Schedule
	var input sql.NullString
	if err := r.Scan(&sc.ID, &sc.AgencyID, &sc.Name, &sc.AgentType, &input,
		&sc.Type, &sc.RunAt, &sc.Cron, &sc.IntervalMs, &sc.Status,
		&sc.OverlapPolicy, &sc.MaxRetries, &sc.TimeoutMs, &sc.Timezone,
		&sc.CreatedAt, &sc.UpdatedAt, &sc.LastRunAt, &sc.NextRunAt); err != nil {
		return nil, err
	}
	if input.Valid && input.String != "" {
		sc.Input = json.RawMessage(input.String)
	}
	return &sc, nil
}

// --- schedule runs ---

func (s *AgencyStore) InsertScheduleRun(ctx context.Context, run *ScheduleRun) error {
	if run.ID == "" {
		run.ID = uuid.Must(uuid.NewV7()).String()
	}
	_, err := s.db.sql.ExecContext(ctx, s.db.rebind(
		`INSERT INTO schedule_runs (id, schedule_id, agent_id, status, scheduled_at, started_at, completed_at, error, result, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.ScheduleID, run.AgentID, run.Status, run.ScheduledAt,
		run.StartedAt, run.CompletedAt, run.Error, run.Result, run.RetryCount)
	if err != nil {
		return fmt.Errorf("insert schedule run: %w", err)
	}
	return nil
}

func (s *AgencyStore) UpdateScheduleRun(ctx context.Context, run *ScheduleRun) error {
	_, err := s.db.sql.ExecContext(ctx, s.db.rebind(
		`UPDATE schedule_runs SET agent_id = ?, status = ?, started_at = ?, completed_at = ?, error = ?, result = ?, retry_count = ? WHERE id = ?`),
		run.AgentID, run.Status, run.StartedAt, run.CompletedAt, run.Error,
		run.Result, run.RetryCount, run.ID)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *AgencyStore) ListScheduleRuns(ctx context.Context, scheduleID string) ([]ScheduleRun, error) {
	rows, err := s.db.sql.QueryContext(ctx, s.db.rebind(
		`SELECT id, schedule_id, agent_id, status, scheduled_at, started_at, completed_at, error, result, retry_count
		 FROM schedule_runs WHERE schedule_id = ? ORDER BY scheduled_at`), scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list schedule runs: %w", err)
	}
	defer rows.Close()

	var out []ScheduleRun
	for rows.Next() {
		var run ScheduleRun
		if err := rows.Scan(&run.ID, &run.ScheduleID, &run.AgentID, &run.Status,
			&run.ScheduledAt, &run.StartedAt, &run.CompletedAt, &run.Error,
			&run.Result, &run.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// CountActiveRuns returns the number of pending/running rows for a schedule.
func (s *AgencyStore) CountActiveRuns(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT COUNT(*) FROM schedule_runs WHERE schedule_id = ? AND status IN ('pending', 'running')`),
		scheduleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}

func orEmptyVars(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyCalls(c []providers.ToolCall) []providers.ToolCall {
	if c == nil {
		return []providers.ToolCall{}
	}
	return c
}
