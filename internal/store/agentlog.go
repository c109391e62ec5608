package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// AgentLog is the durable append-only view of one agent: its conversation
// messages, trace events, subagent links, and the waiting-token index.
// Reads of the message log are cached; every write invalidates the cache.
type AgentLog struct {
	db      *DB
	agentID string

	mu     sync.Mutex
	cached []Message // nil = not loaded
}

func NewAgentLog(db *DB, agentID string) *AgentLog {
	return &AgentLog{db: db, agentID: agentID}
}

func (l *AgentLog) invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}

// --- messages ---

// AppendMessages atomically assigns consecutive seq numbers and writes the
// batch in order. Messages are never updated or deleted afterwards.
func (l *AgentLog) AppendMessages(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		l.db.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE agent_id = ?`),
		l.agentID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}

	now := nowMs()
	for i := range msgs {
		m := &msgs[i]
		m.Seq = next
		next++
		if m.CreatedAt == 0 {
			m.CreatedAt = now
		}
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			data, _ := json.Marshal(m.ToolCalls)
			toolCalls = string(data)
		}
		_, err := tx.ExecContext(ctx, l.db.rebind(
			`INSERT INTO messages (agent_id, seq, role, content, tool_calls, tool_call_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			l.agentID, m.Seq, m.Role, m.Content, toolCalls, m.ToolCallID, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.invalidate()
	return nil
}

// ListMessages returns the full conversation in seq order.
func (l *AgentLog) ListMessages(ctx context.Context) ([]Message, error) {
	l.mu.Lock()
	if l.cached != nil {
		out := make([]Message, len(l.cached))
		copy(out, l.cached)
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()

	rows, err := l.db.sql.QueryContext(ctx, l.db.rebind(
		`SELECT seq, role, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE agent_id = ? ORDER BY seq`), l.agentID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var toolCalls sql.NullString
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &toolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if toolCalls.Valid && toolCalls.String != "" {
			_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cached = msgs
	l.mu.Unlock()
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// LastAssistant returns the most recent assistant message, or nil if none.
func (l *AgentLog) LastAssistant(ctx context.Context) (*Message, error) {
	msgs, err := l.ListMessages(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			m := msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}

// --- events ---

// AddEvent appends one trace event and returns its assigned seq.
func (l *AgentLog) AddEvent(ctx context.Context, typ string, data map[string]any) (int64, error) {
	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		l.db.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE agent_id = ?`),
		l.agentID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}

	var payload any
	if len(data) > 0 {
		raw, _ := json.Marshal(data)
		payload = string(raw)
	}
	_, err = tx.ExecContext(ctx, l.db.rebind(
		`INSERT INTO events (agent_id, seq, type, ts, data) VALUES (?, ?, ?, ?, ?)`),
		l.agentID, seq, typ, nowMs(), payload)
	if err != nil {
		return 0, fmt.Errorf("add event: %w", err)
	}
	return seq, tx.Commit()
}

// ListEvents returns events with seq > after, in order. after = 0 lists all.
func (l *AgentLog) ListEvents(ctx context.Context, after int64) ([]Event, error) {
	rows, err := l.db.sql.QueryContext(ctx, l.db.rebind(
		`SELECT seq, type, ts, data FROM events WHERE agent_id = ? AND seq > ? ORDER BY seq`),
		l.agentID, after)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var data sql.NullString
		if err := rows.Scan(&e.Seq, &e.Type, &e.TS, &data); err != nil {
			return nil, err
		}
		e.ThreadID = l.agentID
		if data.Valid && data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- subagent links and waits ---

// RecordSpawn writes the parent-side link and the wait-table slot for a
// newly spawned child, in one transaction.
func (l *AgentLog) RecordSpawn(ctx context.Context, childID, token, toolCallID string) error {
	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := nowMs()
	_, err = tx.ExecContext(ctx, l.db.rebind(
		`INSERT INTO subagent_links (parent_id, child_id, token, status, tool_call_id, created_at)
		 VALUES (?, ?, ?, 'waiting', ?, ?)`),
		l.agentID, childID, token, toolCallID, now)
	if err != nil {
		return fmt.Errorf("record spawn link: %w", err)
	}
	_, err = tx.ExecContext(ctx, l.db.rebind(
		`INSERT INTO subagent_waits (token, parent_id, child_id, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		token, l.agentID, childID, toolCallID, now)
	if err != nil {
		return fmt.Errorf("record spawn wait: %w", err)
	}
	return tx.Commit()
}

// PopWait consumes the wait slot for token, verifying it belongs to childID,
// and returns the tool call id the child's report answers. A second pop of
// the same token returns ErrNotFound.
func (l *AgentLog) PopWait(ctx context.Context, token, childID string) (string, error) {
	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var gotChild, toolCallID string
	err = tx.QueryRowContext(ctx, l.db.rebind(
		`SELECT child_id, tool_call_id FROM subagent_waits WHERE token = ? AND parent_id = ?`),
		token, l.agentID).Scan(&gotChild, &toolCallID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("wait token %q: %w", token, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("pop wait: %w", err)
	}
	if gotChild != childID {
		return "", fmt.Errorf("wait token %q does not belong to child %q: %w", token, childID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		l.db.rebind(`DELETE FROM subagent_waits WHERE token = ?`), token); err != nil {
		return "", fmt.Errorf("pop wait: %w", err)
	}
	return toolCallID, tx.Commit()
}

// MarkCompleted closes the child's link with its report text.
func (l *AgentLog) MarkCompleted(ctx context.Context, childID, report string) error {
	return l.closeLink(ctx, childID, LinkCompleted, report)
}

// MarkCanceled closes the child's link without a report.
func (l *AgentLog) MarkCanceled(ctx context.Context, childID string) error {
	return l.closeLink(ctx, childID, LinkCanceled, "")
}

func (l *AgentLog) closeLink(ctx context.Context, childID, status, report string) error {
	res, err := l.db.sql.ExecContext(ctx, l.db.rebind(
		`UPDATE subagent_links SET status = ?, report = ?, completed_at = ?
		 WHERE parent_id = ? AND child_id = ?`),
		status, report, nowMs(), l.agentID, childID)
	if err != nil {
		return fmt.Errorf("close link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link to child %q: %w", childID, ErrNotFound)
	}
	return nil
}

// ListLinks returns every subagent link this agent has spawned, oldest first.
func (l *AgentLog) ListLinks(ctx context.Context) ([]SubagentLink, error) {
	rows, err := l.db.sql.QueryContext(ctx, l.db.rebind(
		`SELECT child_id, token, status, report, tool_call_id, created_at, completed_at
		 FROM subagent_links WHERE parent_id = ? ORDER BY created_at`), l.agentID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []SubagentLink
	for rows.Next() {
		var sl SubagentLink
		if err := rows.Scan(&sl.ChildThreadID, &sl.Token, &sl.Status, &sl.Report,
			&sl.ToolCallID, &sl.CreatedAt, &sl.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// ListWaits returns the outstanding wait slots, oldest first.
func (l *AgentLog) ListWaits(ctx context.Context) ([]Wait, error) {
	rows, err := l.db.sql.QueryContext(ctx, l.db.rebind(
		`SELECT token, child_id, tool_call_id, created_at
		 FROM subagent_waits WHERE parent_id = ? ORDER BY created_at`), l.agentID)
	if err != nil {
		return nil, fmt.Errorf("list waits: %w", err)
	}
	defer rows.Close()

	var out []Wait
	for rows.Next() {
		var w Wait
		if err := rows.Scan(&w.Token, &w.ChildID, &w.ToolCallID, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AppendToolResult is the common shape of a tool message appended after
// execution: role tool, content bound to the originating call id.
func (l *AgentLog) AppendToolResult(ctx context.Context, toolCallID, content string) error {
	return l.AppendMessages(ctx, Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: toolCallID,
	})
}
