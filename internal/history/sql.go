package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stewards/internal/ports"
)

// SQLStore persists execution history through sqlx, supporting either the
// sqlite3 or pgx drivers depending on how db was opened.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an already-open sqlx.DB. Callers are responsible for
// calling Migrate before first use.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const createTableStmt = `
CREATE TABLE IF NOT EXISTS execution_entries (
	execution_id TEXT PRIMARY KEY,
	steward_id TEXT NOT NULL,
	steward_name TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	trigger_schedule TEXT,
	trigger_event TEXT,
	trigger_condition TEXT,
	manual BOOLEAN NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	success BOOLEAN,
	output TEXT,
	error TEXT,
	items_processed INTEGER,
	duration_ms BIGINT,
	event_context TEXT
)`

// Migrate creates the execution_entries table if it does not already exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createTableStmt)
	return err
}

// row is the flat, sqlx-scannable representation of ports.ExecutionEntry.
type row struct {
	ExecutionID      string         `db:"execution_id"`
	StewardID        string         `db:"steward_id"`
	StewardName      string         `db:"steward_name"`
	TriggerKind      string         `db:"trigger_kind"`
	TriggerSchedule  string         `db:"trigger_schedule"`
	TriggerEvent     string         `db:"trigger_event"`
	TriggerCondition string         `db:"trigger_condition"`
	Manual           bool           `db:"manual"`
	StartedAt        time.Time      `db:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
	Success          *bool          `db:"success"`
	Output           string         `db:"output"`
	Error            string         `db:"error"`
	ItemsProcessed   int            `db:"items_processed"`
	DurationMs       int64          `db:"duration_ms"`
	EventContext     string         `db:"event_context"`
}

func toRow(e ports.ExecutionEntry) (row, error) {
	ctxJSON := ""
	if len(e.EventContext) > 0 {
		b, err := json.Marshal(e.EventContext)
		if err != nil {
			return row{}, err
		}
		ctxJSON = string(b)
	}
	r := row{
		ExecutionID:      e.ExecutionID,
		StewardID:        e.StewardID,
		StewardName:      e.StewardName,
		TriggerKind:      string(e.Trigger.Kind),
		TriggerSchedule:  e.Trigger.Schedule,
		TriggerEvent:     e.Trigger.Event,
		TriggerCondition: e.Trigger.Condition,
		Manual:           e.Manual,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
		EventContext:     ctxJSON,
	}
	if e.Result != nil {
		success := e.Result.Success
		r.Success = &success
		r.Output = e.Result.Output
		r.Error = e.Result.Error
		r.ItemsProcessed = e.Result.ItemsProcessed
		r.DurationMs = e.Result.DurationMs
	}
	return r, nil
}

func (r row) toEntry() (ports.ExecutionEntry, error) {
	e := ports.ExecutionEntry{
		ExecutionID: r.ExecutionID,
		StewardID:   r.StewardID,
		StewardName: r.StewardName,
		Trigger: ports.Trigger{
			Kind:      ports.TriggerKind(r.TriggerKind),
			Schedule:  r.TriggerSchedule,
			Event:     r.TriggerEvent,
			Condition: r.TriggerCondition,
		},
		Manual:      r.Manual,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.EventContext != "" {
		if err := json.Unmarshal([]byte(r.EventContext), &e.EventContext); err != nil {
			return ports.ExecutionEntry{}, err
		}
	}
	if r.Success != nil {
		e.Result = &ports.ExecutionResult{
			Success:        *r.Success,
			Output:         r.Output,
			Error:          r.Error,
			ItemsProcessed: r.ItemsProcessed,
			DurationMs:     r.DurationMs,
		}
	}
	return e, nil
}

func (s *SQLStore) Append(ctx context.Context, entry ports.ExecutionEntry) error {
	r, err := toRow(entry)
	if err != nil {
		return fmt.Errorf("encoding execution entry: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO execution_entries
			(execution_id, steward_id, steward_name, trigger_kind, trigger_schedule,
			 trigger_event, trigger_condition, manual, started_at, completed_at,
			 success, output, error, items_processed, duration_ms, event_context)
		VALUES
			(:execution_id, :steward_id, :steward_name, :trigger_kind, :trigger_schedule,
			 :trigger_event, :trigger_condition, :manual, :started_at, :completed_at,
			 :success, :output, :error, :items_processed, :duration_ms, :event_context)
		ON CONFLICT (execution_id) DO UPDATE SET
			completed_at = excluded.completed_at, success = excluded.success,
			output = excluded.output, error = excluded.error,
			items_processed = excluded.items_processed, duration_ms = excluded.duration_ms
	`, r)
	if err != nil {
		return fmt.Errorf("appending execution entry: %w", err)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, filter ports.HistoryFilter) ([]ports.ExecutionEntry, error) {
	query := `SELECT * FROM execution_entries WHERE 1=1`
	var args []any
	argN := 0
	next := func() string { argN++; return fmt.Sprintf("$%d", argN) }

	if filter.StewardID != "" {
		query += " AND steward_id = " + next()
		args = append(args, filter.StewardID)
	}
	if filter.TriggerKind != "" {
		query += " AND trigger_kind = " + next()
		args = append(args, string(filter.TriggerKind))
	}
	if filter.Success != nil {
		query += " AND success = " + next()
		args = append(args, *filter.Success)
	}
	if filter.StartedAfter != nil {
		query += " AND started_at > " + next()
		args = append(args, *filter.StartedAfter)
	}
	if filter.StartedBefore != nil {
		query += " AND started_at < " + next()
		args = append(args, *filter.StartedBefore)
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + next()
		args = append(args, filter.Limit)
	}
	query = s.db.Rebind(query)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying execution entries: %w", err)
	}

	out := make([]ports.ExecutionEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, fmt.Errorf("decoding execution entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLStore) Prune(ctx context.Context, stewardID string, max int) error {
	if max <= 0 {
		return nil
	}
	query := s.db.Rebind(`
		DELETE FROM execution_entries
		WHERE steward_id = $1 AND execution_id NOT IN (
			SELECT execution_id FROM execution_entries WHERE steward_id = $1
			ORDER BY started_at DESC LIMIT $2
		)
	`)
	_, err := s.db.ExecContext(ctx, query, stewardID, max)
	if err != nil {
		return fmt.Errorf("pruning execution entries: %w", err)
	}
	return nil
}

var _ ports.HistoryStore = (*SQLStore)(nil)
