package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskrisk/internal/risk"
)

// SaveRecord appends rec to the task's risk history and returns its id.
// Records are never updated once written.
func (s *Store) SaveRecord(ctx context.Context, rec *risk.Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("save record: nil record")
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	stored := *rec
	stored.ID = id
	payload, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO risk_records (id, task_id, run_id, score, level, record_json, generated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, rec.TaskID, rec.RunID, rec.Score, string(rec.Level), string(payload), rec.GeneratedAt.UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert risk record: %w", err)
	}
	return id, nil
}

// LatestRecord returns the newest stored record for the task, or nil when
// none exists.
func (s *Store) LatestRecord(ctx context.Context, taskID string) (*risk.Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT record_json FROM risk_records
		WHERE task_id = ?
		ORDER BY generated_at DESC, created_at DESC
		LIMIT 1;
	`, taskID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest risk record: %w", err)
	}
	return decodeRecord(payload)
}

// RecordHistory returns the task's records generated at or after since,
// oldest first. A zero since returns everything.
func (s *Store) RecordHistory(ctx context.Context, taskID string, since time.Time) ([]*risk.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_json FROM risk_records
		WHERE task_id = ? AND generated_at >= ?
		ORDER BY generated_at ASC, created_at ASC;
	`, taskID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query risk history: %w", err)
	}
	defer rows.Close()

	var out []*risk.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan risk record: %w", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk history rows: %w", err)
	}
	return out, nil
}

func decodeRecord(payload string) (*risk.Record, error) {
	var rec risk.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode risk record: %w", err)
	}
	return &rec, nil
}

// UpdateTaskRiskSummary writes the latest score and level onto the task row.
func (s *Store) UpdateTaskRiskSummary(ctx context.Context, taskID string, score float64, level risk.Level, at time.Time) error {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET risk_score = ?, risk_level = ?, risk_updated_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, score, string(level), at.UTC(), taskID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update task risk summary: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, risk.ErrNotFound)
	}
	return nil
}

// DueForRefresh lists open tasks whose stored score is missing or older than
// the urgency TTL for their deadline. Tasks without a deadline use the
// longest TTL.
func (s *Store) DueForRefresh(ctx context.Context, now time.Time) ([]string, error) {
	tasks, err := s.ListTasks(ctx, true)
	if err != nil {
		return nil, err
	}
	var due []string
	for _, t := range tasks {
		if t.RiskUpdatedAt == nil {
			due = append(due, t.ID)
			continue
		}
		hoursLeft := 1e9
		if t.Deadline != nil {
			hoursLeft = t.Deadline.Sub(now).Hours()
		}
		if now.Sub(*t.RiskUpdatedAt) >= risk.UrgencyTTL(hoursLeft) {
			due = append(due, t.ID)
		}
	}
	return due, nil
}

// AuditEntry is one row of the scoring audit trail.
type AuditEntry struct {
	TraceID     string                     `json:"trace_id,omitempty"`
	TaskID      string                     `json:"task_id"`
	RunID       string                     `json:"run_id"`
	Score       float64                    `json:"score"`
	Level       risk.Level                 `json:"level"`
	Stored      bool                       `json:"stored"`
	Provenances map[string]risk.Provenance `json:"provenances"`
	CreatedAt   time.Time                  `json:"created_at"`
}

// InsertAudit appends an entry to audit_log.
func (s *Store) InsertAudit(ctx context.Context, e AuditEntry) error {
	prov, err := json.Marshal(e.Provenances)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, task_id, run_id, score, level, stored, provenance_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, e.TraceID, e.TaskID, e.RunID, e.Score, string(e.Level), boolToInt(e.Stored), string(prov), created.UTC())
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit entries for a task, newest first.
func (s *Store) ListAudit(ctx context.Context, taskID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(trace_id, ''), task_id, COALESCE(run_id, ''), COALESCE(score, 0),
			COALESCE(level, ''), stored, provenance_json, created_at
		FROM audit_log
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e      AuditEntry
			level  string
			stored int
			prov   string
		)
		if err := rows.Scan(&e.TraceID, &e.TaskID, &e.RunID, &e.Score, &level, &stored, &prov, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Level = risk.Level(level)
		e.Stored = stored != 0
		if err := json.Unmarshal([]byte(prov), &e.Provenances); err != nil {
			return nil, fmt.Errorf("decode provenance: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
