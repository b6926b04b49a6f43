package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskrisk/internal/risk"
)

// User is a person tasks can be assigned to.
type User struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	JobTitle   string   `json:"job_title"`
	Department string   `json:"department,omitempty"`
	Skills     []string `json:"skills,omitempty"`
}

// Project groups tasks and project-wide comments.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Task is a task row as stored, including the denormalised risk summary
// written after each stored assessment.
type Task struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	AllocatedHours float64    `json:"allocated_hours"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	AssigneeID     string     `json:"assignee_id,omitempty"`
	WeatherImpact  float64    `json:"weather_impact"`
	RiskScore      *float64   `json:"risk_score,omitempty"`
	RiskLevel      string     `json:"risk_level,omitempty"`
	RiskUpdatedAt  *time.Time `json:"risk_updated_at,omitempty"`
}

// Comment is a task-scoped comment when TaskID is set, project-scoped otherwise.
type Comment struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	TaskID     string    `json:"task_id,omitempty"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) UpsertUser(ctx context.Context, u User) error {
	return upsertUser(ctx, s.db, u)
}

func upsertUser(ctx context.Context, db execer, u User) error {
	if strings.TrimSpace(u.ID) == "" || strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("upsert user: id and name are required")
	}
	skills, err := json.Marshal(nonNilStrings(u.Skills))
	if err != nil {
		return fmt.Errorf("encode skills: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO users (id, name, job_title, department, skills_json, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			job_title=excluded.job_title,
			department=excluded.department,
			skills_json=excluded.skills_json,
			updated_at=CURRENT_TIMESTAMP;
	`, u.ID, u.Name, u.JobTitle, u.Department, string(skills))
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *Store) UpsertProject(ctx context.Context, p Project) error {
	return upsertProject(ctx, s.db, p)
}

func upsertProject(ctx context.Context, db execer, p Project) error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("upsert project: id and name are required")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			description=excluded.description,
			updated_at=CURRENT_TIMESTAMP;
	`, p.ID, p.Name, p.Description)
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ID, err)
	}
	return nil
}

// UpsertTask inserts or updates a task. The risk summary columns are left
// untouched.
func (s *Store) UpsertTask(ctx context.Context, t Task) error {
	return upsertTask(ctx, s.db, t)
}

func upsertTask(ctx context.Context, db execer, t Task) error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.ProjectID) == "" || strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("upsert task: id, project_id and name are required")
	}
	if t.Status == "" {
		t.Status = "todo"
	}
	assignee := sql.NullString{String: t.AssigneeID, Valid: t.AssigneeID != ""}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, project_id, name, description, status, progress, allocated_hours,
			start_at, deadline, assignee_id, weather_impact, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id,
			name=excluded.name,
			description=excluded.description,
			status=excluded.status,
			progress=excluded.progress,
			allocated_hours=excluded.allocated_hours,
			start_at=excluded.start_at,
			deadline=excluded.deadline,
			assignee_id=excluded.assignee_id,
			weather_impact=excluded.weather_impact,
			updated_at=CURRENT_TIMESTAMP;
	`, t.ID, t.ProjectID, t.Name, t.Description, t.Status, t.Progress, t.AllocatedHours,
		nullTime(t.StartAt), nullTime(t.Deadline), assignee, t.WeatherImpact)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// AddDependency records that taskID cannot finish before dependsOnID.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	return addDependency(ctx, s.db, taskID, dependsOnID)
}

func addDependency(ctx context.Context, db execer, taskID, dependsOnID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		ON CONFLICT(task_id, depends_on_id) DO NOTHING;
	`, taskID, dependsOnID)
	if err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", taskID, dependsOnID, err)
	}
	return nil
}

func (s *Store) AddComment(ctx context.Context, c Comment) error {
	return addComment(ctx, s.db, c)
}

func addComment(ctx context.Context, db execer, c Comment) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.ProjectID) == "" || strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("add comment: id, project_id and body are required")
	}
	taskID := sql.NullString{String: c.TaskID, Valid: c.TaskID != ""}
	authorID := sql.NullString{String: c.AuthorID, Valid: c.AuthorID != ""}
	_, err := db.ExecContext(ctx, `
		INSERT INTO comments (id, project_id, task_id, author_id, author_name, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body=excluded.body;
	`, c.ID, c.ProjectID, taskID, authorID, c.AuthorName, c.Body, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("add comment %s: %w", c.ID, err)
	}
	return nil
}

const taskColumns = `
	t.id, t.project_id, t.name, t.description, t.status, t.progress, t.allocated_hours,
	t.start_at, t.deadline, COALESCE(t.assignee_id, ''), t.weather_impact,
	t.risk_score, COALESCE(t.risk_level, ''), t.risk_updated_at`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var (
		startAt, deadline, riskUpdated sql.NullTime
		riskScore                      sql.NullFloat64
	)
	if err := scanFn(
		&t.ID, &t.ProjectID, &t.Name, &t.Description, &t.Status, &t.Progress, &t.AllocatedHours,
		&startAt, &deadline, &t.AssigneeID, &t.WeatherImpact,
		&riskScore, &t.RiskLevel, &riskUpdated,
	); err != nil {
		return err
	}
	t.StartAt = timePtr(startAt)
	t.Deadline = timePtr(deadline)
	t.RiskUpdatedAt = timePtr(riskUpdated)
	if riskScore.Valid {
		v := riskScore.Float64
		t.RiskScore = &v
	}
	return nil
}

// GetTask returns the stored task or an error matching risk.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?;`, taskID)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, risk.ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns tasks ordered by project then creation. openOnly drops
// tasks in a closed status.
func (s *Store) ListTasks(ctx context.Context, openOnly bool) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t`
	args := []any{}
	if openOnly {
		query += ` WHERE LOWER(t.status) NOT IN (` + placeholders(len(risk.ClosedStatuses)) + `)`
		for _, st := range risk.ClosedStatuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY t.project_id, t.created_at, t.id;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

// LoadSnapshot assembles the read-only view the risk engine scores:
// the task, its assignee with their other open work, upstream dependency
// ids, the rest of the project and the newest comments up to now.
func (s *Store) LoadSnapshot(ctx context.Context, taskID string, now time.Time) (*risk.TaskSnapshot, error) {
	var (
		t           Task
		projectName string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`, p.name
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE t.id = ?;
	`, taskID)
	err := scanTask(func(dest ...any) error {
		return row.Scan(append(dest, &projectName)...)
	}, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, risk.ErrNotFound)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}

	snap := &risk.TaskSnapshot{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		ProjectName:    projectName,
		Name:           t.Name,
		Description:    t.Description,
		Status:         t.Status,
		Progress:       t.Progress,
		AllocatedHours: t.AllocatedHours,
		StartAt:        t.StartAt,
		Deadline:       t.Deadline,
		WeatherImpact:  t.WeatherImpact,
	}
	if t.AssigneeID != "" {
		if snap.Assignee, err = s.loadAssignee(ctx, t.AssigneeID, t.ID); err != nil {
			return nil, err
		}
	}
	if snap.DependencyIDs, err = s.dependencyIDs(ctx, t.ID); err != nil {
		return nil, err
	}
	if snap.Siblings, err = s.siblings(ctx, t.ProjectID, t.ID); err != nil {
		return nil, err
	}
	if snap.Comments, err = s.recentComments(ctx, t.ProjectID, t.ID, now, risk.MaxComments); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) loadAssignee(ctx context.Context, userID, excludeTaskID string) (*risk.Assignee, error) {
	var (
		a      risk.Assignee
		skills string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, job_title, department, skills_json FROM users WHERE id = ?;
	`, userID).Scan(&a.ID, &a.Name, &a.JobTitle, &a.Department, &skills)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load assignee: %w", err)
	}
	if err := json.Unmarshal([]byte(skills), &a.Skills); err != nil {
		return nil, fmt.Errorf("decode assignee skills: %w", err)
	}

	args := []any{userID, excludeTaskID}
	for _, st := range risk.ClosedStatuses {
		args = append(args, st)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE assignee_id = ? AND id != ? AND LOWER(status) NOT IN (`+placeholders(len(risk.ClosedStatuses))+`);
	`, args...).Scan(&a.ActiveTasks); err != nil {
		return nil, fmt.Errorf("count assignee tasks: %w", err)
	}
	return &a, nil
}

func (s *Store) dependencyIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) siblings(ctx context.Context, projectID, taskID string) ([]risk.Sibling, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.description, t.status, t.progress,
			EXISTS (
				SELECT 1 FROM task_dependencies d
				WHERE d.task_id = t.id AND d.depends_on_id = ?
			)
		FROM tasks t
		WHERE t.project_id = ? AND t.id != ?
		ORDER BY t.created_at, t.id;
	`, taskID, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("query siblings: %w", err)
	}
	defer rows.Close()

	var out []risk.Sibling
	for rows.Next() {
		var sib risk.Sibling
		if err := rows.Scan(&sib.ID, &sib.Name, &sib.Description, &sib.Status, &sib.Progress, &sib.DependsOnTask); err != nil {
			return nil, fmt.Errorf("scan sibling: %w", err)
		}
		out = append(out, sib)
	}
	return out, rows.Err()
}

func (s *Store) recentComments(ctx context.Context, projectID, taskID string, now time.Time, limit int) ([]risk.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, COALESCE(u.name, NULLIF(c.author_name, ''), 'unknown'), c.body,
			CASE WHEN c.task_id IS NULL THEN 'project' ELSE 'task' END,
			c.created_at
		FROM comments c
		LEFT JOIN users u ON u.id = c.author_id
		WHERE (c.task_id = ? OR (c.task_id IS NULL AND c.project_id = ?))
		  AND c.created_at <= ?
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT ?;
	`, taskID, projectID, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var out []risk.Comment
	for rows.Next() {
		var (
			c     risk.Comment
			scope string
		)
		if err := rows.Scan(&c.ID, &c.Author, &c.Body, &scope, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.Scope = risk.CommentScope(scope)
		out = append(out, c)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
