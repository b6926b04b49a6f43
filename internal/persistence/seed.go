package persistence

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Seed is the YAML document accepted by `riskd seed`. Times may be given
// absolutely or, for tasks and comments, relative to the import time.
type Seed struct {
	Users    []SeedUser    `yaml:"users"`
	Projects []SeedProject `yaml:"projects"`
}

type SeedUser struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	JobTitle   string   `yaml:"job_title"`
	Department string   `yaml:"department"`
	Skills     []string `yaml:"skills"`
}

type SeedProject struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Tasks       []SeedTask    `yaml:"tasks"`
	Comments    []SeedComment `yaml:"comments"`
}

type SeedTask struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	Description    string        `yaml:"description"`
	Status         string        `yaml:"status"`
	Progress       float64       `yaml:"progress"`
	AllocatedHours float64       `yaml:"allocated_hours"`
	Assignee       string        `yaml:"assignee"`
	WeatherImpact  float64       `yaml:"weather_impact"`
	StartAt        *time.Time    `yaml:"start_at"`
	Deadline       *time.Time    `yaml:"deadline"`
	StartedAgo     string        `yaml:"started_ago"`
	DeadlineIn     string        `yaml:"deadline_in"`
	DependsOn      []string      `yaml:"depends_on"`
	Comments       []SeedComment `yaml:"comments"`
}

type SeedComment struct {
	ID     string     `yaml:"id"`
	Author string     `yaml:"author"`
	Body   string     `yaml:"body"`
	At     *time.Time `yaml:"at"`
	Ago    string     `yaml:"ago"`
}

// SeedStats counts what ImportSeed wrote.
type SeedStats struct {
	Users        int
	Projects     int
	Tasks        int
	Dependencies int
	Comments     int
}

// ParseSeed decodes a seed document, rejecting unknown fields.
func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &seed, nil
}

// ImportSeed upserts the whole document in one transaction. Dependencies are
// written after every task so forward references within a file work.
func (s *Store) ImportSeed(ctx context.Context, seed *Seed, now time.Time) (SeedStats, error) {
	var stats SeedStats
	if seed == nil {
		return stats, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range seed.Users {
		if err := upsertUser(ctx, tx, User{
			ID: u.ID, Name: u.Name, JobTitle: u.JobTitle, Department: u.Department, Skills: u.Skills,
		}); err != nil {
			return stats, err
		}
		stats.Users++
	}

	users := make(map[string]bool, len(seed.Users))
	for _, u := range seed.Users {
		users[u.ID] = true
	}

	type edge struct{ from, to string }
	var edges []edge
	var comments []Comment

	for _, p := range seed.Projects {
		if err := upsertProject(ctx, tx, Project{ID: p.ID, Name: p.Name, Description: p.Description}); err != nil {
			return stats, err
		}
		stats.Projects++

		for i, c := range p.Comments {
			cm, err := seedComment(c, users, p.ID, "", fmt.Sprintf("%s-c%d", p.ID, i+1), now)
			if err != nil {
				return stats, err
			}
			comments = append(comments, cm)
		}

		for _, st := range p.Tasks {
			t := Task{
				ID:             st.ID,
				ProjectID:      p.ID,
				Name:           st.Name,
				Description:    st.Description,
				Status:         st.Status,
				Progress:       st.Progress,
				AllocatedHours: st.AllocatedHours,
				AssigneeID:     st.Assignee,
				WeatherImpact:  st.WeatherImpact,
				StartAt:        st.StartAt,
				Deadline:       st.Deadline,
			}
			if st.StartedAgo != "" {
				d, err := time.ParseDuration(st.StartedAgo)
				if err != nil {
					return stats, fmt.Errorf("task %s started_ago: %w", st.ID, err)
				}
				at := now.Add(-d)
				t.StartAt = &at
			}
			if st.DeadlineIn != "" {
				d, err := parseSignedDuration(st.DeadlineIn)
				if err != nil {
					return stats, fmt.Errorf("task %s deadline_in: %w", st.ID, err)
				}
				at := now.Add(d)
				t.Deadline = &at
			}
			if err := upsertTask(ctx, tx, t); err != nil {
				return stats, err
			}
			stats.Tasks++
			for _, dep := range st.DependsOn {
				edges = append(edges, edge{from: st.ID, to: dep})
			}
			for i, c := range st.Comments {
				cm, err := seedComment(c, users, p.ID, st.ID, fmt.Sprintf("%s-c%d", st.ID, i+1), now)
				if err != nil {
					return stats, err
				}
				comments = append(comments, cm)
			}
		}
	}

	for _, e := range edges {
		if err := addDependency(ctx, tx, e.from, e.to); err != nil {
			return stats, err
		}
		stats.Dependencies++
	}
	for _, c := range comments {
		if err := addComment(ctx, tx, c); err != nil {
			return stats, err
		}
		stats.Comments++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit seed tx: %w", err)
	}
	return stats, nil
}

func seedComment(c SeedComment, users map[string]bool, projectID, taskID, defaultID string, now time.Time) (Comment, error) {
	cm := Comment{
		ID:        c.ID,
		ProjectID: projectID,
		TaskID:    taskID,
		Body:      c.Body,
		CreatedAt: now,
	}
	if cm.ID == "" {
		cm.ID = defaultID
	}
	// Authors that match a user id are linked; anything else is a display name.
	if users[c.Author] {
		cm.AuthorID = c.Author
	} else {
		cm.AuthorName = c.Author
	}
	switch {
	case c.At != nil:
		cm.CreatedAt = *c.At
	case c.Ago != "":
		d, err := time.ParseDuration(c.Ago)
		if err != nil {
			return Comment{}, fmt.Errorf("comment %s ago: %w", cm.ID, err)
		}
		cm.CreatedAt = now.Add(-d)
	}
	return cm, nil
}

// parseSignedDuration accepts time.ParseDuration input plus a "d" day unit,
// e.g. "3d", "-6h", "1d12h".
func parseSignedDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	neg := strings.HasPrefix(v, "-")
	v = strings.TrimPrefix(strings.TrimPrefix(v, "-"), "+")
	var days time.Duration
	if i := strings.Index(v, "d"); i > 0 {
		var n int
		if _, err := fmt.Sscanf(v[:i], "%d", &n); err != nil {
			return 0, fmt.Errorf("invalid day count %q", v[:i])
		}
		days = time.Duration(n) * 24 * time.Hour
		v = v[i+1:]
	}
	var rest time.Duration
	if v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, err
		}
		rest = d
	}
	total := days + rest
	if neg {
		total = -total
	}
	return total, nil
}
