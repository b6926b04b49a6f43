// Package risk scores how likely a task is to miss its deadline. Five
// analyzers each produce a bounded signal, consulting the reasoning service
// where judgment is needed and falling back to deterministic rules when it
// cannot answer; the aggregator weighs them into one explainable record.
package risk

import (
	"slices"
	"strings"
	"time"
)

// Level is a discrete risk band. Levels are ordered; see Rank.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
	LevelExtreme  Level = "extreme"
)

// Rank orders levels from 0 (minimal) to 5 (extreme). Unknown levels rank -1.
func (l Level) Rank() int {
	switch l {
	case LevelMinimal:
		return 0
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	case LevelExtreme:
		return 5
	}
	return -1
}

// Provenance records where a component value came from.
type Provenance string

const (
	// ProvenanceService marks values produced by the reasoning service.
	ProvenanceService Provenance = "service"
	// ProvenanceFallback marks values produced by the deterministic path
	// after the reasoning service failed.
	ProvenanceFallback Provenance = "fallback"
	// ProvenanceRule marks values that never consult the reasoning service
	// (the time formula, no assignee, no comments).
	ProvenanceRule Provenance = "rule"
)

// Environment is where the work physically happens.
type Environment string

const (
	EnvironmentIndoor  Environment = "indoor"
	EnvironmentOutdoor Environment = "outdoor"
	EnvironmentHybrid  Environment = "hybrid"
)

// Assignee is the profile of the person a task is assigned to.
type Assignee struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	JobTitle    string   `json:"job_title"`
	Department  string   `json:"department,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	ActiveTasks int      `json:"active_tasks"`
}

// Sibling is another task in the same project.
type Sibling struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	// DependsOnTask is set when the project records an explicit
	// dependency of this sibling on the scored task.
	DependsOnTask bool `json:"depends_on_task,omitempty"`
}

// Completed reports whether the sibling no longer needs anything.
func (s Sibling) Completed() bool {
	return IsClosedStatus(s.Status) || s.Progress >= 100
}

// ClosedStatuses are task statuses that take a task out of play.
var ClosedStatuses = []string{"done", "completed", "cancelled", "canceled"}

// IsClosedStatus reports whether status is one of ClosedStatuses.
func IsClosedStatus(status string) bool {
	return slices.Contains(ClosedStatuses, strings.ToLower(status))
}

// CommentScope says whether a comment was left on the task or its project.
type CommentScope string

const (
	CommentScopeTask    CommentScope = "task"
	CommentScopeProject CommentScope = "project"
)

// Comment is one entry in a task or project thread.
type Comment struct {
	ID        string       `json:"id"`
	Author    string       `json:"author"`
	Body      string       `json:"body"`
	Scope     CommentScope `json:"scope"`
	CreatedAt time.Time    `json:"created_at"`
}

// TaskSnapshot is the read-only view of a task the pipeline scores.
type TaskSnapshot struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	ProjectName    string     `json:"project_name,omitempty"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	AllocatedHours float64    `json:"allocated_hours"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	// WeatherImpact is an externally supplied 0..100 score of how much
	// current conditions hinder outdoor work.
	WeatherImpact float64   `json:"weather_impact"`
	Assignee      *Assignee `json:"assignee,omitempty"`
	DependencyIDs []string  `json:"dependency_ids,omitempty"`
	Siblings      []Sibling `json:"siblings,omitempty"`
	// Comments holds at most MaxComments entries, newest first.
	Comments []Comment `json:"comments,omitempty"`
}

// MaxComments bounds the comment thread handed to the communication analyzer.
const MaxComments = 10

// Text is the name and description joined for keyword matching and prompts.
func (t *TaskSnapshot) Text() string {
	if t.Description == "" {
		return t.Name
	}
	return t.Name + "\n" + t.Description
}

// TimeUrgency is the time component.
type TimeUrgency struct {
	// Unbounded is set when the task has no deadline; the other numeric
	// fields are then zero and contribute nothing.
	Unbounded     bool          `json:"unbounded"`
	TimeLeftHours float64       `json:"time_left_hours"`
	OverdueHours  float64       `json:"overdue_hours,omitempty"`
	RiskPercent   float64       `json:"risk_percent"`
	Boost         float64       `json:"boost"`
	Level         Level         `json:"level"`
	CacheTTL      time.Duration `json:"cache_ttl"`
	Provenance    Provenance    `json:"provenance"`
}

// ComplexityWeights is the blend used for one environment class.
type ComplexityWeights struct {
	Technical     float64 `json:"technical"`
	Scope         float64 `json:"scope"`
	TimePressure  float64 `json:"time_pressure"`
	Environmental float64 `json:"environmental"`
	Dependencies  float64 `json:"dependencies"`
}

// Complexity is the complexity component. All sub-scores are 0..100.
type Complexity struct {
	Score              float64           `json:"score"`
	Technical          float64           `json:"technical"`
	Scope              float64           `json:"scope"`
	TimePressure       float64           `json:"time_pressure"`
	Environmental      float64           `json:"environmental"`
	DependenciesImpact float64           `json:"dependencies_impact"`
	Environment        Environment       `json:"environment"`
	Weights            ComplexityWeights `json:"weights"`
	Reasoning          string            `json:"reasoning,omitempty"`
	Provenance         Provenance        `json:"provenance"`
	Failure            string            `json:"failure,omitempty"`
}

// RoleFit is the role-fit component. RoleMatch and Workload are 0..10,
// lower is better; Total is their sum.
type RoleFit struct {
	RoleMatch  float64    `json:"role_match"`
	Workload   float64    `json:"workload"`
	Total      float64    `json:"total"`
	Level      Level      `json:"level"`
	Category   string     `json:"category,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Provenance Provenance `json:"provenance"`
	Failure    string     `json:"failure,omitempty"`
}

// Dependent is a sibling that relies on the scored task.
type Dependent struct {
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Strength  string `json:"strength,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Dependency is the dependency-impact component. Score is 0..10.
type Dependency struct {
	Score         float64     `json:"score"`
	CriticalCount int         `json:"critical_count"`
	Level         Level       `json:"level"`
	Dependents    []Dependent `json:"dependents"`
	Reasoning     string      `json:"reasoning,omitempty"`
	Provenance    Provenance  `json:"provenance"`
	Failure       string      `json:"failure,omitempty"`
}

// Promises tallies commitments found in the comment thread.
type Promises struct {
	Made   int `json:"made"`
	Kept   int `json:"kept"`
	Broken int `json:"broken"`
}

// Communication is the communication component. Scores are 0..10, lower is better.
type Communication struct {
	CommunicationScore  float64    `json:"communication_score"`
	SentimentScore      float64    `json:"sentiment_score"`
	Combined            float64    `json:"combined"`
	Level               Level      `json:"level"`
	Engagement          string     `json:"engagement"`
	CommentCount        int        `json:"comment_count"`
	Promises            Promises   `json:"promises"`
	RiskIndicators      []string   `json:"risk_indicators"`
	CollaborationNotes  []string   `json:"collaboration_notes"`
	TechnicalChallenges []string   `json:"technical_challenges"`
	Recommendations     []string   `json:"recommendations"`
	Narrative           string     `json:"narrative,omitempty"`
	Provenance          Provenance `json:"provenance"`
	Failure             string     `json:"failure,omitempty"`
}

// Components groups the five analyzer outputs of one run.
type Components struct {
	Time          TimeUrgency   `json:"time"`
	Complexity    Complexity    `json:"complexity"`
	RoleFit       RoleFit       `json:"role_fit"`
	Dependency    Dependency    `json:"dependency"`
	Communication Communication `json:"communication"`
}

// Contribution explains how one component entered the final score.
type Contribution struct {
	Component  string  `json:"component"`
	Weight     float64 `json:"weight"`
	Normalized float64 `json:"normalized"`
	Weighted   float64 `json:"weighted"`
}

// Recommendations are grouped by how soon they should be acted on.
type Recommendations struct {
	Immediate []string `json:"immediate"`
	ShortTerm []string `json:"short_term"`
	LongTerm  []string `json:"long_term"`
}

// Count returns the total number of recommendations.
func (r Recommendations) Count() int {
	return len(r.Immediate) + len(r.ShortTerm) + len(r.LongTerm)
}

// Record is the outcome of one full pipeline run. Once stored it is never
// modified; newer runs supersede it.
type Record struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	RunID           string          `json:"run_id"`
	Score           float64         `json:"score"`
	Level           Level           `json:"level"`
	Components      Components      `json:"components"`
	Contributions   []Contribution  `json:"contributions"`
	Recommendations Recommendations `json:"recommendations"`
	Weights         Weights         `json:"weights"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// Provenances lists each analyzer's provenance keyed by component name.
func (r *Record) Provenances() map[string]Provenance {
	return map[string]Provenance{
		ComponentTime:          r.Components.Time.Provenance,
		ComponentComplexity:    r.Components.Complexity.Provenance,
		ComponentRoleFit:       r.Components.RoleFit.Provenance,
		ComponentDependency:    r.Components.Dependency.Provenance,
		ComponentCommunication: r.Components.Communication.Provenance,
	}
}

// Component names used in contributions, logs and metrics.
const (
	ComponentTime          = "time"
	ComponentComplexity    = "complexity"
	ComponentRoleFit       = "role_fit"
	ComponentDependency    = "dependency"
	ComponentCommunication = "communication"
)

// Assessment is what Engine.Assess returns.
type Assessment struct {
	Record *Record `json:"record"`
	// Stored is false when the record could not be persisted.
	Stored bool `json:"stored"`
	// FromCache is set when the record came from the cache untouched.
	FromCache bool `json:"from_cache"`
	// Stale is set when an older persisted record was served while a
	// background recompute was queued.
	Stale bool   `json:"stale"`
	JobID string `json:"job_id,omitempty"`
}
