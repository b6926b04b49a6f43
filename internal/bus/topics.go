package bus

import "time"

// Risk topics.
const (
	TopicRiskComputed = "risk.computed"
	TopicRiskFallback = "risk.fallback"
	TopicRiskPersist  = "risk.persist_failed"
)

// Job topics.
const (
	TopicJobQueued     = "job.queued"
	TopicJobSucceeded  = "job.succeeded"
	TopicJobRetrying   = "job.retrying"
	TopicJobDeadLetter = "job.dead_letter"
)

// RiskComputedEvent is published after every completed assessment,
// whether or not the record was stored.
type RiskComputedEvent struct {
	TaskID     string
	RunID      string
	Score      float64
	Level      string
	Stored     bool
	FromCache  bool
	ComputedAt time.Time
}

// RiskFallbackEvent is published when an analyzer used its deterministic
// path because the reasoning service failed.
type RiskFallbackEvent struct {
	TaskID   string
	RunID    string
	Analyzer string
	Failure  string
}

// RiskPersistEvent is published when a computed record could not be stored.
type RiskPersistEvent struct {
	TaskID string
	RunID  string
	Error  string
}

// JobEvent is published on job lifecycle transitions.
type JobEvent struct {
	JobID   string
	TaskID  string
	Attempt int
	Error   string
	NextRun time.Time
}
