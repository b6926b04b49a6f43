package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskrisk/internal/bus"
	"github.com/basket/taskrisk/internal/shared"
)

const (
	defaultLeaseDuration = 30 * time.Second

	defaultMaxAttempts = 3
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 30 * time.Second
	poisonThreshold    = 3
)

// Reason codes recorded on retry and terminal transitions.
const (
	ReasonRetryProcessorError   = "RETRY_PROCESSOR_ERROR"
	ReasonDeadLetterPoisonPill  = "DEAD_LETTER_POISON_PILL"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
)

// ErrJobNotFound is returned when a job is missing or not in the state the
// caller expected, including a lease held by someone else.
var ErrJobNotFound = errors.New("job not found or not in expected state")

type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusClaimed    JobStatus = "CLAIMED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusRetryWait  JobStatus = "RETRY_WAIT"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCanceled   JobStatus = "CANCELED"
	JobStatusDeadLetter JobStatus = "DEAD_LETTER"
)

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobStatusQueued: {
		JobStatusClaimed:  {},
		JobStatusCanceled: {},
	},
	JobStatusClaimed: {
		JobStatusRunning:  {},
		JobStatusCanceled: {},
		JobStatusQueued:   {}, // lease expired
	},
	JobStatusRunning: {
		JobStatusSucceeded: {},
		JobStatusFailed:    {},
		JobStatusRetryWait: {},
		JobStatusCanceled:  {},
		JobStatusQueued:    {}, // lease expired
	},
	JobStatusRetryWait: {
		JobStatusQueued:   {},
		JobStatusFailed:   {},
		JobStatusCanceled: {},
	},
	JobStatusFailed: {
		JobStatusDeadLetter: {},
		JobStatusRetryWait:  {},
	},
}

func canTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Job is one queued recomputation of a task's risk.
type Job struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	Status         JobStatus  `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	AvailableAt    time.Time  `json:"available_at"`
	LastErrorCode  string     `json:"last_error_code,omitempty"`
	PoisonCount    int        `json:"poison_count,omitempty"`
	Error          string     `json:"error,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type JobEvent struct {
	EventID   int64     `json:"event_id"`
	JobID     string    `json:"job_id"`
	TaskID    string    `json:"task_id"`
	EventType string    `json:"event_type"`
	RunID     string    `json:"run_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	StateFrom JobStatus `json:"state_from"`
	StateTo   JobStatus `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

type FailureDecision struct {
	Outcome          FailureOutcome `json:"outcome"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	BackoffUntil     *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	ErrorFingerprint string         `json:"error_fingerprint"`
	PoisonCount      int            `json:"poison_count"`
}

const jobColumns = `
	id, task_id, status, attempt, max_attempts, available_at,
	COALESCE(last_error_code, ''), poison_count, COALESCE(error, ''),
	COALESCE(lease_owner, ''), lease_expires_at, created_at, updated_at`

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	var leaseExpires sql.NullTime
	if err := scanFn(
		&job.ID,
		&job.TaskID,
		&job.Status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.AvailableAt,
		&job.LastErrorCode,
		&job.PoisonCount,
		&job.Error,
		&job.LeaseOwner,
		&leaseExpires,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return err
	}
	job.LeaseExpiresAt = timePtr(leaseExpires)
	return nil
}

func (s *Store) appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID, taskID string, from, to JobStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = jobID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, task_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, jobID, taskID, shared.RunID(ctx), traceID, eventType, string(from), string(to), payload, s.now())
	if err != nil {
		return fmt.Errorf("insert job_event: %w", err)
	}
	return nil
}

// transitionJobTx moves a job from one of allowedFrom to to. It reports false
// without error when the job is missing or in some other state.
func (s *Store) transitionJobTx(
	ctx context.Context,
	tx *sql.Tx,
	jobID string,
	allowedFrom []JobStatus,
	to JobStatus,
	eventType string,
	payload string,
	errMsg *string,
) (bool, error) {
	var (
		current JobStatus
		taskID  string
	)
	if err := tx.QueryRowContext(ctx, `SELECT status, task_id FROM jobs WHERE id = ?;`, jobID).Scan(&current, &taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select job for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	errValue := sql.NullString{}
	if errMsg != nil {
		errValue = sql.NullString{String: *errMsg, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to, errValue.Valid, errValue.String, s.now(), jobID, current)
	if err != nil {
		return false, fmt.Errorf("update job transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendJobEventTx(ctx, tx, jobID, taskID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// EnqueueJob queues a recompute of taskID. A job already waiting for the
// same task is reused, so repeated stale reads do not pile up work.
func (s *Store) EnqueueJob(ctx context.Context, taskID string) (string, error) {
	var (
		jobID  string
		reused bool
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT id FROM jobs WHERE task_id = ? AND status = ? ORDER BY created_at LIMIT 1;
		`, taskID, JobStatusQueued).Scan(&jobID)
		switch {
		case err == nil:
			reused = true
			return tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("find queued job: %w", err)
		}

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?;`, taskID).Scan(&exists); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("enqueue job for unknown task %s: %w", taskID, ErrJobNotFound)
		}

		jobID = uuid.NewString()
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, task_id, status, attempt, max_attempts, available_at, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, ?, ?);
		`, jobID, taskID, JobStatusQueued, s.maxAttempts, now, now, now); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, taskID, "", JobStatusQueued, "job.queued", `{"reason":"enqueue"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if !reused && s.bus != nil {
		s.bus.Publish(bus.TopicJobQueued, bus.JobEvent{JobID: jobID, TaskID: taskID})
	}
	return jobID, nil
}

// ClaimNextJob leases the oldest available queued job. It returns nil when
// nothing is ready.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	var result *Job
	err := retryOnBusy(ctx, 5, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		var job Job
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE status = ? AND available_at <= ?
			ORDER BY available_at ASC, created_at ASC, id ASC
			LIMIT 1;
		`, JobStatusQueued, now)
		if scanErr := scanJob(row.Scan, &job); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select queued job: %w", scanErr)
		}

		ok, err := s.transitionJobTx(ctx, tx, job.ID,
			[]JobStatus{JobStatusQueued}, JobStatusClaimed,
			"job.claimed", `{"reason":"claim_next"}`, nil)
		if err != nil {
			return fmt.Errorf("claim job transition: %w", err)
		}
		if !ok {
			return nil
		}
		leaseOwner := uuid.NewString()
		leaseExpiresAt := now.Add(s.leaseDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET lease_owner = ?, lease_expires_at = ?
			WHERE id = ? AND status = ?;
		`, leaseOwner, leaseExpiresAt, job.ID, JobStatusClaimed); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		job.Status = JobStatusClaimed
		job.LeaseOwner = leaseOwner
		job.LeaseExpiresAt = &leaseExpiresAt
		result = &job
		return nil
	})
	return result, err
}

// StartJob moves a claimed job to RUNNING. The caller must hold the lease.
func (s *Store) StartJob(ctx context.Context, jobID, leaseOwner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin start job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentOwner string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(lease_owner, '') FROM jobs WHERE id = ? AND status = ?;
	`, jobID, JobStatusClaimed).Scan(&currentOwner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("read claimed lease owner: %w", err)
	}
	if currentOwner == "" || currentOwner != leaseOwner {
		return ErrJobNotFound
	}
	ok, err := s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobStatusClaimed}, JobStatusRunning,
		"job.running", `{"reason":"worker_start"}`, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND lease_owner = ? AND status = ?;
	`, s.now().Add(s.leaseDuration), jobID, leaseOwner, JobStatusRunning); err != nil {
		return fmt.Errorf("extend lease on start: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit start job tx: %w", err)
	}
	return nil
}

// HeartbeatJob extends the lease. It reports false once the lease is lost.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status IN (?, ?);
	`, s.now().Add(s.leaseDuration), s.now(), jobID, leaseOwner, JobStatusClaimed, JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteJob marks a running job as succeeded and releases its lease.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobStatusRunning}, JobStatusSucceeded,
		"job.succeeded", `{"reason":"recompute_success"}`, nil)
	if err != nil {
		return fmt.Errorf("complete job transition: %w", err)
	}
	if !ok {
		return ErrJobNotFound
	}
	var taskID string
	if err := tx.QueryRowContext(ctx, `
		UPDATE jobs SET lease_owner = NULL, lease_expires_at = NULL, error = NULL
		WHERE id = ? AND status = ?
		RETURNING task_id;
	`, jobID, JobStatusSucceeded).Scan(&taskID); err != nil {
		return fmt.Errorf("clear lease on complete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete job tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobSucceeded, bus.JobEvent{JobID: jobID, TaskID: taskID})
	}
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

// retryDelay doubles from retryBaseDelay up to retryMaxDelay and adds a
// jitter derived from the job id, so the same attempt always waits as long.
func retryDelay(jobID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(jobID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	return min(base+jitter, retryMaxDelay)
}

// HandleJobFailure records a failed run of a RUNNING job and either schedules
// a retry with backoff or moves the job to DEAD_LETTER. The same error
// fingerprint seen poisonThreshold times in a row dead-letters early.
func (s *Store) HandleJobFailure(ctx context.Context, jobID, errMsg string) (FailureDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("begin handle failure tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status          JobStatus
		taskID          string
		attempt         int
		maxAttempts     int
		lastFingerprint string
		poisonCount     int
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT status, task_id, attempt, max_attempts, COALESCE(last_error_fingerprint, ''), poison_count
		FROM jobs WHERE id = ?;
	`, jobID).Scan(&status, &taskID, &attempt, &maxAttempts, &lastFingerprint, &poisonCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailureDecision{}, ErrJobNotFound
		}
		return FailureDecision{}, fmt.Errorf("select job for failure handling: %w", err)
	}
	if status != JobStatusRunning {
		return FailureDecision{}, ErrJobNotFound
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	nextAttempt := attempt + 1
	fingerprint := errorFingerprint(errMsg)
	nextPoison := 1
	if lastFingerprint != "" && lastFingerprint == fingerprint {
		nextPoison = poisonCount + 1
	}
	decision := FailureDecision{
		Attempt:          nextAttempt,
		MaxAttempts:      maxAttempts,
		ErrorFingerprint: fingerprint,
		PoisonCount:      nextPoison,
		ReasonCode:       ReasonRetryProcessorError,
	}
	moveToDeadLetter := false
	if nextPoison >= poisonThreshold {
		decision.ReasonCode = ReasonDeadLetterPoisonPill
		moveToDeadLetter = true
	}
	if nextAttempt >= maxAttempts {
		decision.ReasonCode = ReasonDeadLetterMaxAttempts
		moveToDeadLetter = true
	}
	reasonCode := decision.ReasonCode

	if moveToDeadLetter {
		ok, err := s.transitionJobTx(ctx, tx, jobID,
			[]JobStatus{JobStatusRunning}, JobStatusFailed, "job.failed",
			fmt.Sprintf(`{"reason":"recompute_error","reason_code":%q,"attempt":%d,"max_attempts":%d}`, reasonCode, nextAttempt, maxAttempts),
			&errMsg)
		if err != nil {
			return FailureDecision{}, fmt.Errorf("transition to failed: %w", err)
		}
		if !ok {
			return FailureDecision{}, ErrJobNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET attempt = ?, last_error_code = ?, last_error_fingerprint = ?, poison_count = ?,
				lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ? AND status = ?;
		`, nextAttempt, reasonCode, fingerprint, nextPoison, jobID, JobStatusFailed); err != nil {
			return FailureDecision{}, fmt.Errorf("update failed metadata: %w", err)
		}
		ok, err = s.transitionJobTx(ctx, tx, jobID,
			[]JobStatus{JobStatusFailed}, JobStatusDeadLetter, "job.dead_letter",
			fmt.Sprintf(`{"reason":"terminal_failure","reason_code":%q}`, reasonCode), nil)
		if err != nil {
			return FailureDecision{}, fmt.Errorf("transition to dead_letter: %w", err)
		}
		if !ok {
			return FailureDecision{}, ErrJobNotFound
		}
		if err := tx.Commit(); err != nil {
			return FailureDecision{}, fmt.Errorf("commit dead_letter tx: %w", err)
		}
		decision.Outcome = FailureOutcomeDeadLetter
		if s.bus != nil {
			s.bus.Publish(bus.TopicJobDeadLetter, bus.JobEvent{JobID: jobID, TaskID: taskID, Attempt: nextAttempt, Error: errMsg})
		}
		return decision, nil
	}

	delay := retryDelay(jobID, nextAttempt)
	availableAt := s.now().Add(delay)
	decision.Outcome = FailureOutcomeRetried
	decision.BackoffUntil = &availableAt

	ok, err := s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobStatusRunning}, JobStatusRetryWait, "job.retry_wait",
		fmt.Sprintf(`{"reason":"retry_scheduled","reason_code":%q,"attempt":%d,"max_attempts":%d,"delay_ms":%d}`, reasonCode, nextAttempt, maxAttempts, delay.Milliseconds()),
		&errMsg)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to retry_wait: %w", err)
	}
	if !ok {
		return FailureDecision{}, ErrJobNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET attempt = ?, available_at = ?, last_error_code = ?, last_error_fingerprint = ?, poison_count = ?,
			lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = ?;
	`, nextAttempt, availableAt, reasonCode, fingerprint, nextPoison, jobID, JobStatusRetryWait); err != nil {
		return FailureDecision{}, fmt.Errorf("update retry metadata: %w", err)
	}
	ok, err = s.transitionJobTx(ctx, tx, jobID,
		[]JobStatus{JobStatusRetryWait}, JobStatusQueued, "job.requeued",
		fmt.Sprintf(`{"reason":"ready_for_retry","reason_code":%q}`, reasonCode), nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("transition to queued after retry wait: %w", err)
	}
	if !ok {
		return FailureDecision{}, ErrJobNotFound
	}
	if err := tx.Commit(); err != nil {
		return FailureDecision{}, fmt.Errorf("commit retry tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobRetrying, bus.JobEvent{JobID: jobID, TaskID: taskID, Attempt: nextAttempt, Error: errMsg, NextRun: availableAt})
	}
	return decision, nil
}

// RequeueExpiredLeases returns CLAIMED and RUNNING jobs whose lease lapsed
// to the queue, e.g. after a worker crash.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue expired leases tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status IN (?, ?)
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= ?;
	`, JobStatusClaimed, JobStatusRunning, s.now())
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired lease jobs: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionJobTx(ctx, tx, id,
			[]JobStatus{JobStatusClaimed, JobStatusRunning}, JobStatusQueued,
			"job.lease_expired_requeued", `{"reason":"lease_expired"}`, nil)
		if err != nil {
			return 0, fmt.Errorf("requeue expired transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET lease_owner = NULL, lease_expires_at = NULL WHERE id = ? AND status = ?;
		`, id, JobStatusQueued); err != nil {
			return 0, fmt.Errorf("clear lease after requeue: %w", err)
		}
		reclaimed++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue expired leases tx: %w", err)
	}
	return reclaimed, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	if err := scanJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[JobStatus]int)
	for rows.Next() {
		var (
			st JobStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ListJobEvents returns a job's transitions in order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, task_id, event_type, COALESCE(run_id, ''), COALESCE(trace_id, ''),
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_id ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.EventID, &e.JobID, &e.TaskID, &e.EventType, &e.RunID, &e.TraceID,
			&e.StateFrom, &e.StateTo, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
