package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Status is one job lifecycle state (spec §6.1's Admit API job model:
// pending -> running -> {completed, cancelled, paused, failed}).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Job is one durable crawl job record.
type Job struct {
	ID            string
	Status        Status
	SeedSource    string
	StartedAt     time.Time
	CompletedAt   *time.Time
	URLsScheduled int64
	URLsCompleted int64
	URLsFailed    int64
	Metadata      map[string]string
}

// Store persists Job records via pgx/v5's pgxpool, adapted from the
// teacher's postgresExecutionRepo.
type Store struct {
	db *DB
}

// NewStore wraps a connected DB.
func NewStore(db *DB) *Store { return &Store{db: db} }

// Create inserts a new job in StatusPending, assigning an id if empty.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = StatusPending
	job.StartedAt = time.Now()

	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("jobstore: marshal metadata: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO jobs (id, status, seed_source, started_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, job.ID, string(job.Status), job.SeedSource, job.StartedAt, string(metadataJSON))
	if err != nil {
		return fmt.Errorf("jobstore: create job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT id, status, seed_source, started_at, completed_at,
		       urls_scheduled, urls_completed, urls_failed, metadata
		FROM jobs WHERE id = $1
	`, id)

	var job Job
	var status string
	var metadataJSON []byte
	err := row.Scan(&job.ID, &status, &job.SeedSource, &job.StartedAt, &job.CompletedAt,
		&job.URLsScheduled, &job.URLsCompleted, &job.URLsFailed, &metadataJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("jobstore: job %s not found", id)
		}
		return nil, fmt.Errorf("jobstore: get job: %w", err)
	}
	job.Status = Status(status)
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &job.Metadata)
	}
	return &job, nil
}

// SetStatus transitions a job's status (start/pause/resume/stop operations
// of spec §6.1's Admit API).
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	result, err := s.db.Pool.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("jobstore: set status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("jobstore: job %s not found", id)
	}
	return nil
}

// Complete marks a job terminal (completed, cancelled, or failed) and stamps
// completed_at.
func (s *Store) Complete(ctx context.Context, id string, status Status) error {
	now := time.Now()
	result, err := s.db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3 WHERE id = $1
	`, id, string(status), now)
	if err != nil {
		return fmt.Errorf("jobstore: complete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("jobstore: job %s not found", id)
	}
	return nil
}

// StatDelta increments a job's url counters in a single round trip.
type StatDelta struct {
	Scheduled int64
	Completed int64
	Failed    int64
}

// AddStats accumulates a StatDelta onto a job's counters.
func (s *Store) AddStats(ctx context.Context, id string, delta StatDelta) error {
	_, err := s.db.Pool.Exec(ctx, `
		UPDATE jobs SET
			urls_scheduled = urls_scheduled + $2,
			urls_completed = urls_completed + $3,
			urls_failed = urls_failed + $4
		WHERE id = $1
	`, id, delta.Scheduled, delta.Completed, delta.Failed)
	if err != nil {
		return fmt.Errorf("jobstore: add stats: %w", err)
	}
	return nil
}

// List returns jobs ordered by most-recently-started, optionally filtered
// by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	query := `
		SELECT id, status, seed_source, started_at, completed_at,
		       urls_scheduled, urls_completed, urls_failed, metadata
		FROM jobs
	`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		var st string
		var metadataJSON []byte
		if err := rows.Scan(&job.ID, &st, &job.SeedSource, &job.StartedAt, &job.CompletedAt,
			&job.URLsScheduled, &job.URLsCompleted, &job.URLsFailed, &metadataJSON); err != nil {
			return nil, fmt.Errorf("jobstore: scan job: %w", err)
		}
		job.Status = Status(st)
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &job.Metadata)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}
