// Package controlplane implements the Admit API of spec §6.1: a Go
// interface, not a wire protocol, exposing Admit/StartJob/PauseJob/
// ResumeJob/StopJob/Stats/PerDomainStats plus the supplemented
// SetDomainPolicy operation. Grounded on the teacher's
// microservices/orchestrator/internal/service/execution_service.go for the
// job-lifecycle shape, generalized to a single continuously-running crawl
// per job instead of one-shot workflow executions.
package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/corpusflow/crawlcore/internal/frontier"
	"github.com/corpusflow/crawlcore/internal/jobstore"
	"github.com/corpusflow/crawlcore/internal/logging"
	"github.com/corpusflow/crawlcore/internal/scheduler"
	"github.com/corpusflow/crawlcore/internal/seed"
	"github.com/corpusflow/crawlcore/internal/types"
	"github.com/corpusflow/crawlcore/internal/urlnorm"
	"go.uber.org/zap"
)

// ControlPlane is the single entry point cmd/crawlcore drives, wrapping the
// Frontier, Scheduler, durable job records, and the per-domain policy
// table.
type ControlPlane struct {
	frontier  *frontier.Frontier
	scheduler *scheduler.Scheduler
	jobs      *jobstore.Store
	policies  *PolicyStore
}

// New builds a ControlPlane. policies may be nil if the per-domain policy
// table is not configured (spec's domain overrides are an optional
// supplement, not a core requirement).
func New(fr *frontier.Frontier, sch *scheduler.Scheduler, jobs *jobstore.Store, policies *PolicyStore) *ControlPlane {
	return &ControlPlane{frontier: fr, scheduler: sch, jobs: jobs, policies: policies}
}

// Admit validates and normalizes rawURL, checks the host's domain policy if
// one is configured, and enqueues it into the Frontier (spec §6.1's
// `admit` operation; spec §6.2's validation rules).
func (c *ControlPlane) Admit(ctx context.Context, rawURL string, priority float64, metadata map[string]string) (bool, error) {
	if !urlnorm.Valid(rawURL) {
		return false, fmt.Errorf("controlplane: invalid url %q", rawURL)
	}

	if c.policies != nil {
		normalized, err := urlnorm.Normalize(rawURL)
		if err != nil {
			return false, fmt.Errorf("controlplane: normalize: %w", err)
		}
		host, err := urlnorm.Host(normalized)
		if err != nil {
			return false, fmt.Errorf("controlplane: host: %w", err)
		}
		policy, err := c.policies.Get(ctx, host)
		if err != nil {
			logging.Warn("controlplane: policy lookup failed, admitting anyway", zap.String("host", host), zap.Error(err))
		} else if !policy.Allowed {
			return false, nil
		}
	}

	return c.frontier.Admit(ctx, rawURL, priority, metadata, false)
}

// StartJob takes already-parsed seed entries, creates a durable job record
// (StatusPending) when a job store is configured, admits every valid entry,
// moves the record to StatusRunning, and launches the Scheduler's Run loop
// in the background.
func (c *ControlPlane) StartJob(ctx context.Context, seedSource string, entries []seed.Entry) (*jobstore.Job, error) {
	job := &jobstore.Job{SeedSource: seedSource, Metadata: map[string]string{}}
	if c.jobs != nil {
		if err := c.jobs.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("controlplane: create job: %w", err)
		}
	}

	admitted := 0
	for _, entry := range entries {
		priority := 1000.0
		if entry.Priority != nil {
			priority = *entry.Priority
		}
		metadata := map[string]string{"depth": "0"}
		if entry.Category != "" {
			metadata["category"] = entry.Category
		}
		ok, err := c.Admit(ctx, entry.URL, priority, metadata)
		if err != nil {
			logging.Warn("controlplane: seed admit failed", zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		if ok {
			admitted++
		}
	}

	if c.jobs != nil {
		if err := c.jobs.SetStatus(ctx, job.ID, jobstore.StatusRunning); err != nil {
			return nil, fmt.Errorf("controlplane: set running: %w", err)
		}
		job.Status = jobstore.StatusRunning
	}

	logging.Info("job started", zap.String("job_id", job.ID), zap.Int("seeds_admitted", admitted))

	go func() {
		if err := c.scheduler.Run(context.Background()); err != nil {
			logging.Error("scheduler run exited with error", zap.Error(err))
		}
		if c.jobs != nil {
			_ = c.jobs.Complete(context.Background(), job.ID, jobstore.StatusCompleted)
		}
	}()

	return job, nil
}

// PauseJob pauses the running scheduler and records the transition.
func (c *ControlPlane) PauseJob(ctx context.Context, jobID string) error {
	c.scheduler.Pause()
	if c.jobs != nil {
		return c.jobs.SetStatus(ctx, jobID, jobstore.StatusPaused)
	}
	return nil
}

// ResumeJob resumes a paused scheduler and records the transition.
func (c *ControlPlane) ResumeJob(ctx context.Context, jobID string) error {
	c.scheduler.Resume()
	if c.jobs != nil {
		return c.jobs.SetStatus(ctx, jobID, jobstore.StatusRunning)
	}
	return nil
}

// StopJob stops the scheduler (waiting for in-flight workers) and marks the
// job cancelled.
func (c *ControlPlane) StopJob(ctx context.Context, jobID string) error {
	c.scheduler.Stop()
	if c.jobs != nil {
		return c.jobs.Complete(ctx, jobID, jobstore.StatusCancelled)
	}
	return nil
}

// Stats returns the scheduler's live observability counters.
func (c *ControlPlane) Stats(ctx context.Context) types.SchedulerStats {
	return c.scheduler.Stats()
}

// PerDomainStats returns per-host crawl stats for every active host.
func (c *ControlPlane) PerDomainStats(ctx context.Context) ([]types.DomainStats, error) {
	return c.scheduler.PerDomainStats(ctx)
}

// SetDomainPolicy upserts a per-domain override directive.
func (c *ControlPlane) SetDomainPolicy(ctx context.Context, host string, allowed bool, customDelay time.Duration) error {
	if c.policies == nil {
		return fmt.Errorf("controlplane: domain policy store not configured")
	}
	policy := DomainPolicy{Host: host, Allowed: allowed}
	if customDelay > 0 {
		ms := customDelay.Milliseconds()
		policy.CustomDelayMs = &ms
	}
	return c.policies.Set(ctx, policy)
}
