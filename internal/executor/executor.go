// Package executor runs quarry's background work: job materialization and
// the scheduled repository poll, snapshot cache GC and step redispatch.
package executor

import (
	"context"
	"errors"

	"github.com/caesium-cloud/quarry/internal/allocation"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TaskCreateJob        = "create_job"
	TaskPollRepositories = "poll_repositories"
	TaskSnapshotGC       = "snapshot_gc"
	TaskRedispatchSteps  = "redispatch_steps"
)

// Executor owns the task queue and the schedules feeding it.
type Executor struct {
	deps      buildstep.Deps
	builds    *build.Service
	snapshots *snapshot.Service
	allocator *allocation.Allocator
	queue     *Queue
}

// New wires an executor and registers it as the job queue of builds.
func New(deps buildstep.Deps, builds *build.Service, snapshots *snapshot.Service, allocator *allocation.Allocator) *Executor {
	e := &Executor{
		deps:      deps,
		builds:    builds,
		snapshots: snapshots,
		allocator: allocator,
		queue:     NewQueue(deps.Env.MaxConcurrentTasks, deps.Env.TaskRetryDelay, deps.Env.TaskMaxAttempts),
	}
	builds.SetQueue(e)
	return e
}

// Start schedules the periodic tasks and blocks until ctx is done, then
// drains in-flight work.
func (e *Executor) Start(ctx context.Context) error {
	scheduler := NewScheduler(e.queue)

	schedules := []struct {
		expr string
		task Task
	}{
		{e.deps.Env.PollSchedule, e.PollRepositories()},
		{e.deps.Env.SnapshotGCSchedule, e.SnapshotGC()},
		{e.deps.Env.RedispatchSchedule, e.RedispatchSteps()},
	}
	for _, s := range schedules {
		if err := scheduler.Every(ctx, s.expr, s.task); err != nil {
			return err
		}
	}

	scheduler.Start()
	log.Info("executor started")

	<-ctx.Done()

	scheduler.Stop()
	e.queue.Wait()
	log.Info("executor stopped")
	return nil
}

// EnqueueJob materializes a job in the background. The task outlives the
// caller's context.
func (e *Executor) EnqueueJob(ctx context.Context, jobID uuid.UUID) error {
	e.queue.Enqueue(context.WithoutCancel(ctx), e.CreateJob(jobID))
	return nil
}

// CreateJob materializes a job through its frozen build step.
func (e *Executor) CreateJob(jobID uuid.UUID) Task {
	return Task{
		Name: TaskCreateJob,
		Key:  jobID.String(),
		Run: func(ctx context.Context) error {
			var job models.Job
			err := e.deps.DB.WithContext(ctx).First(&job, "id = ?", jobID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warn("job vanished before materialization", "job_id", jobID)
				return nil
			}
			if err != nil {
				return err
			}

			step, err := buildstep.ForJob(e.deps, &job)
			if err != nil {
				return err
			}
			return step.Execute(ctx, &job)
		},
	}
}

// PollRepositories syncs every active repository. Repositories fail
// independently; permanent VCS failures are logged and not retried.
func (e *Executor) PollRepositories() Task {
	return Task{
		Name: TaskPollRepositories,
		Run: func(ctx context.Context) error {
			var repos []*models.Repository
			err := e.deps.DB.WithContext(ctx).
				Where("status = ?", models.RepositoryStatusActive).
				Order("url ASC").
				Find(&repos).Error
			if err != nil {
				return err
			}

			var errs []error
			for _, repo := range repos {
				if _, err := e.builds.Poll(ctx, repo); err != nil {
					log.Error("repository poll failed", "repository", repo.URL, "error", err)
					if retryable(err) {
						errs = append(errs, err)
					}
				}
			}
			return errors.Join(errs...)
		},
	}
}

// SnapshotGC evicts expired cache entries cluster by cluster.
func (e *Executor) SnapshotGC() Task {
	return Task{
		Name: TaskSnapshotGC,
		Run: func(ctx context.Context) error {
			clusters, err := e.snapshots.Clusters(ctx)
			if err != nil {
				return err
			}

			var errs []error
			for _, cluster := range clusters {
				if _, err := e.snapshots.Evict(ctx, cluster); err != nil {
					log.Error("snapshot cache eviction failed", "cluster", cluster, "error", err)
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// RedispatchSteps returns deallocated steps to the queue.
func (e *Executor) RedispatchSteps() Task {
	return Task{
		Name: TaskRedispatchSteps,
		Run: func(ctx context.Context) error {
			_, err := e.allocator.Redispatch(ctx)
			return err
		},
	}
}

func retryable(err error) bool {
	var vcsErr *problem.VCSError
	if errors.As(err, &vcsErr) {
		return vcsErr.Transient
	}
	return true
}
