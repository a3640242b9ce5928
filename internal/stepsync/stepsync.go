// Package stepsync records step results reported by agents and rolls them
// up into phases, jobs and builds.
package stepsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrInvalidResult = errors.New("invalid step result")

// FinishRequest is an agent's report that a step completed.
type FinishRequest struct {
	Result models.Result
	// Node is the label of the machine the step ran on.
	Node string
}

// ExpandRequest fans a running step's work out into new steps of a phase.
type ExpandRequest struct {
	Phase  string
	Shards []buildstep.Shard
}

type Syncer struct {
	deps             buildstep.Deps
	maxInfraFailures int
	now              func() time.Time
}

func NewSyncer(deps buildstep.Deps) *Syncer {
	return &Syncer{
		deps:             deps,
		maxInfraFailures: deps.Env.MaxInfraFailures,
		now:              time.Now,
	}
}

func (s *Syncer) db(ctx context.Context) *gorm.DB {
	return s.deps.DB.WithContext(ctx)
}

func (s *Syncer) bus() event.Bus {
	if s.deps.Bus == nil {
		return event.Nop()
	}
	return s.deps.Bus
}

// Finish marks a step finished with result. An infra failure is retried
// on a replacement step until the job reaches the infra failure limit.
// Finishing an already finished step is a no-op.
func (s *Syncer) Finish(ctx context.Context, stepID uuid.UUID, req FinishRequest) (*models.JobStep, error) {
	switch req.Result {
	case models.ResultPassed, models.ResultFailed, models.ResultAborted,
		models.ResultInfraFailed, models.ResultSkipped:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResult, req.Result)
	}

	step, err := s.load(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.Status == models.StatusFinished {
		return step, nil
	}

	now := s.now().UTC()
	updates := map[string]any{
		"status":        models.StatusFinished,
		"result":        req.Result,
		"date_finished": now,
	}
	if step.DateStarted == nil {
		updates["date_started"] = now
	}
	if req.Node != "" {
		node, err := models.FindOrCreateNode(s.db(ctx), req.Node)
		if err != nil {
			return nil, err
		}
		updates["node_id"] = node.ID
	}

	res := s.db(ctx).Model(&models.JobStep{}).
		Where("id = ? AND status <> ?", step.ID, models.StatusFinished).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return s.load(ctx, stepID)
	}
	if step, err = s.load(ctx, stepID); err != nil {
		return nil, err
	}

	var job models.Job
	if err := s.db(ctx).First(&job, "id = ?", step.JobID).Error; err != nil {
		return nil, err
	}
	s.bus().Publish(event.New(event.TypeJobStepFinished, job.BuildID, job.ID, step.ID, map[string]string{"result": string(step.Result)}))
	log.Info("job step finished", "jobstep_id", step.ID, "job_id", job.ID, "result", step.Result)

	if step.Result == models.ResultInfraFailed {
		if err := s.replace(ctx, step); err != nil {
			return nil, err
		}
	}

	if err := s.rollup(ctx, &job, step.PhaseID); err != nil {
		return nil, err
	}
	return step, nil
}

// replace creates a replacement for an infra-failed step unless the job
// already failed on infrastructure too often.
func (s *Syncer) replace(ctx context.Context, step *models.JobStep) error {
	var failures int64
	err := s.db(ctx).Model(&models.JobStep{}).
		Where("job_id = ? AND result = ?", step.JobID, models.ResultInfraFailed).
		Count(&failures).Error
	if err != nil {
		return err
	}
	if s.maxInfraFailures > 0 && failures >= int64(s.maxInfraFailures) {
		log.Warn("infra failure limit reached, not replacing step", "jobstep_id", step.ID, "failures", failures)
		return nil
	}

	bs, _, err := buildstep.ForStep(ctx, s.deps, step)
	if err != nil {
		return err
	}
	replacement, err := bs.CreateReplacement(ctx, step)
	switch {
	case errors.Is(err, buildstep.ErrAlreadyReplaced):
		return nil
	case err != nil:
		return fmt.Errorf("replace step %s: %w", step.ID, err)
	}
	step.ReplacementID = &replacement.ID
	return nil
}

// rollup derives phase, job and build state from their children. Replaced
// steps are ignored; their replacements stand in for them.
func (s *Syncer) rollup(ctx context.Context, job *models.Job, phaseID uuid.UUID) error {
	var (
		jobStatus, buildStatus models.Status
		jobResult, buildResult models.Result
	)
	err := s.db(ctx).Transaction(func(tx *gorm.DB) error {
		var steps []models.JobStep
		if err := tx.Where("phase_id = ? AND replacement_id IS NULL", phaseID).Find(&steps).Error; err != nil {
			return err
		}
		status, result := summarize(len(steps), func(i int) (models.Status, models.Result) {
			return steps[i].Status, steps[i].Result
		})
		if err := tx.Model(&models.JobPhase{}).Where("id = ?", phaseID).
			Updates(map[string]any{"status": status, "result": result}).Error; err != nil {
			return err
		}

		var phases []models.JobPhase
		if err := tx.Where("job_id = ?", job.ID).Find(&phases).Error; err != nil {
			return err
		}
		jobStatus, jobResult = summarize(len(phases), func(i int) (models.Status, models.Result) {
			return phases[i].Status, phases[i].Result
		})
		if err := tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(s.progress(jobStatus, jobResult)).Error; err != nil {
			return err
		}

		var jobs []models.Job
		if err := tx.Where("build_id = ?", job.BuildID).Find(&jobs).Error; err != nil {
			return err
		}
		buildStatus, buildResult = summarize(len(jobs), func(i int) (models.Status, models.Result) {
			return jobs[i].Status, jobs[i].Result
		})
		return tx.Model(&models.Build{}).Where("id = ?", job.BuildID).Updates(s.progress(buildStatus, buildResult)).Error
	})
	if err != nil {
		return err
	}

	if jobStatus == models.StatusFinished {
		s.bus().Publish(event.New(event.TypeJobFinished, job.BuildID, job.ID, uuid.Nil, map[string]string{"result": string(jobResult)}))
	}
	if buildStatus == models.StatusFinished {
		s.bus().Publish(event.New(event.TypeBuildFinished, job.BuildID, uuid.Nil, uuid.Nil, map[string]string{"result": string(buildResult)}))
		log.Info("build finished", "build_id", job.BuildID, "result", buildResult)
	}
	return nil
}

func (s *Syncer) progress(status models.Status, result models.Result) map[string]any {
	updates := map[string]any{"status": status, "result": result}
	if status == models.StatusFinished {
		updates["date_finished"] = s.now().UTC()
	}
	return updates
}

// summarize folds children into a parent state: finished with the worst
// result once every child finished, otherwise in progress.
func summarize(n int, at func(int) (models.Status, models.Result)) (models.Status, models.Result) {
	if n == 0 {
		return models.StatusQueued, models.ResultUnknown
	}
	results := make([]models.Result, 0, n)
	done := true
	for i := 0; i < n; i++ {
		status, result := at(i)
		if status != models.StatusFinished {
			done = false
		}
		results = append(results, result)
	}
	if !done {
		return models.StatusInProgress, models.ResultUnknown
	}
	return models.StatusFinished, models.WorstResult(results...)
}

// Expand creates one step per shard in the named phase of the step's job,
// creating the phase on first use.
func (s *Syncer) Expand(ctx context.Context, stepID uuid.UUID, req ExpandRequest) ([]*models.JobStep, error) {
	if req.Phase == "" {
		return nil, problem.Invalid("phase is required", "phase")
	}

	step, err := s.load(ctx, stepID)
	if err != nil {
		return nil, err
	}

	bs, job, err := buildstep.ForStep(ctx, s.deps, step)
	if err != nil {
		return nil, err
	}

	var phase models.JobPhase
	err = s.db(ctx).
		Where(models.JobPhase{JobID: job.ID, Label: req.Phase}).
		Attrs(models.JobPhase{ID: uuid.New(), Status: models.StatusQueued, Result: models.ResultUnknown}).
		FirstOrCreate(&phase).Error
	if err != nil {
		return nil, err
	}

	steps, err := bs.CreateExpanded(ctx, job, &phase, req.Shards)
	if err != nil {
		return nil, err
	}
	log.Info("job step expanded", "jobstep_id", step.ID, "phase", phase.Label, "steps", len(steps))
	return steps, nil
}

func (s *Syncer) load(ctx context.Context, id uuid.UUID) (*models.JobStep, error) {
	var step models.JobStep
	if err := s.db(ctx).First(&step, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("job step", id.String())
		}
		return nil, err
	}
	return &step, nil
}
