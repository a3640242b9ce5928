// Package allocation hands queued job steps to agents. Selecting a step and
// claiming it happen in one conditional update so two callers never receive
// the same step.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/metrics"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

const (
	defaultCandidates = 64
	anyCluster        = "any"
)

var ErrStepNotFound = errors.New("job step not found")

// NotAllocatedError is returned when deallocating a step that is not
// allocated. Actual is the step's current status.
type NotAllocatedError struct {
	Actual models.Status
}

func (e *NotAllocatedError) Error() string {
	return fmt.Sprintf("job step is %s, not allocated", e.Actual)
}

// AllocateRequest narrows which steps a caller accepts.
type AllocateRequest struct {
	// Cluster restricts allocation to steps of the named cluster.
	Cluster string
}

type Allocator struct {
	db         *gorm.DB
	bus        event.Bus
	candidates int
}

func NewAllocator(db *gorm.DB, bus event.Bus) *Allocator {
	if bus == nil {
		bus = event.Nop()
	}
	return &Allocator{db: db, bus: bus, candidates: defaultCandidates}
}

// Allocate claims the most recently created queued step, or returns nil
// when none is queued. Candidates lost to a concurrent caller are skipped.
func (a *Allocator) Allocate(ctx context.Context, req AllocateRequest) (*models.JobStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	label := req.Cluster
	if label == "" {
		label = anyCluster
	}

	var claimed *models.JobStep
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", models.StatusQueued)
		if req.Cluster != "" {
			q = q.Where("cluster_id IN (?)", tx.Model(&models.Cluster{}).Select("id").Where("label = ?", req.Cluster))
		}

		var candidates []models.JobStep
		err := q.Order("created_at DESC, id DESC").Limit(a.candidates).Find(&candidates).Error
		if err != nil || len(candidates) == 0 {
			return err
		}

		for _, candidate := range candidates {
			result := tx.Model(&models.JobStep{}).
				Where("id = ? AND status = ?", candidate.ID, models.StatusQueued).
				Updates(map[string]any{
					"status":     models.StatusAllocated,
					"updated_at": time.Now().UTC(),
				})
			if result.Error != nil {
				if isContentionErr(result.Error) {
					metrics.StepAllocationContentionTotal.WithLabelValues(label).Inc()
				}
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Another caller won the race.
				metrics.StepAllocationContentionTotal.WithLabelValues(label).Inc()
				continue
			}

			step := &models.JobStep{}
			if err := tx.First(step, "id = ?", candidate.ID).Error; err != nil {
				return err
			}
			claimed = step
			return nil
		}
		return nil
	})

	outcome := "allocated"
	switch {
	case err != nil:
		outcome = "error"
	case claimed == nil:
		outcome = "empty"
	}
	metrics.StepAllocationDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}

	metrics.StepAllocationsTotal.WithLabelValues(label).Inc()
	a.publish(ctx, event.TypeJobStepAllocated, claimed)
	log.Info("job step allocated", "jobstep_id", claimed.ID, "job_id", claimed.JobID, "cluster", label)
	return claimed, nil
}

// Deallocate returns an allocated step to pending_allocation. Any other
// status is left untouched and reported through NotAllocatedError.
func (a *Allocator) Deallocate(ctx context.Context, stepID uuid.UUID) (*models.JobStep, error) {
	var step models.JobStep
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&step, "id = ?", stepID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStepNotFound
			}
			return err
		}
		if step.Status != models.StatusAllocated {
			return &NotAllocatedError{Actual: step.Status}
		}

		result := tx.Model(&models.JobStep{}).
			Where("id = ? AND status = ?", stepID, models.StatusAllocated).
			Updates(map[string]any{
				"status":     models.StatusPendingAllocation,
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := tx.First(&step, "id = ?", stepID).Error; err != nil {
				return err
			}
			return &NotAllocatedError{Actual: step.Status}
		}
		step.Status = models.StatusPendingAllocation
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.publish(ctx, event.TypeJobStepDeallocated, &step)
	log.Info("job step deallocated", "jobstep_id", step.ID)
	return &step, nil
}

// Redispatch moves every pending_allocation step back to queued and
// returns how many moved.
func (a *Allocator) Redispatch(ctx context.Context) (int64, error) {
	result := a.db.WithContext(ctx).
		Model(&models.JobStep{}).
		Where("status = ?", models.StatusPendingAllocation).
		Updates(map[string]any{
			"status":     models.StatusQueued,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		metrics.StepsRedispatchedTotal.Add(float64(result.RowsAffected))
		log.Info("redispatched job steps", "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

func (a *Allocator) publish(ctx context.Context, t event.Type, step *models.JobStep) {
	var job models.Job
	if err := a.db.WithContext(ctx).Select("id", "build_id").First(&job, "id = ?", step.JobID).Error; err != nil {
		log.Warn("failed to load job for event", "jobstep_id", step.ID, "error", err)
		return
	}
	a.bus.Publish(event.New(t, job.BuildID, job.ID, step.ID, map[string]string{"status": string(step.Status)}))
}

func isContentionErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
