package buildstep

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
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// replacementDataKeys are the only step data carried over to a replacement.
var replacementDataKeys = []string{
	models.StepDataExpanded,
	models.StepDataWeight,
	models.StepDataTests,
	models.StepDataShardCount,
	models.StepDataRelease,
	models.StepDataCPUs,
	models.StepDataMemory,
}

// nodeCache resolves node labels for the duration of one call.
type nodeCache struct {
	db     *gorm.DB
	labels map[uuid.UUID]string
}

func newNodeCache(db *gorm.DB) *nodeCache {
	return &nodeCache{db: db, labels: map[uuid.UUID]string{}}
}

func (c *nodeCache) label(id uuid.UUID) (string, error) {
	if label, ok := c.labels[id]; ok {
		return label, nil
	}
	var node models.Node
	if err := c.db.First(&node, "id = ?", id).Error; err != nil {
		return "", err
	}
	c.labels[id] = node.Label
	return node.Label, nil
}

// createReplacement clones step into a fresh queued step of the same phase
// and links step to it. A step is replaced at most once.
func createReplacement(ctx context.Context, deps Deps, step *models.JobStep) (*models.JobStep, error) {
	var replacement *models.JobStep

	err := deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.JobStep
		if err := tx.First(&current, "id = ?", step.ID).Error; err != nil {
			return err
		}
		if current.ReplacementID != nil {
			return ErrAlreadyReplaced
		}

		commands, err := loadCommands(tx, current.ID)
		if err != nil {
			return fmt.Errorf("load commands: %w", err)
		}

		data := datatypes.JSONMap{}
		for _, key := range replacementDataKeys {
			if value, ok := current.Data[key]; ok {
				data[key] = value
			}
		}
		if current.NodeID != nil {
			label, err := newNodeCache(tx).label(*current.NodeID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("load node: %w", err)
			}
			if label != "" {
				data[models.StepDataAvoidNode] = label
			}
		}

		now := time.Now().UTC()
		replacement = &models.JobStep{
			ID:        uuid.New(),
			JobID:     current.JobID,
			PhaseID:   current.PhaseID,
			ProjectID: current.ProjectID,
			Label:     current.Label,
			Status:    models.StatusQueued,
			Result:    models.ResultUnknown,
			ClusterID: current.ClusterID,
			Data:      data,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := createStep(tx, replacement, commands); err != nil {
			return err
		}

		result := tx.Model(&models.JobStep{}).
			Where("id = ? AND replacement_id IS NULL", current.ID).
			Update("replacement_id", replacement.ID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAlreadyReplaced
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	step.ReplacementID = &replacement.ID

	metrics.JobStepsCreatedTotal.WithLabelValues("replacement").Inc()
	var job models.Job
	if err := deps.DB.WithContext(ctx).Select("id", "build_id").First(&job, "id = ?", step.JobID).Error; err != nil {
		log.Warn("load job for replacement event", "job_id", step.JobID, "error", err)
	}
	deps.bus().Publish(event.New(event.TypeJobStepReplaced, job.BuildID, step.JobID, step.ID, map[string]string{
		"replacement_id": replacement.ID.String(),
	}))
	log.Info("replaced job step", "jobstep_id", step.ID, "replacement_id", replacement.ID)

	return replacement, nil
}
