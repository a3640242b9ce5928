package buildstep

import (
	"context"
	"time"

	"github.com/caesium-cloud/quarry/internal/metrics"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/pkg/jsonmap"
	"github.com/caesium-cloud/quarry/pkg/jsonutil"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Dummy runs its commands verbatim in a single step. It never checks out
// code and never produces snapshots.
type Dummy struct {
	deps     Deps
	commands []CommandConfig
}

func newDummy(deps Deps, data map[string]any) (BuildStep, error) {
	cfg, err := jsonutil.Convert[struct {
		Commands []CommandConfig `json:"commands"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &Dummy{deps: deps, commands: cfg.Commands}, nil
}

func (d *Dummy) CanSnapshot() bool {
	return false
}

func (d *Dummy) Execute(ctx context.Context, job *models.Job) error {
	err := d.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.JobPhase{}).Where("job_id = ?", job.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}

		now := time.Now().UTC()
		phase := &models.JobPhase{
			ID:        uuid.New(),
			JobID:     job.ID,
			Label:     job.Label,
			Status:    models.StatusQueued,
			Result:    models.ResultUnknown,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(phase).Error; err != nil {
			return err
		}

		templates := make([]*models.Command, 0, len(d.commands))
		for _, cmd := range d.commands {
			templates = append(templates, verbatim(cmd.Script, cmd.Type, cmd.Env))
		}
		_, err := createStep(tx, newStep(job, phase, job.Label, nil, datatypes.JSONMap{}, now), templates)
		return err
	})
	if err == nil {
		metrics.JobsMaterializedTotal.WithLabelValues(ImplementationDummy).Inc()
	}
	return err
}

func (d *Dummy) CreateReplacement(ctx context.Context, step *models.JobStep) (*models.JobStep, error) {
	return createReplacement(ctx, d.deps, step)
}

func (d *Dummy) CreateExpanded(ctx context.Context, job *models.Job, phase *models.JobPhase, shards []Shard) ([]*models.JobStep, error) {
	if err := validateShards(shards); err != nil {
		return nil, err
	}

	var steps []*models.JobStep
	err := d.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for i, shard := range shards {
			templates := make([]*models.Command, 0, len(shard.Commands))
			for _, cmd := range shard.Commands {
				templates = append(templates, verbatim(cmd.Script, cmd.Type, cmd.Env))
			}
			step := newStep(job, phase, shard.Label, nil, datatypes.JSONMap{models.StepDataExpanded: true}, stamp(now, i, len(shards)))
			if _, err := createStep(tx, step, templates); err != nil {
				return err
			}
			steps = append(steps, step)
		}
		return nil
	})
	return steps, err
}

func (d *Dummy) AllocationParams(_ context.Context, step *models.JobStep) (map[string]string, error) {
	return map[string]string{
		"adapter":    "dummy",
		"server":     d.deps.Env.BaseURI,
		"jobstep_id": step.ID.String(),
	}, nil
}

func verbatim(script string, t models.CommandType, env map[string]string) *models.Command {
	if t == "" {
		t = models.CommandTypeDefault
	}
	return &models.Command{
		Label:     labelFromScript(script),
		Script:    script,
		Env:       jsonmap.FromStringMap(env),
		Artifacts: []string{},
		Type:      t,
	}
}
