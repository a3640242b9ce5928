package buildstep

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/metrics"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/pkg/jsonmap"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Default runs the declared commands after checking out every repository
// of the project.
type Default struct {
	deps Deps
	cfg  *Config
}

func newDefault(deps Deps, data map[string]any) (BuildStep, error) {
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return &Default{deps: deps, cfg: cfg}, nil
}

func (d *Default) CanSnapshot() bool {
	return true
}

func (d *Default) Execute(ctx context.Context, job *models.Job) error {
	db := d.deps.DB.WithContext(ctx)

	var build models.Build
	if err := db.First(&build, "id = ?", job.BuildID).Error; err != nil {
		return fmt.Errorf("load build: %w", err)
	}

	infra, err := d.infraCommands(ctx, d.deps.DB, job)
	if err != nil {
		return err
	}

	commands := d.cfg.Commands
	if build.Cause == models.CauseSnapshot {
		commands = withoutTestCommands(commands)
	}

	label := build.Label
	if label == "" {
		label = job.Label
	}
	segments := groupCommands(commands, label)
	if len(segments) == 0 {
		// a snapshot of a plan with only test commands still checks out
		segments = []segment{{label: label}}
	}

	var steps []*models.JobStep
	err = db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.JobPhase{}).Where("job_id = ?", job.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return errAlreadyMaterialized
		}

		clusterID, err := d.clusterID(tx)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, seg := range segments {
			at := stamp(now, i, len(segments))
			phase := &models.JobPhase{
				ID:        uuid.New(),
				JobID:     job.ID,
				Label:     seg.label,
				Status:    models.StatusQueued,
				Result:    models.ResultUnknown,
				CreatedAt: at,
				UpdatedAt: at,
			}
			if err := tx.Create(phase).Error; err != nil {
				return fmt.Errorf("create phase: %w", err)
			}

			templates := append([]*models.Command{}, infra...)
			for _, cmd := range seg.commands {
				templates = append(templates, d.cfg.resolve(cmd))
			}

			step := newStep(job, phase, seg.label, clusterID, d.stepData(), at)
			if _, err := createStep(tx, step, templates); err != nil {
				return err
			}
			steps = append(steps, step)
		}
		return nil
	})
	if errors.Is(err, errAlreadyMaterialized) {
		log.Info("job already materialized", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return err
	}

	metrics.JobsMaterializedTotal.WithLabelValues(ImplementationDefault).Inc()
	metrics.JobStepsCreatedTotal.WithLabelValues("materialized").Add(float64(len(steps)))
	d.deps.bus().Publish(event.New(event.TypeJobMaterialized, job.BuildID, job.ID, uuid.Nil, map[string]int{"steps": len(steps)}))
	log.Info("materialized job", "job_id", job.ID, "build_id", job.BuildID, "steps", len(steps))

	return nil
}

func (d *Default) CreateReplacement(ctx context.Context, step *models.JobStep) (*models.JobStep, error) {
	return createReplacement(ctx, d.deps, step)
}

func (d *Default) CreateExpanded(ctx context.Context, job *models.Job, phase *models.JobPhase, shards []Shard) ([]*models.JobStep, error) {
	if err := validateShards(shards); err != nil {
		return nil, err
	}

	db := d.deps.DB.WithContext(ctx)
	var steps []*models.JobStep
	err := db.Transaction(func(tx *gorm.DB) error {
		infra, err := d.jobInfraCommands(ctx, tx, job)
		if err != nil {
			return err
		}
		clusterID, err := d.clusterID(tx)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, shard := range shards {
			templates := append([]*models.Command{}, infra...)
			for _, cmd := range shard.Commands {
				templates = append(templates, d.cfg.resolveShard(shard, cmd))
			}

			data := d.stepData()
			data[models.StepDataExpanded] = true
			data[models.StepDataShardCount] = len(shards)
			if shard.Weight > 0 {
				data[models.StepDataWeight] = shard.Weight
			}
			if len(shard.Tests) > 0 {
				data[models.StepDataTests] = shard.Tests
			}

			step := newStep(job, phase, shard.Label, clusterID, data, stamp(now, i, len(shards)))
			if _, err := createStep(tx, step, templates); err != nil {
				return err
			}
			steps = append(steps, step)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.JobStepsCreatedTotal.WithLabelValues("expanded").Add(float64(len(steps)))
	d.deps.bus().Publish(event.New(event.TypeJobStepExpanded, job.BuildID, job.ID, uuid.Nil, map[string]int{"steps": len(steps)}))
	return steps, nil
}

// jobInfraCommands reuses the checkout and config removal commands already
// rendered for the job, rendering them only when the job has no steps yet.
// Infra commands declared by the plan are not carried into shards.
func (d *Default) jobInfraCommands(ctx context.Context, tx *gorm.DB, job *models.Job) ([]*models.Command, error) {
	rendered := len(d.cfg.OtherRepos) + 2

	var first models.JobStep
	err := tx.Where("job_id = ?", job.ID).Order("created_at ASC, id ASC").First(&first).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return d.infraCommands(ctx, tx, job)
	case err != nil:
		return nil, err
	}

	var infra []*models.Command
	err = tx.Where("job_step_id = ? AND type = ?", first.ID, models.CommandTypeInfraSetup).
		Order("command_order ASC").
		Limit(rendered).
		Find(&infra).Error
	if err != nil {
		return nil, err
	}
	if len(infra) < rendered {
		return d.infraCommands(ctx, tx, job)
	}
	return infra, nil
}

func (d *Default) AllocationParams(ctx context.Context, step *models.JobStep) (map[string]string, error) {
	db := d.deps.DB.WithContext(ctx)

	var job models.Job
	if err := db.First(&job, "id = ?", step.JobID).Error; err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	adapter := d.cfg.Adapter
	if adapter == "" {
		adapter = d.deps.Env.DefaultAdapter
	}

	release := jsonmap.String(step.Data, models.StepDataRelease)
	if release == "" {
		release = d.release()
	}

	searchPath := d.cfg.ArtifactSearchPath
	if searchPath == "" {
		searchPath = path.Join(d.cfg.Path, d.cfg.RepoPath)
	}

	params := map[string]string{
		"adapter":              adapter,
		"server":               d.deps.Env.BaseURI,
		"jobstep_id":           step.ID.String(),
		"release":              release,
		"artifact-search-path": searchPath,
	}
	for key, value := range map[string]string{
		"s3-bucket":   d.deps.Env.ArtifactBucket,
		"pre-launch":  d.deps.Env.PreLaunch,
		"post-launch": d.deps.Env.PostLaunch,
	} {
		if value != "" {
			params[key] = value
		}
	}

	if cpus := jsonmap.Int(step.Data, models.StepDataCPUs, 0); cpus > 0 {
		params["cpus"] = strconv.Itoa(cpus)
	}
	if mem := jsonmap.Int(step.Data, models.StepDataMemory, 0); mem > 0 {
		params["mem"] = strconv.Itoa(mem)
	}
	if jsonmap.Bool(step.Data, models.StepDataExpanded) {
		params["expanded"] = "1"
	}

	if job.SnapshotImageID != nil {
		params["snapshot"] = job.SnapshotImageID.String()
	}

	var image models.SnapshotImage
	err := db.Where("job_id = ?", job.ID).First(&image).Error
	switch {
	case err == nil:
		params["save-snapshot"] = image.ID.String()
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("load snapshot image: %w", err)
	}

	return params, nil
}

func (d *Default) clusterID(tx *gorm.DB) (*uuid.UUID, error) {
	if d.cfg.Cluster == "" {
		return nil, nil
	}
	cluster, err := models.FindOrCreateCluster(tx, d.cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("resolve cluster: %w", err)
	}
	return &cluster.ID, nil
}

func (d *Default) release() string {
	if d.cfg.Release != "" {
		return d.cfg.Release
	}
	return d.deps.Env.DefaultRelease
}

func (d *Default) stepData() datatypes.JSONMap {
	data := datatypes.JSONMap{models.StepDataRelease: d.release()}
	if d.cfg.CPUs > 0 {
		data[models.StepDataCPUs] = d.cfg.CPUs
	}
	if d.cfg.Memory > 0 {
		data[models.StepDataMemory] = d.cfg.Memory
	}
	return data
}

var errAlreadyMaterialized = errors.New("job already materialized")

func validateShards(shards []Shard) error {
	if len(shards) == 0 {
		return problem.Invalid("at least one shard is required", "shards")
	}
	var fields []string
	for i, shard := range shards {
		if shard.Label == "" {
			fields = append(fields, fmt.Sprintf("shards[%d].label", i))
		}
		if len(shard.Commands) == 0 {
			fields = append(fields, fmt.Sprintf("shards[%d].commands", i))
		}
		for j, cmd := range shard.Commands {
			if cmd.Script == "" {
				fields = append(fields, fmt.Sprintf("shards[%d].commands[%d].script", i, j))
			}
			if cmd.Type != "" && !cmd.Type.IsValid() {
				fields = append(fields, fmt.Sprintf("shards[%d].commands[%d].type", i, j))
			}
		}
	}
	if len(fields) > 0 {
		return problem.Invalid("", fields...)
	}
	return nil
}
