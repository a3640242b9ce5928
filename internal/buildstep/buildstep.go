// Package buildstep materializes plans into phases, steps and commands, and
// creates replacement and expanded steps for jobs already running.
package buildstep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/pkg/env"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrUnknownImplementation = errors.New("unknown build step implementation")
	ErrAlreadyReplaced       = errors.New("job step already has a replacement")
	ErrInvalidConfig         = errors.New("invalid build step config")
)

// BuildStep is one implementation of how a plan turns into work.
type BuildStep interface {
	// Execute materializes the job's phases, steps and commands. All rows
	// become visible together.
	Execute(ctx context.Context, job *models.Job) error
	// CreateReplacement creates a fresh step retrying step in its phase.
	CreateReplacement(ctx context.Context, step *models.JobStep) (*models.JobStep, error)
	// CreateExpanded fans a phase out into one step per shard.
	CreateExpanded(ctx context.Context, job *models.Job, phase *models.JobPhase, shards []Shard) ([]*models.JobStep, error)
	// AllocationParams is the key/value set handed to the agent running step.
	AllocationParams(ctx context.Context, step *models.JobStep) (map[string]string, error)
	CanSnapshot() bool
}

// Shard describes one expanded step.
type Shard struct {
	Label     string         `json:"label"`
	Commands  []ShardCommand `json:"commands"`
	Path      string         `json:"path,omitempty"`
	Weight    int            `json:"weight,omitempty"`
	Tests     []string       `json:"tests,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
}

// ShardCommand is one command of an expanded step.
type ShardCommand struct {
	Script string             `json:"script"`
	Type   models.CommandType `json:"type,omitempty"`
	Env    map[string]string  `json:"env,omitempty"`
}

// Deps are the collaborators build steps are constructed with.
type Deps struct {
	DB  *gorm.DB
	Bus event.Bus
	Env env.Environment
}

func (d Deps) bus() event.Bus {
	if d.Bus == nil {
		return event.Nop()
	}
	return d.Bus
}

type factory func(deps Deps, data map[string]any) (BuildStep, error)

var registry = map[string]factory{
	ImplementationDefault: newDefault,
	ImplementationDummy:   newDummy,
}

const (
	ImplementationDefault = "default"
	ImplementationDummy   = "dummy"
)

// New constructs the named implementation with its config data.
func New(name string, deps Deps, data map[string]any) (BuildStep, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownImplementation, name)
	}
	return build(deps, data)
}

// Implementations lists the registered implementation names.
func Implementations() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// frozenConfig is the shape of Job.StepConfig.
type frozenConfig struct {
	Implementation string         `json:"implementation"`
	Data           map[string]any `json:"data"`
}

// Freeze captures a plan step so the job keeps it even if the plan changes.
func Freeze(step *models.PlanStep) (datatypes.JSON, error) {
	raw, err := json.Marshal(frozenConfig{Implementation: step.Implementation, Data: step.Data})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// ForJob constructs the build step frozen into a job.
func ForJob(deps Deps, job *models.Job) (BuildStep, error) {
	var cfg frozenConfig
	if err := json.Unmarshal(job.StepConfig, &cfg); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrInvalidConfig, job.ID, err)
	}
	return New(cfg.Implementation, deps, cfg.Data)
}

// ForPlan constructs the build step of a plan's lowest-ordered step.
func ForPlan(deps Deps, db *gorm.DB, plan *models.Plan) (BuildStep, error) {
	step, err := models.BuildStep(db, plan.ID)
	if err != nil {
		return nil, err
	}
	return New(step.Implementation, deps, step.Data)
}

// ForStep constructs the build step of the job a step belongs to.
func ForStep(ctx context.Context, deps Deps, step *models.JobStep) (BuildStep, *models.Job, error) {
	var job models.Job
	if err := deps.DB.WithContext(ctx).First(&job, "id = ?", step.JobID).Error; err != nil {
		return nil, nil, err
	}
	bs, err := ForJob(deps, &job)
	return bs, &job, err
}
