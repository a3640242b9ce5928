package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Fixtures seeds rows for tests. Every helper fails the test on error.
type Fixtures struct {
	tb testing.TB
	db *gorm.DB
}

func NewFixtures(tb testing.TB, db *gorm.DB) *Fixtures {
	return &Fixtures{tb: tb, db: db}
}

func (f *Fixtures) create(value any) {
	f.tb.Helper()
	if err := f.db.Create(value).Error; err != nil {
		f.tb.Fatalf("create %T: %v", value, err)
	}
}

func (f *Fixtures) Repository(url string) *models.Repository {
	f.tb.Helper()
	repo := &models.Repository{
		ID:      uuid.New(),
		URL:     url,
		Backend: models.RepositoryBackendGit,
		Status:  models.RepositoryStatusActive,
	}
	f.create(repo)
	return repo
}

func (f *Fixtures) Project(repo *models.Repository, slug string, options map[string]string) *models.Project {
	f.tb.Helper()
	project := &models.Project{
		ID:           uuid.New(),
		Slug:         slug,
		Name:         slug,
		RepositoryID: repo.ID,
		Status:       models.ProjectStatusActive,
	}
	f.create(project)
	for name, value := range options {
		f.ProjectOption(project, name, value)
	}
	return project
}

func (f *Fixtures) ProjectOption(project *models.Project, name, value string) {
	f.tb.Helper()
	if err := f.db.Save(&models.ProjectOption{ProjectID: project.ID, Name: name, Value: value}).Error; err != nil {
		f.tb.Fatalf("save project option: %v", err)
	}
}

// Plan creates an active plan with a single step of the given
// implementation and data.
func (f *Fixtures) Plan(project *models.Project, label, implementation string, data map[string]any, options map[string]string) *models.Plan {
	f.tb.Helper()
	plan := &models.Plan{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Label:     label,
		Status:    models.ProjectStatusActive,
	}
	f.create(plan)

	f.create(&models.PlanStep{
		ID:             uuid.New(),
		PlanID:         plan.ID,
		Implementation: implementation,
		Order:          0,
		Data:           datatypes.JSONMap(data),
	})

	for name, value := range options {
		f.create(&models.PlanOption{PlanID: plan.ID, Name: name, Value: value})
	}
	return plan
}

func (f *Fixtures) Source(repo *models.Repository, sha string, patch *models.Patch) *models.Source {
	f.tb.Helper()
	source := &models.Source{
		ID:           uuid.New(),
		RepositoryID: repo.ID,
		RevisionSHA:  sha,
	}
	if patch != nil {
		source.PatchID = &patch.ID
	}
	f.create(source)
	return source
}

func (f *Fixtures) Patch(repo *models.Repository, sha, diff string) *models.Patch {
	f.tb.Helper()
	patch := &models.Patch{
		ID:                uuid.New(),
		RepositoryID:      repo.ID,
		ParentRevisionSHA: sha,
		Diff:              diff,
	}
	f.create(patch)
	return patch
}

// BuildOpts tweaks the build created by Build.
type BuildOpts struct {
	Number    int
	Status    models.Status
	Result    models.Result
	Cause     models.Cause
	CreatedAt time.Time
}

func (f *Fixtures) Build(project *models.Project, source *models.Source, opts BuildOpts) *models.Build {
	f.tb.Helper()
	if opts.Status == "" {
		opts.Status = models.StatusQueued
	}
	if opts.Result == "" {
		opts.Result = models.ResultUnknown
	}
	if opts.Cause == "" {
		opts.Cause = models.CauseManual
	}
	if opts.Number == 0 {
		var max int
		f.db.Model(&models.Build{}).Where("project_id = ?", project.ID).Select("COALESCE(MAX(number), 0)").Scan(&max)
		opts.Number = max + 1
	}
	build := &models.Build{
		ID:                     uuid.New(),
		ProjectID:              project.ID,
		Number:                 opts.Number,
		SourceID:               source.ID,
		CollectionID:           uuid.New(),
		Label:                  "build label",
		Target:                 source.RevisionSHA,
		Message:                "message",
		Author:                 "dev@example.com",
		Cause:                  opts.Cause,
		Status:                 opts.Status,
		Result:                 opts.Result,
		SelectiveTestingPolicy: models.SelectiveTestingDisabled,
		CreatedAt:              opts.CreatedAt,
	}
	f.create(build)
	return build
}

// Job creates a queued job for plan, freezing the plan's first step.
func (f *Fixtures) Job(build *models.Build, plan *models.Plan) *models.Job {
	f.tb.Helper()
	var step models.PlanStep
	if err := f.db.Where("plan_id = ?", plan.ID).Order("step_order ASC").First(&step).Error; err != nil {
		f.tb.Fatalf("load plan step: %v", err)
	}
	raw, err := json.Marshal(map[string]any{
		"implementation": step.Implementation,
		"data":           step.Data,
	})
	if err != nil {
		f.tb.Fatalf("marshal step config: %v", err)
	}

	var max int
	f.db.Model(&models.Job{}).Where("build_id = ?", build.ID).Select("COALESCE(MAX(number), 0)").Scan(&max)

	job := &models.Job{
		ID:         uuid.New(),
		BuildID:    build.ID,
		Number:     max + 1,
		ProjectID:  build.ProjectID,
		PlanID:     plan.ID,
		SourceID:   build.SourceID,
		Label:      plan.Label,
		Status:     models.StatusQueued,
		Result:     models.ResultUnknown,
		StepConfig: datatypes.JSON(raw),
	}
	f.create(job)
	return job
}

func (f *Fixtures) Phase(job *models.Job, label string) *models.JobPhase {
	f.tb.Helper()
	phase := &models.JobPhase{
		ID:     uuid.New(),
		JobID:  job.ID,
		Label:  label,
		Status: models.StatusQueued,
		Result: models.ResultUnknown,
	}
	f.create(phase)
	return phase
}

// Step creates a step in the given status with an explicit creation time so
// ordering is deterministic.
func (f *Fixtures) Step(phase *models.JobPhase, projectID uuid.UUID, status models.Status, createdAt time.Time) *models.JobStep {
	f.tb.Helper()
	step := &models.JobStep{
		ID:        uuid.New(),
		JobID:     phase.JobID,
		PhaseID:   phase.ID,
		ProjectID: projectID,
		Label:     phase.Label,
		Status:    status,
		Result:    models.ResultUnknown,
		Data:      datatypes.JSONMap{},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	f.create(step)
	return step
}

func (f *Fixtures) Node(label string) *models.Node {
	f.tb.Helper()
	node := &models.Node{ID: uuid.New(), Label: label}
	f.create(node)
	return node
}

func (f *Fixtures) Snapshot(project *models.Project, status models.SnapshotStatus) *models.Snapshot {
	f.tb.Helper()
	snapshot := &models.Snapshot{ID: uuid.New(), ProjectID: project.ID, Status: status}
	f.create(snapshot)
	return snapshot
}

func (f *Fixtures) SnapshotImage(snapshot *models.Snapshot, plan *models.Plan, status models.SnapshotStatus) *models.SnapshotImage {
	f.tb.Helper()
	image := &models.SnapshotImage{ID: uuid.New(), SnapshotID: snapshot.ID, PlanID: plan.ID, Status: status}
	f.create(image)
	return image
}

// Cached marks image as held by its plan's cluster until expiration.
func (f *Fixtures) Cached(image *models.SnapshotImage, expiration *time.Time) *models.CachedSnapshotImage {
	f.tb.Helper()
	cached := &models.CachedSnapshotImage{ID: image.ID, ExpirationDate: expiration}
	f.create(cached)
	return cached
}
