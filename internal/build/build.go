// Package build turns "build this" into builds and jobs: it numbers builds
// per project, creates one job per eligible plan and handles retries.
package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/metrics"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/projectconfig"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/caesium-cloud/quarry/internal/trigger"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNoSnapshotPlans = errors.New("no plans participate in snapshots")

// JobQueue receives jobs to materialize once the creating transaction has
// committed.
type JobQueue interface {
	EnqueueJob(ctx context.Context, jobID uuid.UUID) error
}

// Service creates and retries builds.
type Service struct {
	deps      buildstep.Deps
	snapshots *snapshot.Service
	vcs       vcs.Factory
	queue     JobQueue
}

func NewService(deps buildstep.Deps, snapshots *snapshot.Service, factory vcs.Factory) *Service {
	return &Service{deps: deps, snapshots: snapshots, vcs: factory}
}

// SetQueue wires the materialization queue. Without one, created jobs stay
// queued until something else materializes them.
func (s *Service) SetQueue(queue JobQueue) {
	s.queue = queue
}

func (s *Service) db(ctx context.Context) *gorm.DB {
	return s.deps.DB.WithContext(ctx)
}

func (s *Service) bus() event.Bus {
	if s.deps.Bus == nil {
		return event.Nop()
	}
	return s.deps.Bus
}

// CreateRequest describes builds to create for a set of projects sharing
// one source.
type CreateRequest struct {
	Projects []*models.Project
	Source   *models.Source
	Label    string
	Target   string
	Message  string
	Author   string
	Cause    models.Cause
	Priority int

	// SnapshotID is the snapshot jobs launch from. Nil with NoSnapshot
	// unset falls back to each project's current snapshot.
	SnapshotID *uuid.UUID
	NoSnapshot bool

	// SelectiveTesting computes each build's selective-testing policy.
	SelectiveTesting bool

	// CollectionID groups builds from one triggering event. Zero mints one.
	CollectionID uuid.UUID
}

// Create creates one build per project, each with one job per plan not
// excluded by snapshot requirements. Projects fail independently: the
// builds that were created are returned along with the joined errors of
// the projects that failed.
func (s *Service) Create(ctx context.Context, req CreateRequest) ([]*models.Build, error) {
	if req.Source == nil {
		return nil, problem.Invalid("", "source")
	}
	if req.CollectionID == uuid.Nil {
		req.CollectionID = uuid.New()
	}
	if req.Cause == "" {
		req.Cause = models.CauseUnknown
	}

	var (
		builds = make([]*models.Build, 0, len(req.Projects))
		errs   []error
	)
	for _, project := range req.Projects {
		build, jobs, err := s.createOne(ctx, project, req)
		if err != nil {
			log.Error("build creation failed", "project", project.Slug, "source_id", req.Source.ID, "error", err)
			errs = append(errs, fmt.Errorf("create build for %s: %w", project.Slug, err))
			continue
		}
		s.created(ctx, project, build, jobs)
		builds = append(builds, build)
	}
	return builds, errors.Join(errs...)
}

func (s *Service) createOne(ctx context.Context, project *models.Project, req CreateRequest) (*models.Build, []*models.Job, error) {
	policy := models.SelectiveTestingDisabled
	var message string
	if req.SelectiveTesting {
		computed, err := s.selectiveTesting(ctx, project, req.Source)
		if err != nil {
			return nil, nil, err
		}
		policy = computed.Policy
		if !computed.Enabled() {
			message = computed.Message()
		}
	}
	return s.createWith(ctx, project, req, policy, message)
}

// createWith creates one build of project and its jobs in a single
// transaction. A non-empty message is attached to the build.
func (s *Service) createWith(ctx context.Context, project *models.Project, req CreateRequest, policy models.SelectiveTestingPolicy, message string) (*models.Build, []*models.Job, error) {
	snapshotID, err := s.requestedSnapshot(ctx, project, req)
	if err != nil {
		return nil, nil, err
	}

	plans, err := s.activePlans(ctx, project)
	if err != nil {
		return nil, nil, err
	}

	type planImage struct {
		plan  *models.Plan
		image *uuid.UUID
	}
	selected := make([]planImage, 0, len(plans))
	for _, plan := range plans {
		image, skip, err := s.snapshots.Choose(ctx, plan, snapshotID)
		if err != nil {
			return nil, nil, err
		}
		if skip {
			log.Info("plan skipped, required snapshot image missing", "project", project.Slug, "plan", plan.Label, "snapshot_id", snapshotID)
			continue
		}
		var imageID *uuid.UUID
		if image != nil {
			imageID = &image.ID
		}
		selected = append(selected, planImage{plan: plan, image: imageID})
	}

	var (
		build *models.Build
		jobs  []*models.Job
	)
	err = s.db(ctx).Transaction(func(tx *gorm.DB) error {
		build, err = insertBuild(tx, project, req.Source, buildFields{
			label:        req.Label,
			target:       req.Target,
			message:      req.Message,
			author:       req.Author,
			cause:        req.Cause,
			priority:     req.Priority,
			collectionID: req.CollectionID,
			policy:       policy,
		})
		if err != nil {
			return err
		}

		if message != "" {
			if err := addMessage(tx, build, message); err != nil {
				return err
			}
		}

		for _, pi := range selected {
			job, err := insertJob(tx, build, pi.plan, pi.image)
			if err != nil {
				return err
			}
			if job != nil {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return build, jobs, nil
}

// requestedSnapshot resolves the snapshot a build asks for.
func (s *Service) requestedSnapshot(ctx context.Context, project *models.Project, req CreateRequest) (*uuid.UUID, error) {
	switch {
	case req.NoSnapshot:
		return nil, nil
	case req.SnapshotID != nil:
		return req.SnapshotID, nil
	}

	current, err := s.snapshots.Current(ctx, project.ID)
	if err != nil || current == nil {
		return nil, err
	}
	return &current.ID, nil
}

func (s *Service) activePlans(ctx context.Context, project *models.Project) ([]*models.Plan, error) {
	var plans []*models.Plan
	err := s.db(ctx).
		Where("project_id = ? AND status = ?", project.ID, models.ProjectStatusActive).
		Order("created_at ASC, label ASC").
		Find(&plans).Error
	return plans, err
}

// created runs the post-commit side effects of a new build.
func (s *Service) created(ctx context.Context, project *models.Project, build *models.Build, jobs []*models.Job) {
	metrics.BuildsCreatedTotal.WithLabelValues(project.Slug, string(build.Cause)).Inc()
	s.bus().Publish(event.New(event.TypeBuildCreated, build.ID, uuid.Nil, uuid.Nil, map[string]any{
		"project": project.Slug,
		"number":  build.Number,
		"jobs":    len(jobs),
	}))
	log.Info("build created", "build_id", build.ID, "project", project.Slug, "number", build.Number, "cause", build.Cause, "jobs", len(jobs))

	if s.queue == nil {
		return
	}
	for _, job := range jobs {
		if err := s.queue.EnqueueJob(ctx, job.ID); err != nil {
			log.Error("failed to enqueue job", "job_id", job.ID, "error", err)
		}
	}
}

// selectiveTesting computes the selective-testing policy of project for
// source.
func (s *Service) selectiveTesting(ctx context.Context, project *models.Project, source *models.Source) (trigger.Policy, error) {
	options, err := models.LoadProjectOptions(s.db(ctx), project.ID)
	if err != nil {
		return trigger.Policy{}, err
	}

	diff, err := s.sourceDiff(ctx, source)
	if err != nil {
		return trigger.Policy{}, err
	}

	var repo models.Repository
	if err := s.db(ctx).First(&repo, "id = ?", project.RepositoryID).Error; err != nil {
		return trigger.Policy{}, err
	}

	return trigger.NewEvaluator(s.deps.DB, s.reader(&repo), s.deps.Env.SelectiveTestingEnabled).
		SelectiveTestingPolicy(ctx, project, options, source.RevisionSHA, diff), nil
}

// reader returns the config reader of repo. Repositories this process
// cannot mirror read as having no config.
func (s *Service) reader(repo *models.Repository) projectconfig.Reader {
	if s.vcs != nil {
		if client, err := s.vcs(repo); err == nil {
			return client
		}
	}
	return noConfig{}
}

type noConfig struct{}

func (noConfig) ReadFile(context.Context, string, string, string) (string, error) {
	return "", vcs.ErrFileNotFound
}

func (s *Service) sourceDiff(ctx context.Context, source *models.Source) (string, error) {
	if source.PatchID == nil {
		return "", nil
	}
	var patch models.Patch
	if err := s.db(ctx).First(&patch, "id = ?", *source.PatchID).Error; err != nil {
		return "", err
	}
	return patch.Diff, nil
}

// Get returns a build by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	var build models.Build
	if err := s.db(ctx).First(&build, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("build", id.String())
		}
		return nil, err
	}
	return &build, nil
}

// Ensure returns the most recent build of project for the exact revision
// sha with no patch applied, or nil.
func (s *Service) Ensure(ctx context.Context, project *models.Project, sha string) (*models.Build, error) {
	var build models.Build
	err := s.db(ctx).
		Joins("JOIN sources ON sources.id = builds.source_id").
		Where("builds.project_id = ? AND sources.revision_sha = ? AND sources.patch_id IS NULL", project.ID, sha).
		Order("builds.number DESC").
		First(&build).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &build, nil
}

type buildFields struct {
	label        string
	target       string
	message      string
	author       string
	cause        models.Cause
	priority     int
	collectionID uuid.UUID
	policy       models.SelectiveTestingPolicy
}

// insertBuild creates the next numbered build of project. The number is
// read and written inside tx; the unique index rejects a concurrent twin.
func insertBuild(tx *gorm.DB, project *models.Project, source *models.Source, f buildFields) (*models.Build, error) {
	var max int
	err := tx.Model(&models.Build{}).
		Where("project_id = ?", project.ID).
		Select("COALESCE(MAX(number), 0)").
		Scan(&max).Error
	if err != nil {
		return nil, err
	}

	if f.policy == "" {
		f.policy = models.SelectiveTestingDisabled
	}

	build := &models.Build{
		ID:                     uuid.New(),
		ProjectID:              project.ID,
		Number:                 max + 1,
		SourceID:               source.ID,
		CollectionID:           f.collectionID,
		Label:                  f.label,
		Target:                 f.target,
		Message:                f.message,
		Author:                 f.author,
		Cause:                  f.cause,
		Status:                 models.StatusQueued,
		Result:                 models.ResultUnknown,
		Priority:               f.priority,
		SelectiveTestingPolicy: f.policy,
	}
	if err := tx.Create(build).Error; err != nil {
		return nil, err
	}
	return build, nil
}

// insertJob creates the next numbered job of build for plan, freezing the
// plan's build step. Plans without steps produce no job.
func insertJob(tx *gorm.DB, build *models.Build, plan *models.Plan, image *uuid.UUID) (*models.Job, error) {
	step, err := models.BuildStep(tx, plan.ID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		log.Warn("plan has no steps", "plan_id", plan.ID, "plan", plan.Label)
		return nil, nil
	case err != nil:
		return nil, err
	}

	config, err := buildstep.Freeze(step)
	if err != nil {
		return nil, err
	}

	var max int
	err = tx.Model(&models.Job{}).
		Where("build_id = ?", build.ID).
		Select("COALESCE(MAX(number), 0)").
		Scan(&max).Error
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:              uuid.New(),
		BuildID:         build.ID,
		Number:          max + 1,
		ProjectID:       build.ProjectID,
		PlanID:          plan.ID,
		SourceID:        build.SourceID,
		Label:           plan.Label,
		Status:          models.StatusQueued,
		Result:          models.ResultUnknown,
		SnapshotImageID: image,
		StepConfig:      config,
	}
	if err := tx.Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func addMessage(tx *gorm.DB, build *models.Build, text string) error {
	return tx.Create(&models.BuildMessage{
		ID:        uuid.New(),
		BuildID:   build.ID,
		Text:      text,
		CreatedAt: time.Now(),
	}).Error
}

// firstLine returns the subject line of a commit message.
func firstLine(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	return strings.TrimSpace(line)
}
