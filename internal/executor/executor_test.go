package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caesium-cloud/quarry/internal/allocation"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/caesium-cloud/quarry/internal/testutil"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

const headSHA = "89abcdef0123456789abcdef0123456789abcdef"

type stubVCS struct {
	updateErr error
}

func (s *stubVCS) Exists() bool { return true }

func (s *stubVCS) Clone(context.Context) error { return nil }

func (s *stubVCS) Update(context.Context) error { return s.updateErr }

func (s *stubVCS) Log(context.Context, vcs.LogOptions) ([]vcs.Revision, error) {
	return []vcs.Revision{{SHA: headSHA, Author: "Dev", Email: "dev@example.com", Message: "Bump"}}, nil
}

func (s *stubVCS) Export(context.Context, string) (string, error) { return "", nil }

func (s *stubVCS) ReadFile(context.Context, string, string, string) (string, error) {
	return "", vcs.ErrFileNotFound
}

func (s *stubVCS) ChangedFiles(context.Context, string) (map[string]struct{}, error) {
	return map[string]struct{}{"main.go": {}}, nil
}

type ExecutorSuite struct {
	suite.Suite
	db      *gorm.DB
	fx      *testutil.Fixtures
	clients map[string]*stubVCS
	exec    *Executor
	project *models.Project
	repo    *models.Repository
	plan    *models.Plan
}

func TestExecutorSuite(t *testing.T) {
	suite.Run(t, new(ExecutorSuite))
}

func (s *ExecutorSuite) SetupTest() {
	s.db = testutil.OpenTestDB(s.T())
	s.fx = testutil.NewFixtures(s.T(), s.db)
	sqlDB, err := s.db.DB()
	s.Require().NoError(err)
	// materialization runs on the queue while the poll is still writing
	sqlDB.SetMaxOpenConns(1)
	s.clients = map[string]*stubVCS{}

	deps := buildstep.Deps{DB: s.db, Env: env.Environment{
		MaxConcurrentTasks: 1,
		TaskRetryDelay:     time.Millisecond,
		TaskMaxAttempts:    2,
	}}
	snapshots := snapshot.NewService(deps)
	builds := build.NewService(deps, snapshots, func(repo *models.Repository) (vcs.Client, error) {
		client, ok := s.clients[repo.URL]
		if !ok {
			return nil, vcs.ErrUnsupportedBackend
		}
		return client, nil
	})
	s.exec = New(deps, builds, snapshots, allocation.NewAllocator(s.db, nil))

	s.repo = s.fx.Repository("https://git.example.com/server.git")
	s.clients[s.repo.URL] = &stubVCS{}
	s.project = s.fx.Project(s.repo, "server", nil)
	s.plan = s.fx.Plan(s.project, "unit", buildstep.ImplementationDummy, map[string]any{
		"cluster":  "c1",
		"commands": []any{map[string]any{"script": "make test"}},
	}, nil)
}

func (s *ExecutorSuite) TestCreateJobMaterializes() {
	ctx := context.Background()
	build := s.fx.Build(s.project, s.fx.Source(s.repo, headSHA, nil), testutil.BuildOpts{})
	job := s.fx.Job(build, s.plan)

	task := s.exec.CreateJob(job.ID)
	s.Require().NoError(task.Run(ctx))
	testutil.AssertCount(s.T(), s.db.Where("job_id = ?", job.ID), &models.JobStep{}, 1)

	s.Require().NoError(task.Run(ctx))
	testutil.AssertCount(s.T(), s.db.Where("job_id = ?", job.ID), &models.JobStep{}, 1)

	s.NoError(s.exec.CreateJob(uuid.New()).Run(ctx))
}

func (s *ExecutorSuite) TestPollEnqueuesJobMaterialization() {
	s.Require().NoError(s.exec.PollRepositories().Run(context.Background()))
	s.exec.queue.Wait()

	var builds []models.Build
	s.Require().NoError(s.db.Find(&builds).Error)
	s.Require().Len(builds, 1)
	s.Equal(models.CausePush, builds[0].Cause)
	testutil.AssertCount(s.T(), s.db, &models.JobStep{}, 1)
}

func (s *ExecutorSuite) TestPollIsolatesRepositoryFailures() {
	broken := s.fx.Repository("https://git.example.com/broken.git")
	s.clients[broken.URL] = &stubVCS{updateErr: &problem.VCSError{Field: "url", Err: errors.New("repository not found")}}
	s.fx.Project(broken, "broken", nil)

	s.NoError(s.exec.PollRepositories().Run(context.Background()))
	s.exec.queue.Wait()
	testutil.AssertCount(s.T(), s.db, &models.Build{}, 1)

	s.clients[broken.URL].updateErr = &problem.VCSError{Transient: true, Err: errors.New("timeout")}
	s.Error(s.exec.PollRepositories().Run(context.Background()))
}

func (s *ExecutorSuite) TestRedispatchSteps() {
	build := s.fx.Build(s.project, s.fx.Source(s.repo, headSHA, nil), testutil.BuildOpts{})
	phase := s.fx.Phase(s.fx.Job(build, s.plan), "unit")
	step := s.fx.Step(phase, s.project.ID, models.StatusPendingAllocation, time.Now().UTC())

	s.Require().NoError(s.exec.RedispatchSteps().Run(context.Background()))

	var reloaded models.JobStep
	s.Require().NoError(s.db.First(&reloaded, "id = ?", step.ID).Error)
	s.Equal(models.StatusQueued, reloaded.Status)
}

func (s *ExecutorSuite) TestSnapshotGCEvictsExpired() {
	snap := s.fx.Snapshot(s.project, models.SnapshotStatusActive)
	image := s.fx.SnapshotImage(snap, s.plan, models.SnapshotStatusActive)
	expired := time.Now().UTC().Add(-time.Minute)
	s.fx.Cached(image, &expired)

	s.Require().NoError(s.exec.SnapshotGC().Run(context.Background()))
	testutil.AssertCount(s.T(), s.db, &models.CachedSnapshotImage{}, 0)
}

func TestRetryable(t *testing.T) {
	if retryable(&problem.VCSError{Field: "url", Err: errors.New("gone")}) {
		t.Fatal("permanent vcs errors must not be retried")
	}
	if !retryable(&problem.VCSError{Transient: true, Err: errors.New("timeout")}) {
		t.Fatal("transient vcs errors must be retried")
	}
	if !retryable(errors.New("database is locked")) {
		t.Fatal("other errors must be retried")
	}
}
