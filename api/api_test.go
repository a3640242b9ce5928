package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/caesium-cloud/quarry/internal/allocation"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/caesium-cloud/quarry/internal/stepsync"
	"github.com/caesium-cloud/quarry/internal/testutil"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

const sha = "fedcba9876543210fedcba9876543210fedcba98"

type stubVCS struct{}

func (stubVCS) Exists() bool { return true }

func (stubVCS) Clone(context.Context) error { return nil }

func (stubVCS) Update(context.Context) error { return nil }

func (stubVCS) Export(context.Context, string) (string, error) { return "", nil }

func (stubVCS) Log(_ context.Context, opts vcs.LogOptions) ([]vcs.Revision, error) {
	if opts.Parent != "" && opts.Parent != sha {
		return nil, &problem.VCSError{Field: "parent", Err: errors.New("unknown revision")}
	}
	return []vcs.Revision{{SHA: sha, Author: "Dev", Email: "dev@example.com", Message: "Add feature"}}, nil
}

func (stubVCS) ReadFile(context.Context, string, string, string) (string, error) {
	return "", vcs.ErrFileNotFound
}

func (stubVCS) ChangedFiles(context.Context, string) (map[string]struct{}, error) {
	return map[string]struct{}{"main.go": {}}, nil
}

type APISuite struct {
	suite.Suite
	db      *gorm.DB
	fx      *testutil.Fixtures
	e       *echo.Echo
	repo    *models.Repository
	project *models.Project
	plan    *models.Plan
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	s.db = testutil.OpenTestDB(s.T())
	s.fx = testutil.NewFixtures(s.T(), s.db)

	deps := buildstep.Deps{
		DB:  s.db,
		Bus: event.NewBus(),
		Env: env.Environment{BaseURI: "http://quarry.test/v1/", MaxInfraFailures: 3},
	}
	snapshots := snapshot.NewService(deps)
	var err error
	s.e, err = New(Services{
		Deps: deps,
		Builds: build.NewService(deps, snapshots, func(*models.Repository) (vcs.Client, error) {
			return stubVCS{}, nil
		}),
		Snapshots: snapshots,
		Allocator: allocation.NewAllocator(s.db, deps.Bus),
		Syncer:    stepsync.NewSyncer(deps),
	})
	s.Require().NoError(err)

	s.repo = s.fx.Repository("https://git.example.com/server.git")
	s.project = s.fx.Project(s.repo, "server", nil)
	s.plan = s.fx.Plan(s.project, "unit", buildstep.ImplementationDummy, map[string]any{
		"commands": []any{map[string]any{"script": "make test"}},
	}, nil)
}

func (s *APISuite) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *APISuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *APISuite) step(status models.Status) *models.JobStep {
	b := s.fx.Build(s.project, s.fx.Source(s.repo, sha, nil), testutil.BuildOpts{})
	phase := s.fx.Phase(s.fx.Job(b, s.plan), "unit")
	return s.fx.Step(phase, s.project.ID, status, time.Now().UTC())
}

func (s *APISuite) TestHealth() {
	rec := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, rec.Code)

	var resp HealthResponse
	s.decode(rec, &resp)
	s.Equal(Healthy, resp.Status)
	s.Equal(Healthy, resp.Database)
}

func (s *APISuite) TestHealthDegradedWithoutDatabase() {
	testutil.CloseDB(s.db)

	rec := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	s.decode(rec, &resp)
	s.Equal(Degraded, resp.Status)
	s.Equal(Unavailable, resp.Database)
}

func (s *APISuite) TestAllocateEmptyQueue() {
	rec := s.do(http.MethodPost, "/v1/jobsteps/allocate", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Empty(rec.Body.String())
}

func (s *APISuite) TestAllocateReturnsStepWithParams() {
	step := s.step(models.StatusQueued)

	rec := s.do(http.MethodPost, "/v1/jobsteps/allocate", `{}`)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp struct {
		ID     uuid.UUID         `json:"id"`
		Status models.Status     `json:"status"`
		Params map[string]string `json:"params"`
	}
	s.decode(rec, &resp)
	s.Equal(step.ID, resp.ID)
	s.Equal(models.StatusAllocated, resp.Status)
	s.Equal("http://quarry.test/v1/", resp.Params["server"])
	s.Equal(step.ID.String(), resp.Params["jobstep_id"])

	rec = s.do(http.MethodPost, "/v1/jobsteps/allocate", `{}`)
	s.Equal(http.StatusOK, rec.Code)
	s.Empty(rec.Body.String())
}

func (s *APISuite) TestDeallocate() {
	queued := s.step(models.StatusQueued)

	rec := s.do(http.MethodPost, "/v1/jobsteps/"+queued.ID.String()+"/deallocate", "")
	s.Equal(http.StatusBadRequest, rec.Code)
	var failure struct {
		ActualStatus models.Status `json:"actual_status"`
	}
	s.decode(rec, &failure)
	s.Equal(models.StatusQueued, failure.ActualStatus)

	rec = s.do(http.MethodPost, "/v1/jobsteps/"+uuid.NewString()+"/deallocate", "")
	s.Equal(http.StatusNotFound, rec.Code)

	allocated := s.step(models.StatusAllocated)
	rec = s.do(http.MethodPost, "/v1/jobsteps/"+allocated.ID.String()+"/deallocate", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var step models.JobStep
	s.decode(rec, &step)
	s.Equal(models.StatusPendingAllocation, step.Status)
}

func (s *APISuite) TestFinish() {
	step := s.step(models.StatusAllocated)

	rec := s.do(http.MethodPost, "/v1/jobsteps/"+step.ID.String()+"/finish", `{"result":"bogus"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/jobsteps/"+step.ID.String()+"/finish", `{"result":"passed","node":"ip-1"}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	var finished models.JobStep
	s.decode(rec, &finished)
	s.Equal(models.StatusFinished, finished.Status)
	s.Equal(models.ResultPassed, finished.Result)
}

func (s *APISuite) TestPostBuilds() {
	rec := s.do(http.MethodPost, "/v1/builds", `{"project":"server","sha":"`+sha+`"}`)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var summaries []build.Summary
	s.decode(rec, &summaries)
	s.Require().Len(summaries, 1)
	s.Equal("server", summaries[0].Project)
	s.Equal(1, summaries[0].Number)

	rec = s.do(http.MethodGet, "/v1/builds/"+summaries[0].ID.String(), "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var got struct {
		Label string       `json:"label"`
		Jobs  []models.Job `json:"jobs"`
	}
	s.decode(rec, &got)
	s.Equal("Add feature", got.Label)
	s.Len(got.Jobs, 1)
}

func (s *APISuite) TestPostBuildsRejectsConflicts() {
	body := `{"project":"server","sha":"` + sha + `","patch":"diff","ensure_only":true}`
	rec := s.do(http.MethodPost, "/v1/builds", body)
	s.Equal(http.StatusBadRequest, rec.Code)

	var failure struct {
		Problems []string `json:"problems"`
	}
	s.decode(rec, &failure)
	s.ElementsMatch([]string{"patch", "ensure_only"}, failure.Problems)

	rec = s.do(http.MethodPost, "/v1/builds", `{"project":"missing"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/builds", `{"project":"server","sha":"0000"}`)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.decode(rec, &failure)
	s.Equal([]string{"sha"}, failure.Problems)
}

func (s *APISuite) TestRetryRedirects() {
	b := s.fx.Build(s.project, s.fx.Source(s.repo, sha, nil), testutil.BuildOpts{
		Status: models.StatusFinished,
		Result: models.ResultFailed,
	})

	rec := s.do(http.MethodPost, "/v1/builds/"+b.ID.String()+"/retry", `{"selective_testing":"yes"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/builds/"+b.ID.String()+"/retry", "")
	s.Require().Equal(http.StatusFound, rec.Code)
	s.True(strings.HasPrefix(rec.Header().Get(echo.HeaderLocation), "/v1/builds/"))
	s.NotEqual("/v1/builds/"+b.ID.String(), rec.Header().Get(echo.HeaderLocation))

	rec = s.do(http.MethodPost, "/v1/builds/"+uuid.NewString()+"/retry", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *APISuite) TestPatchRaw() {
	patch := s.fx.Patch(s.repo, sha, "diff --git a/x b/x\n")

	rec := s.do(http.MethodGet, "/v1/patches/"+patch.ID.String()+"?raw=1", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("diff --git a/x b/x\n", rec.Body.String())

	rec = s.do(http.MethodGet, "/v1/patches/"+uuid.NewString(), "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *APISuite) TestSnapshotImageUpdates() {
	snap := s.fx.Snapshot(s.project, models.SnapshotStatusPending)
	image := s.fx.SnapshotImage(snap, s.plan, models.SnapshotStatusPending)
	path := "/v1/snapshotimages/" + image.ID.String()

	rec := s.do(http.MethodPost, path, `{"status":"exploded"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/snapshotimages/"+uuid.NewString(), `{"status":"active"}`)
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, path, `{"status":"active","set_current":true}`)
	s.Require().Equal(http.StatusOK, rec.Code)

	options, err := models.LoadProjectOptions(s.db, s.project.ID)
	s.Require().NoError(err)
	s.Equal(snap.ID.String(), options[models.OptionCurrentSnapshot])

	rec = s.do(http.MethodPost, path+"/cache", `{"expiration_date":"2099-01-01T00:00:00Z"}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	testutil.AssertCount(s.T(), s.db, &models.CachedSnapshotImage{}, 1)

	rec = s.do(http.MethodGet, "/v1/clusters/c1/snapshot-cache", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	s.JSONEq(`[]`, rec.Body.String())
}

func (s *APISuite) TestPostSnapshotWithoutParticipatingPlans() {
	rec := s.do(http.MethodPost, "/v1/snapshots", `{"project":"server","sha":"`+sha+`"}`)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *APISuite) TestGraphQLBuilds() {
	s.fx.Build(s.project, s.fx.Source(s.repo, sha, nil), testutil.BuildOpts{})

	query := url.QueryEscape(`{builds(project:"server"){number status jobs{label}}}`)
	rec := s.do(http.MethodGet, "/gql?query="+query, "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Builds []struct {
				Number int    `json:"number"`
				Status string `json:"status"`
			} `json:"builds"`
		} `json:"data"`
	}
	s.decode(rec, &resp)
	s.Require().Len(resp.Data.Builds, 1)
	s.Equal(1, resp.Data.Builds[0].Number)
	s.Equal("queued", resp.Data.Builds[0].Status)
}

func (s *APISuite) TestGraphQLQueuedStepsOverPost() {
	queued := s.step(models.StatusQueued)
	s.step(models.StatusInProgress)

	rec := s.do(http.MethodPost, "/gql", `{"query":"{queuedSteps{id status}}"}`)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			QueuedSteps []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"queuedSteps"`
		} `json:"data"`
	}
	s.decode(rec, &resp)
	s.Require().Len(resp.Data.QueuedSteps, 1)
	s.Equal(queued.ID.String(), resp.Data.QueuedSteps[0].ID)
}
