package build

import (
	"context"
	"errors"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/testutil"
	"github.com/google/uuid"
)

func (s *BuildSuite) TestSummarizeKeepsOrder() {
	ctx := context.Background()
	other := s.fx.Project(s.repo, "client", nil)
	source := s.fx.Source(s.repo, headSHA, nil)
	first := s.fx.Build(other, source, testutil.BuildOpts{})
	second := s.fx.Build(s.project, source, testutil.BuildOpts{})

	summaries, err := s.svc.Summarize(ctx, []*models.Build{first, second})
	s.Require().NoError(err)
	s.Equal([]Summary{
		{ID: first.ID, Number: 1, Project: "client"},
		{ID: second.ID, Number: 1, Project: "server"},
	}, summaries)

	empty, err := s.svc.Summarize(ctx, nil)
	s.Require().NoError(err)
	s.NotNil(empty)
	s.Empty(empty)
}

func (s *BuildSuite) TestPatchLookup() {
	ctx := context.Background()
	patch := s.fx.Patch(s.repo, headSHA, srcDiff)

	got, err := s.svc.Patch(ctx, patch.ID)
	s.Require().NoError(err)
	s.Equal(srcDiff, got.Diff)

	_, err = s.svc.Patch(ctx, uuid.New())
	var notFound *problem.NotFoundError
	s.True(errors.As(err, &notFound))
}

func (s *BuildSuite) TestSubmitSnapshotUsesHead() {
	ctx := context.Background()
	plan := s.plan("integration", map[string]string{models.OptionSnapshotAllow: "1"})

	snap, build, err := s.svc.SubmitSnapshot(ctx, SnapshotSubmit{Project: "server", Author: "ops"})
	s.Require().NoError(err)
	s.Equal(models.SnapshotStatusPending, snap.Status)
	s.Equal(headSHA[:12], build.Target)
	s.Equal("ops", build.Author)

	jobs := s.jobs(build)
	s.Require().Len(jobs, 1)
	s.Equal(plan.ID, jobs[0].PlanID)

	_, _, err = s.svc.SubmitSnapshot(ctx, SnapshotSubmit{Project: "nope"})
	var invalid *problem.ValidationError
	s.Require().True(errors.As(err, &invalid))
	s.Equal([]string{"project"}, invalid.Problems)
}
