package build

import (
	"context"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/testutil"
	"github.com/caesium-cloud/quarry/internal/vcs"
)

const (
	secondSHA = "1111111111111111111111111111111111111111"
	thirdSHA  = "2222222222222222222222222222222222222222"
)

func (s *BuildSuite) TestPollFirstTimeBuildsHeadOnly() {
	ctx := context.Background()
	s.plan("unit", nil)
	s.client.revisions[secondSHA] = vcs.Revision{SHA: secondSHA, Author: "Dev", Email: "dev@example.com", Message: "Older"}
	s.client.history = []vcs.Revision{s.client.revisions[headSHA], s.client.revisions[secondSHA]}

	builds, err := s.svc.Poll(ctx, s.repo)
	s.Require().NoError(err)
	s.Require().Len(builds, 1)
	s.Equal(models.CausePush, builds[0].Cause)
	s.Equal("Fix the parser", builds[0].Label)
	s.Equal("Dev <dev@example.com>", builds[0].Author)
	s.Equal(headSHA[:12], builds[0].Target)

	var repo models.Repository
	s.Require().NoError(s.db.First(&repo, "id = ?", s.repo.ID).Error)
	s.Equal(headSHA, repo.LastRevision)
	s.NotNil(repo.LastPolledAt)

	builds, err = s.svc.Poll(ctx, &repo)
	s.Require().NoError(err)
	s.Empty(builds)
	testutil.AssertCount(s.T(), s.db, &models.Build{}, 1)
}

func (s *BuildSuite) TestPollBuildsNewRevisionsOldestFirst() {
	ctx := context.Background()
	s.plan("unit", nil)
	s.client.revisions[secondSHA] = vcs.Revision{SHA: secondSHA, Author: "Dev", Email: "dev@example.com", Message: "Second"}
	s.client.revisions[thirdSHA] = vcs.Revision{SHA: thirdSHA, Author: "Dev", Email: "dev@example.com", Message: "Third"}
	s.client.history = []vcs.Revision{
		s.client.revisions[thirdSHA],
		s.client.revisions[secondSHA],
		s.client.revisions[headSHA],
	}
	s.repo.LastRevision = headSHA

	builds, err := s.svc.Poll(ctx, s.repo)
	s.Require().NoError(err)
	s.Require().Len(builds, 2)
	s.Equal("Second", builds[0].Label)
	s.Equal(1, builds[0].Number)
	s.Equal("Third", builds[1].Label)
	s.Equal(2, builds[1].Number)
	s.Equal(thirdSHA, s.repo.LastRevision)
	s.Len(s.queue.jobs, 2)
}

func (s *BuildSuite) TestPollSkipsProjectsOutsideWhitelist() {
	s.fx.ProjectOption(s.project, models.OptionFileWhitelist, "docs/**")
	s.plan("unit", nil)

	builds, err := s.svc.Poll(context.Background(), s.repo)
	s.Require().NoError(err)
	s.Empty(builds)
	s.Equal(headSHA, s.repo.LastRevision)
}

func (s *BuildSuite) TestPollRetryBuildsOnlyMissingProjects() {
	ctx := context.Background()
	other := s.fx.Project(s.repo, "zzz-other", nil)
	s.plan("unit", nil)
	s.failBuildInserts(other, 1)

	builds, err := s.svc.Poll(ctx, s.repo)
	s.Require().Error(err)
	s.Require().Len(builds, 1)
	s.Equal(s.project.ID, builds[0].ProjectID)
	s.Empty(s.repo.LastRevision, "a failed push leaves the revision unpolled")

	builds, err = s.svc.Poll(ctx, s.repo)
	s.Require().NoError(err)
	s.Require().Len(builds, 1)
	s.Equal(other.ID, builds[0].ProjectID)
	s.Equal(headSHA, s.repo.LastRevision)

	s.Equal(int64(1), s.buildCount(s.project))
	s.Equal(int64(1), s.buildCount(other))
	testutil.AssertCount(s.T(), s.db, &models.Source{}, 1)
}
