package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/testutil"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

type fakeReader struct {
	files map[string]string
	err   error
}

func (f *fakeReader) ReadFile(_ context.Context, _, path, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	content, ok := f.files[path]
	if !ok {
		return "", vcs.ErrFileNotFound
	}
	return content, nil
}

type TriggerSuite struct {
	suite.Suite
	db      *gorm.DB
	fx      *testutil.Fixtures
	reader  *fakeReader
	eval    *Evaluator
	repo    *models.Repository
	project *models.Project
}

func TestTriggerSuite(t *testing.T) {
	suite.Run(t, new(TriggerSuite))
}

func (s *TriggerSuite) SetupTest() {
	s.db = testutil.OpenTestDB(s.T())
	s.fx = testutil.NewFixtures(s.T(), s.db)
	s.reader = &fakeReader{files: map[string]string{}}
	s.eval = NewEvaluator(s.db, s.reader, true)
	s.repo = s.fx.Repository("https://git.example.com/repo.git")
	s.project = s.fx.Project(s.repo, "server", nil)
}

func (s *TriggerSuite) input(options map[string]string, files ...string) Input {
	changed := map[string]struct{}{}
	for _, f := range files {
		changed[f] = struct{}{}
	}
	return Input{Project: s.project, Options: options, Changed: changed, Revision: "abc"}
}

func (s *TriggerSuite) decide(in Input) Decision {
	decision, err := s.eval.ShouldBuild(context.Background(), in)
	s.Require().NoError(err)
	return decision
}

func (s *TriggerSuite) TestConfigChangeAlwaysTriggers() {
	s.reader.files[models.DefaultConfigPath] = "build.file-blacklist: ['**']\n"
	options := map[string]string{models.OptionFileWhitelist: "nothing/**"}

	s.True(s.decide(s.input(options, models.DefaultConfigPath)).Build)
	s.True(s.decide(s.input(options, models.DefaultConfigPath, "docs/a.md")).Build)
}

func (s *TriggerSuite) TestCustomConfigPath() {
	options := map[string]string{
		models.OptionConfigPath:    "ci/quarry.yaml",
		models.OptionFileWhitelist: "src/**",
	}
	s.True(s.decide(s.input(options, "ci/quarry.yaml")).Build)
	s.False(s.decide(s.input(options, models.DefaultConfigPath)).Build)
}

func (s *TriggerSuite) TestBlacklistRemovesEverything() {
	s.reader.files[models.DefaultConfigPath] = "build.file-blacklist:\n  - docs/**\n  - '*.md'\n"

	decision := s.decide(s.input(nil, "docs/index.rst", "README.md"))
	s.False(decision.Build)
	s.Contains(decision.Reason, "blacklisted")

	s.True(s.decide(s.input(nil, "docs/index.rst", "src/app.go")).Build)
}

func (s *TriggerSuite) TestWhitelist() {
	options := map[string]string{models.OptionFileWhitelist: "# sources\nsrc/**\n\nlib/*.go\n"}

	s.True(s.decide(s.input(options, "src/a/b.go")).Build)
	s.True(s.decide(s.input(options, "lib/x.go")).Build)
	s.False(s.decide(s.input(options, "lib/nested/x.go")).Build)
	s.False(s.decide(s.input(options, "README.md")).Build)
}

func (s *TriggerSuite) TestWhitelistAppliesAfterBlacklist() {
	s.reader.files[models.DefaultConfigPath] = "build.file-blacklist: ['src/generated/**']\n"
	options := map[string]string{models.OptionFileWhitelist: "src/**"}

	s.False(s.decide(s.input(options, "src/generated/x.go", "README.md")).Build)
}

func (s *TriggerSuite) TestMalformedConfigFailsClosed() {
	s.reader.files[models.DefaultConfigPath] = "build.file-blacklist: {"

	decision := s.decide(s.input(nil, "src/a.go"))
	s.False(decision.Build)
	s.Contains(decision.Reason, models.DefaultConfigPath)
}

func (s *TriggerSuite) TestVCSErrorPropagates() {
	s.reader.err = &problem.VCSError{Transient: true, Err: errors.New("timeout")}
	_, err := s.eval.ShouldBuild(context.Background(), s.input(nil, "src/a.go"))
	s.True(problem.IsTransient(err))
}

func (s *TriggerSuite) TestMinimumInterval() {
	now := time.Now()
	s.eval.now = func() time.Time { return now }
	options := map[string]string{models.OptionMinMinutesBetweenBuild: "30"}
	source := s.fx.Source(s.repo, "abc", nil)

	s.True(s.decide(s.input(options, "src/a.go")).Build)

	s.fx.Build(s.project, source, testutil.BuildOpts{CreatedAt: now.Add(-time.Hour)})
	s.True(s.decide(s.input(options, "src/a.go")).Build)

	s.fx.Build(s.project, source, testutil.BuildOpts{CreatedAt: now.Add(-10 * time.Minute)})
	decision := s.decide(s.input(options, "src/a.go"))
	s.False(decision.Build)
	s.Contains(decision.Reason, "minimum interval")

	// the interval suppresses config changes too
	s.False(s.decide(s.input(options, models.DefaultConfigPath)).Build)
}

func (s *TriggerSuite) TestEvaluateProjectsIsolatesFailures() {
	broken := s.fx.Project(s.repo, "broken", map[string]string{models.OptionConfigPath: "broken.yaml"})
	filtered := s.fx.Project(s.repo, "filtered", map[string]string{models.OptionFileWhitelist: "other/**"})
	s.reader.files["broken.yaml"] = ":::"

	eligible, skipped := s.eval.EvaluateProjects(
		context.Background(),
		[]*models.Project{broken, s.project, filtered},
		map[string]struct{}{"src/a.go": {}},
		"abc",
		"",
	)

	s.Require().Len(eligible, 1)
	s.Equal(s.project.ID, eligible[0].ID)
	s.Require().Len(skipped, 2)
	s.Equal(broken.ID, skipped[0].Project.ID)
	s.Equal(filtered.ID, skipped[1].Project.ID)
}

func (s *TriggerSuite) TestMatchAny() {
	s.True(MatchAny([]string{"*.md"}, "README.md"))
	s.False(MatchAny([]string{"*.md"}, "docs/README.md"))
	s.True(MatchAny([]string{"**/*.md"}, "docs/README.md"))
	s.False(MatchAny(nil, "x"))
}
