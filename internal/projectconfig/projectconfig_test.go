package projectconfig

import (
	"context"
	"errors"
	"testing"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	content string
	err     error
}

func (f fakeReader) ReadFile(context.Context, string, string, string) (string, error) {
	return f.content, f.err
}

func TestPath(t *testing.T) {
	require.Equal(t, models.DefaultConfigPath, Path(nil))
	require.Equal(t, "ci/quarry.yaml", Path(map[string]string{models.OptionConfigPath: " ci/quarry.yaml "}))
}

func TestFetch(t *testing.T) {
	cfg, err := Fetch(context.Background(), fakeReader{content: `
build.file-blacklist:
  - docs/**
  - "*.md"
selective-testing: false
`}, "abc", ".quarry.yaml", "")
	require.NoError(t, err)
	require.Equal(t, []string{"docs/**", "*.md"}, cfg.FileBlacklist)
	require.NotNil(t, cfg.SelectiveTesting)
	require.False(t, *cfg.SelectiveTesting)
}

func TestFetchMissingFile(t *testing.T) {
	cfg, err := Fetch(context.Background(), fakeReader{err: vcs.ErrFileNotFound}, "abc", ".quarry.yaml", "")
	require.NoError(t, err)
	require.Empty(t, cfg.FileBlacklist)
	require.Nil(t, cfg.SelectiveTesting)
}

func TestFetchMalformed(t *testing.T) {
	_, err := Fetch(context.Background(), fakeReader{content: "build.file-blacklist: {a: [}"}, "abc", ".quarry.yaml", "")
	var cfgErr *problem.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, ".quarry.yaml", cfgErr.Path)
}

func TestFetchInvalidPattern(t *testing.T) {
	_, err := Fetch(context.Background(), fakeReader{content: "build.file-blacklist: ['src/[']"}, "abc", ".quarry.yaml", "")
	var cfgErr *problem.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestFetchBadPatchIsConfigError(t *testing.T) {
	err := &problem.VCSError{Field: "patch", Err: errors.New("context mismatch")}
	_, fetchErr := Fetch(context.Background(), fakeReader{err: err}, "abc", ".quarry.yaml", "diff")
	var cfgErr *problem.ConfigError
	require.ErrorAs(t, fetchErr, &cfgErr)
}

func TestFetchPropagatesVCSErrors(t *testing.T) {
	err := &problem.VCSError{Transient: true, Err: errors.New("network")}
	_, fetchErr := Fetch(context.Background(), fakeReader{err: err}, "abc", ".quarry.yaml", "")
	require.True(t, problem.IsTransient(fetchErr))
}
