package buildstep

import (
	"testing"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(map[string]any{
		"commands": []any{map[string]any{"script": "make"}},
		"cpus":     float64(4),
	})
	require.NoError(t, err)
	require.Equal(t, DefaultPath, cfg.Path)
	require.Equal(t, 4, cfg.CPUs)
	require.Equal(t, models.CommandTypeDefault, cfg.Commands[0].Type)
}

func TestParseConfigProblems(t *testing.T) {
	_, err := ParseConfig(map[string]any{
		"commands":    []any{map[string]any{"script": ""}, map[string]any{"script": "x", "type": "bogus"}},
		"other_repos": []any{map[string]any{"repo": "x"}},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "commands[0].script is required")
	require.Contains(t, err.Error(), `commands[1].type "bogus" is unknown`)
	require.Contains(t, err.Error(), "other_repos[0] requires repo and path")
}

func TestParseConfigWrongShape(t *testing.T) {
	_, err := ParseConfig(map[string]any{"commands": "make"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClusterOf(t *testing.T) {
	require.Equal(t, "c1", ClusterOf(map[string]any{"cluster": " c1 "}))
	require.Equal(t, "", ClusterOf(map[string]any{"cluster": 3}))
	require.Equal(t, "", ClusterOf(nil))
}

func TestGroupCommands(t *testing.T) {
	cmds := []CommandConfig{
		{Script: "a", Type: models.CommandTypeSetup},
		{Script: "b", Type: models.CommandTypeDefault},
		{Script: "collect one", Type: models.CommandTypeCollectTests},
		{Script: "collect two", Type: models.CommandTypeCollectTests},
		{Script: "c", Type: models.CommandTypeTeardown},
	}

	segments := groupCommands(cmds, "Build")
	require.Len(t, segments, 4)
	require.Equal(t, "Build", segments[0].label)
	require.Len(t, segments[0].commands, 2)
	require.Equal(t, "collect one", segments[1].label)
	require.Equal(t, "collect two", segments[2].label)
	require.Equal(t, "Build", segments[3].label)

	require.Empty(t, groupCommands(nil, "Build"))
}

func TestWorkdir(t *testing.T) {
	cfg := &Config{Path: "./source/", RepoPath: "app"}
	require.Equal(t, "source/app", cfg.workdir(""))
	require.Equal(t, "source/app/tests", cfg.workdir("tests"))
	require.Equal(t, "/abs/dir", cfg.workdir("/abs/dir/"))
}

func TestLabelFromScript(t *testing.T) {
	require.Equal(t, "make test", labelFromScript("#!/bin/bash\n\n  make test\nmore"))
	require.Equal(t, "command", labelFromScript(""))
}
