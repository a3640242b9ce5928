package buildstep

import (
	"fmt"
	"strings"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/pkg/jsonmap"
	"github.com/caesium-cloud/quarry/pkg/jsonutil"
)

const (
	DefaultPath = "./source/"
	// DefaultSecondaryRevision is checked out for secondary repositories
	// that do not pin one.
	DefaultSecondaryRevision = "origin/master"
)

// DefaultArtifacts are collected from default and collect_tests commands
// that declare none.
var DefaultArtifacts = []string{
	"junit.xml",
	"*.junit.xml",
	"coverage.xml",
	"*.coverage.xml",
}

// DefaultEnv is set for every command and overridden by config.
var DefaultEnv = map[string]string{
	"QUARRY":           "1",
	"PYTHONUNBUFFERED": "1",
}

// Config is the data of a default build step.
type Config struct {
	Commands  []CommandConfig   `json:"commands"`
	Cluster   string            `json:"cluster"`
	Adapter   string            `json:"adapter"`
	Release   string            `json:"release"`
	CPUs      int               `json:"cpus"`
	Memory    int               `json:"mem"`
	Path      string            `json:"path"`
	RepoPath  string            `json:"repo_path"`
	Env       map[string]string `json:"env"`
	Artifacts []string          `json:"artifacts"`
	// ArtifactSearchPath overrides the agent's artifact search root.
	ArtifactSearchPath string       `json:"artifact_search_path"`
	OtherRepos         []RepoConfig `json:"other_repos"`
}

// CommandConfig is one declared command.
type CommandConfig struct {
	Script    string             `json:"script"`
	Label     string             `json:"label"`
	Path      string             `json:"path"`
	Env       map[string]string  `json:"env"`
	Artifacts []string           `json:"artifacts"`
	Type      models.CommandType `json:"type"`
}

// RepoConfig declares a secondary repository checked out next to the
// primary one.
type RepoConfig struct {
	Repo     string                   `json:"repo"`
	Path     string                   `json:"path"`
	Backend  models.RepositoryBackend `json:"backend"`
	Revision string                   `json:"revision"`
}

// ParseConfig decodes and validates build step data, filling defaults.
func ParseConfig(data map[string]any) (*Config, error) {
	cfg, err := jsonutil.Convert[Config](data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	var problems []string
	for i := range cfg.Commands {
		cmd := &cfg.Commands[i]
		if strings.TrimSpace(cmd.Script) == "" {
			problems = append(problems, fmt.Sprintf("commands[%d].script is required", i))
		}
		if cmd.Type == "" {
			cmd.Type = models.CommandTypeDefault
		}
		if !cmd.Type.IsValid() {
			problems = append(problems, fmt.Sprintf("commands[%d].type %q is unknown", i, cmd.Type))
		}
	}
	for i := range cfg.OtherRepos {
		repo := &cfg.OtherRepos[i]
		if repo.Repo == "" || repo.Path == "" {
			problems = append(problems, fmt.Sprintf("other_repos[%d] requires repo and path", i))
		}
		if repo.Backend == "" {
			repo.Backend = models.RepositoryBackendGit
		}
		if repo.Revision == "" {
			repo.Revision = DefaultSecondaryRevision
			if repo.Backend == models.RepositoryBackendHg {
				repo.Revision = "default"
			}
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return &cfg, nil
}

// ClusterOf returns the execution cluster named by build step data.
func ClusterOf(data map[string]any) string {
	return strings.TrimSpace(jsonmap.String(data, "cluster"))
}
