// Package projectconfig reads the configuration file a project keeps in its
// own repository.
package projectconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"gopkg.in/yaml.v3"
)

// Config is the in-repo project configuration.
type Config struct {
	FileBlacklist     []string `yaml:"build.file-blacklist"`
	DependentProjects []string `yaml:"build.dependent-projects"`
	SelectiveTesting  *bool    `yaml:"selective-testing"`
}

// Reader is the slice of the vcs client needed to resolve a config.
type Reader interface {
	ReadFile(ctx context.Context, revision, path, diff string) (string, error)
}

// Path returns the config path configured for a project.
func Path(options map[string]string) string {
	if p := strings.TrimSpace(options[models.OptionConfigPath]); p != "" {
		return p
	}
	return models.DefaultConfigPath
}

// Fetch resolves the config at revision with diff applied. A missing file is
// the empty config; a malformed one is a *problem.ConfigError.
func Fetch(ctx context.Context, r Reader, revision, path, diff string) (*Config, error) {
	content, err := r.ReadFile(ctx, revision, path, diff)
	switch {
	case errors.Is(err, vcs.ErrFileNotFound):
		return &Config{}, nil
	case err != nil:
		var vcsErr *problem.VCSError
		if errors.As(err, &vcsErr) && vcsErr.Field == "patch" {
			return nil, &problem.ConfigError{Path: path, Err: err}
		}
		return nil, err
	}
	return Parse(path, []byte(content))
}

// Parse decodes and validates config content.
func Parse(path string, data []byte) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(string(data)) == "" {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &problem.ConfigError{Path: path, Err: err}
	}

	for _, pattern := range cfg.FileBlacklist {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &problem.ConfigError{Path: path, Err: fmt.Errorf("invalid blacklist pattern %q", pattern)}
		}
	}
	return cfg, nil
}
