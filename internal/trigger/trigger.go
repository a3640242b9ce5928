// Package trigger decides whether a revision or diff should build a
// project, and which selective-testing policy such a build runs under.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/projectconfig"
	"github.com/caesium-cloud/quarry/pkg/log"
	"gorm.io/gorm"
)

// Input is everything needed to evaluate one project.
type Input struct {
	Project  *models.Project
	Options  map[string]string
	Changed  map[string]struct{}
	Revision string
	Diff     string
}

// Decision is the outcome of evaluating one project. Reason explains a
// negative decision.
type Decision struct {
	Build  bool
	Reason string
}

// Evaluator applies the file trigger rules to projects.
type Evaluator struct {
	db     *gorm.DB
	reader projectconfig.Reader
	now    func() time.Time

	// GlobalSelectiveTesting is the process wide selective-testing switch.
	GlobalSelectiveTesting bool
}

// NewEvaluator returns an evaluator reading configs through reader.
// selectiveTesting is the process wide selective-testing switch.
func NewEvaluator(db *gorm.DB, reader projectconfig.Reader, selectiveTesting bool) *Evaluator {
	return &Evaluator{
		db:                     db,
		reader:                 reader,
		now:                    time.Now,
		GlobalSelectiveTesting: selectiveTesting,
	}
}

// ShouldBuild evaluates the trigger rules for a single project. Config
// errors resolve to a negative decision; VCS errors are returned.
func (e *Evaluator) ShouldBuild(ctx context.Context, in Input) (Decision, error) {
	decision, err := e.matchFiles(ctx, in)
	if err != nil || !decision.Build {
		return decision, err
	}

	recent, err := e.builtRecently(in.Project, in.Options)
	if err != nil {
		return Decision{}, err
	}
	if recent {
		return Decision{Reason: "a build was created within the minimum interval"}, nil
	}
	return decision, nil
}

func (e *Evaluator) matchFiles(ctx context.Context, in Input) (Decision, error) {
	configPath := projectconfig.Path(in.Options)
	if _, ok := in.Changed[configPath]; ok {
		return Decision{Build: true}, nil
	}

	cfg, err := projectconfig.Fetch(ctx, e.reader, in.Revision, configPath, in.Diff)
	if err != nil {
		var cfgErr *problem.ConfigError
		if errors.As(err, &cfgErr) {
			return Decision{Reason: cfgErr.Error()}, nil
		}
		return Decision{}, err
	}

	remaining := make([]string, 0, len(in.Changed))
	for path := range in.Changed {
		if !MatchAny(cfg.FileBlacklist, path) {
			remaining = append(remaining, path)
		}
	}
	if len(remaining) == 0 {
		return Decision{Reason: "all changed files are blacklisted"}, nil
	}

	whitelist := Patterns(in.Options[models.OptionFileWhitelist])
	if len(whitelist) == 0 {
		return Decision{Build: true}, nil
	}
	for _, path := range remaining {
		if MatchAny(whitelist, path) {
			return Decision{Build: true}, nil
		}
	}
	return Decision{Reason: "no changed files match the whitelist"}, nil
}

func (e *Evaluator) builtRecently(project *models.Project, options map[string]string) (bool, error) {
	raw := strings.TrimSpace(options[models.OptionMinMinutesBetweenBuild])
	if raw == "" {
		return false, nil
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		log.Warn("ignoring invalid build interval", "project", project.Slug, "value", raw)
		return false, nil
	}

	var count int64
	err = e.db.Model(&models.Build{}).
		Where("project_id = ? AND created_at >= ?", project.ID, e.now().Add(-time.Duration(minutes)*time.Minute)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count recent builds: %w", err)
	}
	return count > 0, nil
}

// Skip records why a project was not built.
type Skip struct {
	Project *models.Project
	Reason  string
}

// EvaluateProjects filters projects down to those that should build.
// Failures are isolated per project and reported as skips.
func (e *Evaluator) EvaluateProjects(ctx context.Context, projects []*models.Project, changed map[string]struct{}, revision, diff string) ([]*models.Project, []Skip) {
	var (
		eligible []*models.Project
		skipped  []Skip
	)

	for _, project := range projects {
		options, err := models.LoadProjectOptions(e.db, project.ID)
		if err != nil {
			skipped = append(skipped, Skip{Project: project, Reason: err.Error()})
			continue
		}

		decision, err := e.ShouldBuild(ctx, Input{
			Project:  project,
			Options:  options,
			Changed:  changed,
			Revision: revision,
			Diff:     diff,
		})
		switch {
		case err != nil:
			log.Warn("trigger evaluation failed", "project", project.Slug, "error", err)
			skipped = append(skipped, Skip{Project: project, Reason: err.Error()})
		case !decision.Build:
			log.Debug("project not triggered", "project", project.Slug, "reason", decision.Reason)
			skipped = append(skipped, Skip{Project: project, Reason: decision.Reason})
		default:
			eligible = append(eligible, project)
		}
	}

	return eligible, skipped
}

// Patterns splits a newline separated glob option, dropping blanks and
// comments.
func Patterns(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// MatchAny reports whether path matches any of the glob patterns.
func MatchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
