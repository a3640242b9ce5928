package buildstep

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/projectconfig"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/caesium-cloud/quarry/pkg/jsonmap"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxLabelLength = 128

type segment struct {
	label    string
	commands []CommandConfig
}

// groupCommands splits commands into phases: every collector command gets
// its own phase labeled from its script, contiguous runs of other commands
// share one phase labeled label.
func groupCommands(commands []CommandConfig, label string) []segment {
	var segments []segment
	for _, cmd := range commands {
		if cmd.Type.IsCollector() {
			segments = append(segments, segment{label: labelFromScript(cmd.Script), commands: []CommandConfig{cmd}})
			continue
		}
		if n := len(segments); n > 0 && !segments[n-1].collector() {
			segments[n-1].commands = append(segments[n-1].commands, cmd)
			continue
		}
		segments = append(segments, segment{label: label, commands: []CommandConfig{cmd}})
	}
	return segments
}

func (s segment) collector() bool {
	return len(s.commands) == 1 && s.commands[0].Type.IsCollector()
}

// withoutTestCommands drops the commands a snapshot build does not run.
func withoutTestCommands(commands []CommandConfig) []CommandConfig {
	out := make([]CommandConfig, 0, len(commands))
	for _, cmd := range commands {
		if cmd.Type == models.CommandTypeDefault || cmd.Type == models.CommandTypeCollectTests {
			continue
		}
		out = append(out, cmd)
	}
	return out
}

func labelFromScript(script string) string {
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#!") {
			continue
		}
		if len(line) > maxLabelLength {
			line = line[:maxLabelLength]
		}
		return line
	}
	return "command"
}

// workdir resolves a command path against the checkout. Absolute paths
// replace the checkout path instead of being appended to it.
func (c *Config) workdir(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.Path, c.RepoPath, p)
}

func (c *Config) env(overrides map[string]string) datatypes.JSONMap {
	merged := maps.Clone(DefaultEnv)
	maps.Copy(merged, c.Env)
	maps.Copy(merged, overrides)
	return jsonmap.FromStringMap(merged)
}

func (c *Config) artifacts(t models.CommandType, declared []string) []string {
	if len(declared) > 0 {
		return slices.Clone(declared)
	}
	switch t {
	case models.CommandTypeDefault, models.CommandTypeCollectTests:
		if len(c.Artifacts) > 0 {
			return slices.Clone(c.Artifacts)
		}
		return slices.Clone(DefaultArtifacts)
	default:
		return []string{}
	}
}

// resolve turns a declared command into a command template. ID, step and
// order are assigned when the template is attached to a step.
func (c *Config) resolve(cmd CommandConfig) *models.Command {
	label := cmd.Label
	if label == "" {
		label = labelFromScript(cmd.Script)
	}
	return &models.Command{
		Label:     label,
		Script:    cmd.Script,
		CWD:       c.workdir(cmd.Path),
		Env:       c.env(cmd.Env),
		Artifacts: c.artifacts(cmd.Type, cmd.Artifacts),
		Type:      cmd.Type,
	}
}

func (c *Config) resolveShard(shard Shard, cmd ShardCommand) *models.Command {
	t := cmd.Type
	if t == "" {
		t = models.CommandTypeDefault
	}
	return &models.Command{
		Label:     labelFromScript(cmd.Script),
		Script:    cmd.Script,
		CWD:       c.workdir(shard.Path),
		Env:       c.env(cmd.Env),
		Artifacts: c.artifacts(t, shard.Artifacts),
		Type:      t,
	}
}

// infraCommands renders the checkout of every repository, primary first,
// followed by removal of the project config from the checkout.
func (d *Default) infraCommands(ctx context.Context, db *gorm.DB, job *models.Job) ([]*models.Command, error) {
	var source models.Source
	if err := db.WithContext(ctx).First(&source, "id = ?", job.SourceID).Error; err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	var repo models.Repository
	if err := db.WithContext(ctx).First(&repo, "id = ?", source.RepositoryID).Error; err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	options, err := models.LoadProjectOptions(db.WithContext(ctx), job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project options: %w", err)
	}

	params := vcs.CheckoutParams{
		RemoteURL: repo.URL,
		LocalPath: d.cfg.Path,
		Revision:  source.RevisionSHA,
	}
	if source.PatchID != nil {
		params.PatchURL = fmt.Sprintf("%spatches/%s/?raw=1", d.baseURI(), source.PatchID)
	}

	script, err := vcs.CheckoutCommand(repo.Backend, params)
	if err != nil {
		return nil, err
	}
	commands := []*models.Command{d.infraCommand("Checkout "+repo.URL, script, "")}

	for _, other := range d.cfg.OtherRepos {
		script, err := vcs.CheckoutCommand(other.Backend, vcs.CheckoutParams{
			RemoteURL: other.Repo,
			LocalPath: other.Path,
			Revision:  other.Revision,
		})
		if err != nil {
			return nil, err
		}
		commands = append(commands, d.infraCommand("Checkout "+other.Repo, script, ""))
	}

	strip := fmt.Sprintf("rm -f %s", projectconfig.Path(options))
	commands = append(commands, d.infraCommand("Remove project config", strip, d.cfg.workdir("")))

	return commands, nil
}

func (d *Default) infraCommand(label, script, cwd string) *models.Command {
	return &models.Command{
		Label:     label,
		Script:    script,
		CWD:       cwd,
		Env:       d.cfg.env(nil),
		Artifacts: []string{},
		Type:      models.CommandTypeInfraSetup,
	}
}

func (d *Default) baseURI() string {
	base := d.deps.Env.BaseURI
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// createStep persists step and its commands in order, assigning command
// IDs and indexes.
func createStep(tx *gorm.DB, step *models.JobStep, templates []*models.Command) ([]*models.Command, error) {
	if err := tx.Create(step).Error; err != nil {
		return nil, fmt.Errorf("create job step: %w", err)
	}
	if len(templates) == 0 {
		return nil, nil
	}

	commands := make([]*models.Command, 0, len(templates))
	for i, tmpl := range templates {
		cmd := copyCommand(tmpl)
		cmd.JobStepID = step.ID
		cmd.Order = i
		commands = append(commands, cmd)
	}
	if err := tx.Create(&commands).Error; err != nil {
		return nil, fmt.Errorf("create commands: %w", err)
	}
	return commands, nil
}

func copyCommand(src *models.Command) *models.Command {
	env := make(datatypes.JSONMap, len(src.Env))
	maps.Copy(env, src.Env)
	artifacts := slices.Clone([]string(src.Artifacts))
	if artifacts == nil {
		artifacts = []string{}
	}
	return &models.Command{
		ID:        uuid.New(),
		Label:     src.Label,
		Script:    src.Script,
		CWD:       src.CWD,
		Env:       env,
		Artifacts: artifacts,
		Type:      src.Type,
		Status:    models.StatusQueued,
	}
}

func newStep(job *models.Job, phase *models.JobPhase, label string, clusterID *uuid.UUID, data datatypes.JSONMap, at time.Time) *models.JobStep {
	return &models.JobStep{
		ID:        uuid.New(),
		JobID:     job.ID,
		PhaseID:   phase.ID,
		ProjectID: job.ProjectID,
		Label:     label,
		Status:    models.StatusQueued,
		Result:    models.ResultUnknown,
		ClusterID: clusterID,
		Data:      data,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func loadCommands(tx *gorm.DB, stepID uuid.UUID) ([]*models.Command, error) {
	var commands []*models.Command
	err := tx.Where("job_step_id = ?", stepID).Order("command_order ASC").Find(&commands).Error
	return commands, err
}

// stamp spaces out creation times of the n rows created in one call so
// their order survives timestamp ordering. The last row gets base and the
// earlier ones are backdated by a microsecond each, so no row is stamped
// after the call returns.
func stamp(base time.Time, i, n int) time.Time {
	return base.Add(-time.Duration(n-1-i) * time.Microsecond)
}
