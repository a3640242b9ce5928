package build

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caesium-cloud/quarry/internal/diff"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/internal/projectconfig"
	"github.com/caesium-cloud/quarry/internal/trigger"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultLabel = "A homeless build"

// Request is a build request as submitted by a user or a hook.
type Request struct {
	Project    string
	Repository string
	SHA        string

	Patch      string
	PatchLabel string

	Label    string
	Target   string
	Message  string
	Author   string
	Priority int
	Cause    models.Cause

	SnapshotID string
	NoSnapshot bool

	// ApplyFileFilter runs the file trigger rules and drops projects that
	// should not build.
	ApplyFileFilter  bool
	EnsureOnly       bool
	SelectiveTesting bool
}

// Validate reports contradictory or malformed parameters.
func (r *Request) Validate() error {
	switch {
	case r.Project == "" && r.Repository == "":
		return problem.Invalid("project or repository is required", "project", "repository")
	case r.Patch != "" && r.EnsureOnly:
		return problem.Invalid("patch cannot be combined with ensure_only", "patch", "ensure_only")
	case r.Patch != "" && r.SHA == "":
		return problem.Invalid("patch requires a parent sha", "sha")
	case r.SnapshotID != "" && r.NoSnapshot:
		return problem.Invalid("snapshot_id cannot be combined with no_snapshot", "snapshot_id", "no_snapshot")
	}
	if r.SnapshotID != "" {
		if _, err := uuid.Parse(r.SnapshotID); err != nil {
			return problem.Invalid("snapshot_id is not a valid id", "snapshot_id")
		}
	}
	return nil
}

// Submit resolves a request into projects, a source and a revision and
// creates the resulting builds. With EnsureOnly, projects that already have
// a build of the revision return it instead of building again.
func (s *Service) Submit(ctx context.Context, req Request) ([]*models.Build, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	repo, projects, err := s.resolveIdentity(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return []*models.Build{}, nil
	}

	snapshotID, err := s.resolveSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}

	client, err := s.client(repo)
	if err != nil {
		return nil, err
	}

	sha := req.SHA
	if sha == "" {
		if sha, err = latestSHA(ctx, client); err != nil {
			return nil, err
		}
	}

	revision, err := s.Revision(ctx, client, repo, sha)
	if err != nil {
		return nil, err
	}

	patch := newPatch(repo, sha, req)
	if req.ApplyFileFilter {
		projects, err = s.filter(ctx, client, projects, sha, patch)
		if err != nil {
			return nil, err
		}
	}

	var (
		builds []*models.Build
		create []*models.Project
	)
	if req.EnsureOnly {
		for _, project := range projects {
			existing, err := s.Ensure(ctx, project, sha)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				builds = append(builds, existing)
				continue
			}
			create = append(create, project)
		}
	} else {
		create = projects
	}

	if len(create) > 0 {
		source, err := s.source(ctx, repo, sha, patch)
		if err != nil {
			return nil, err
		}

		created, err := s.Create(ctx, CreateRequest{
			Projects:         create,
			Source:           source,
			Label:            pick(req.Label, patchLabel(patch), firstLine(revision.Message), defaultLabel),
			Target:           pick(req.Target, shortSHA(sha)),
			Message:          pick(req.Message, revision.Message),
			Author:           pick(req.Author, revision.Author),
			Cause:            pick(req.Cause, models.CauseManual),
			Priority:         req.Priority,
			SnapshotID:       snapshotID,
			NoSnapshot:       req.NoSnapshot,
			SelectiveTesting: req.SelectiveTesting && patch != nil,
		})
		// failed projects are logged by Create; only an all-failed
		// batch fails the request
		if err != nil && len(created) == 0 {
			return nil, err
		}
		builds = append(builds, created...)
	}

	if builds == nil {
		builds = []*models.Build{}
	}
	return builds, nil
}

// resolveIdentity maps the request to a repository and its projects. A
// project slug selects that project; a repository URL selects every active
// project of the repository.
func (s *Service) resolveIdentity(ctx context.Context, req Request) (*models.Repository, []*models.Project, error) {
	var repo models.Repository

	if req.Project != "" {
		var project models.Project
		if err := s.db(ctx).Where("slug = ?", req.Project).First(&project).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil, problem.Invalid(fmt.Sprintf("unknown project %q", req.Project), "project")
			}
			return nil, nil, err
		}
		if err := s.db(ctx).First(&repo, "id = ?", project.RepositoryID).Error; err != nil {
			return nil, nil, err
		}
		if req.Repository != "" && req.Repository != repo.URL {
			return nil, nil, problem.Invalid("project does not belong to repository", "repository")
		}
		return &repo, []*models.Project{&project}, nil
	}

	if err := s.db(ctx).Where("url = ?", req.Repository).First(&repo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, problem.Invalid(fmt.Sprintf("unknown repository %q", req.Repository), "repository")
		}
		return nil, nil, err
	}

	var projects []*models.Project
	err := s.db(ctx).
		Where("repository_id = ? AND status = ?", repo.ID, models.ProjectStatusActive).
		Order("slug ASC").
		Find(&projects).Error
	if err != nil {
		return nil, nil, err
	}
	return &repo, projects, nil
}

// resolveSnapshot validates an explicitly requested snapshot. Unlike plan
// selection, a snapshot that is not active is an error here.
func (s *Service) resolveSnapshot(ctx context.Context, req Request) (*uuid.UUID, error) {
	if req.SnapshotID == "" {
		return nil, nil
	}
	id := uuid.MustParse(req.SnapshotID)

	var snap models.Snapshot
	if err := s.db(ctx).First(&snap, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.Invalid("unknown snapshot", "snapshot_id")
		}
		return nil, err
	}
	if snap.Status != models.SnapshotStatusActive {
		return nil, problem.Invalid(fmt.Sprintf("snapshot is %s", snap.Status), "snapshot_id")
	}
	return &snap.ID, nil
}

// client returns the vcs client of repo, or nil when the backend cannot be
// mirrored by this process.
func (s *Service) client(repo *models.Repository) (vcs.Client, error) {
	if s.vcs == nil {
		return nil, nil
	}
	client, err := s.vcs(repo)
	if errors.Is(err, vcs.ErrUnsupportedBackend) {
		return nil, nil
	}
	return client, err
}

func latestSHA(ctx context.Context, client vcs.Client) (string, error) {
	if client == nil {
		return "", problem.Invalid("sha is required for this repository", "sha")
	}
	revs, err := client.Log(ctx, vcs.LogOptions{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(revs) == 0 {
		return "", problem.Invalid("repository has no revisions", "sha")
	}
	return revs[0].SHA, nil
}

// Revision returns the stored revision sha of repo, recording it from the
// vcs on first sight. Without a client an unknown revision is returned
// with only its sha.
func (s *Service) Revision(ctx context.Context, client vcs.Client, repo *models.Repository, sha string) (*models.Revision, error) {
	var revision models.Revision
	err := s.db(ctx).Where("repository_id = ? AND sha = ?", repo.ID, sha).First(&revision).Error
	switch {
	case err == nil:
		return &revision, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	case client == nil:
		return &models.Revision{RepositoryID: repo.ID, SHA: sha}, nil
	}

	revs, err := client.Log(ctx, vcs.LogOptions{Parent: sha, Limit: 1})
	if err != nil {
		var vcsErr *problem.VCSError
		if errors.As(err, &vcsErr) && !vcsErr.Transient {
			return nil, &problem.VCSError{Field: "sha", Err: vcsErr.Err}
		}
		return nil, err
	}
	if len(revs) == 0 {
		return nil, problem.Invalid("unknown revision", "sha")
	}

	rev := revs[0]
	revision = models.Revision{
		RepositoryID: repo.ID,
		SHA:          rev.SHA,
		Author:       formatAuthor(rev.Author, rev.Email),
		Message:      rev.Message,
		CommittedAt:  rev.CommittedAt,
	}
	if err := s.db(ctx).Save(&revision).Error; err != nil {
		return nil, err
	}
	return &revision, nil
}

// newPatch returns the unsaved patch of a diff request, or nil.
func newPatch(repo *models.Repository, sha string, req Request) *models.Patch {
	if req.Patch == "" {
		return nil
	}
	return &models.Patch{
		ID:                uuid.New(),
		RepositoryID:      repo.ID,
		ParentRevisionSHA: sha,
		Label:             req.PatchLabel,
		Diff:              req.Patch,
	}
}

// source persists the source builds are created from: a new patch source
// for diffs, the shared commit source otherwise.
func (s *Service) source(ctx context.Context, repo *models.Repository, sha string, patch *models.Patch) (*models.Source, error) {
	if patch == nil {
		return s.CommitSource(ctx, repo, sha)
	}

	source := &models.Source{
		ID:           uuid.New(),
		RepositoryID: repo.ID,
		RevisionSHA:  sha,
		PatchID:      &patch.ID,
	}
	err := s.db(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(patch).Error; err != nil {
			return err
		}
		return tx.Create(source).Error
	})
	if err != nil {
		return nil, err
	}
	return source, nil
}

// CommitSource returns the patch-free source of sha in repo, creating it
// on first use.
func (s *Service) CommitSource(ctx context.Context, repo *models.Repository, sha string) (*models.Source, error) {
	var source models.Source
	err := s.db(ctx).
		Where("repository_id = ? AND revision_sha = ? AND patch_id IS NULL", repo.ID, sha).
		Attrs(models.Source{ID: uuid.New()}).
		FirstOrCreate(&source, models.Source{RepositoryID: repo.ID, RevisionSHA: sha}).Error
	if err != nil {
		return nil, err
	}
	return &source, nil
}

// filter applies the file trigger rules to projects.
func (s *Service) filter(ctx context.Context, client vcs.Client, projects []*models.Project, sha string, patch *models.Patch) ([]*models.Project, error) {
	var (
		changed map[string]struct{}
		text    string
		err     error
	)
	switch {
	case patch != nil:
		text = patch.Diff
		changed, err = diff.ChangedFiles(text)
		if err != nil {
			return nil, problem.Invalid(fmt.Sprintf("malformed patch: %v", err), "patch")
		}
	case client != nil:
		changed, err = client.ChangedFiles(ctx, sha)
		if err != nil {
			return nil, err
		}
	default:
		return nil, problem.Invalid("file filtering is not supported for this repository", "apply_project_files_trigger")
	}

	var reader projectconfig.Reader = noConfig{}
	if client != nil {
		reader = client
	}
	eligible, skipped := trigger.NewEvaluator(s.deps.DB, reader, s.deps.Env.SelectiveTestingEnabled).EvaluateProjects(ctx, projects, changed, sha, text)
	for _, skip := range skipped {
		log.Info("project skipped by file trigger", "project", skip.Project.Slug, "reason", skip.Reason)
	}
	return eligible, nil
}

func patchLabel(patch *models.Patch) string {
	if patch == nil {
		return ""
	}
	return patch.Label
}

func formatAuthor(name, email string) string {
	switch {
	case email == "":
		return name
	case name == "":
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// pick returns the first non-empty value.
func pick[T ~string](values ...T) T {
	for _, v := range values {
		if strings.TrimSpace(string(v)) != "" {
			return v
		}
	}
	var zero T
	return zero
}
