package build

import (
	"context"
	"slices"
	"time"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/trigger"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
)

// pollWindow bounds how far back one poll walks the log.
const pollWindow = 50

// Poll syncs the mirror of repo and creates push builds for every revision
// committed since the last poll, oldest first. A repository polled for the
// first time only builds its head.
func (s *Service) Poll(ctx context.Context, repo *models.Repository) ([]*models.Build, error) {
	client, err := s.client(repo)
	if err != nil || client == nil {
		return nil, err
	}

	if err := vcs.EnsureFresh(ctx, client); err != nil {
		return nil, err
	}

	revs, err := client.Log(ctx, vcs.LogOptions{Limit: pollWindow})
	if err != nil {
		return nil, err
	}
	pending := unseen(revs, repo.LastRevision)

	var projects []*models.Project
	err = s.db(ctx).
		Where("repository_id = ? AND status = ?", repo.ID, models.ProjectStatusActive).
		Order("slug ASC").
		Find(&projects).Error
	if err != nil {
		return nil, err
	}

	var created []*models.Build
	for i := len(pending) - 1; i >= 0; i-- {
		builds, err := s.push(ctx, client, repo, projects, pending[i].SHA)
		created = append(created, builds...)
		if err != nil {
			return created, err
		}

		if err := s.markPolled(ctx, repo, pending[i].SHA); err != nil {
			return created, err
		}
	}
	if len(pending) == 0 {
		if err := s.markPolled(ctx, repo, repo.LastRevision); err != nil {
			return created, err
		}
	}

	log.Info("polled repository", "repository", repo.URL, "revisions", len(pending), "builds", len(created))
	return created, nil
}

// unseen returns the revisions newer than last, newest first.
func unseen(revs []vcs.Revision, last string) []vcs.Revision {
	if last == "" {
		if len(revs) > 1 {
			return revs[:1]
		}
		return revs
	}
	for i, rev := range revs {
		if rev.SHA == last {
			return revs[:i]
		}
	}
	return revs
}

func (s *Service) push(ctx context.Context, client vcs.Client, repo *models.Repository, projects []*models.Project, sha string) ([]*models.Build, error) {
	revision, err := s.Revision(ctx, client, repo, sha)
	if err != nil {
		return nil, err
	}
	source, err := s.CommitSource(ctx, repo, sha)
	if err != nil {
		return nil, err
	}
	changed, err := client.ChangedFiles(ctx, sha)
	if err != nil {
		return nil, err
	}

	projects, err = s.unpushed(ctx, projects, source)
	if err != nil || len(projects) == 0 {
		return nil, err
	}

	eligible, skipped := trigger.NewEvaluator(s.db(ctx), client, s.deps.Env.SelectiveTestingEnabled).EvaluateProjects(ctx, projects, changed, sha, "")
	for _, skip := range skipped {
		log.Info("push build skipped", "project", skip.Project.Slug, "sha", sha, "reason", skip.Reason)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	return s.Create(ctx, CreateRequest{
		Projects: eligible,
		Source:   source,
		Label:    pick(firstLine(revision.Message), defaultLabel),
		Target:   shortSHA(sha),
		Message:  revision.Message,
		Author:   revision.Author,
		Cause:    models.CausePush,
	})
}

// unpushed drops the projects that already have a push build of source, so
// a poll retried after a partial failure only builds what is missing.
func (s *Service) unpushed(ctx context.Context, projects []*models.Project, source *models.Source) ([]*models.Project, error) {
	var built []uuid.UUID
	err := s.db(ctx).Model(&models.Build{}).
		Where("source_id = ? AND cause = ?", source.ID, models.CausePush).
		Distinct().
		Pluck("project_id", &built).Error
	if err != nil {
		return nil, err
	}

	out := make([]*models.Project, 0, len(projects))
	for _, project := range projects {
		if !slices.Contains(built, project.ID) {
			out = append(out, project)
		}
	}
	return out, nil
}

func (s *Service) markPolled(ctx context.Context, repo *models.Repository, sha string) error {
	now := time.Now().UTC()
	err := s.db(ctx).Model(&models.Repository{}).Where("id = ?", repo.ID).Updates(map[string]any{
		"last_revision":  sha,
		"last_polled_at": now,
	}).Error
	if err != nil {
		return err
	}
	repo.LastRevision = sha
	repo.LastPolledAt = &now
	return nil
}
