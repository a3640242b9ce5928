package build

import (
	"context"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SnapshotRequest describes a snapshot build.
type SnapshotRequest struct {
	Project *models.Project
	Source  *models.Source
	Label   string
	Author  string
}

// CreateSnapshotBuild starts a build producing a new snapshot of project:
// a pending snapshot, and one job plus pending image per plan that
// participates in snapshotting. It fails with ErrNoSnapshotPlans when no
// plan participates.
func (s *Service) CreateSnapshotBuild(ctx context.Context, req SnapshotRequest) (*models.Snapshot, *models.Build, error) {
	project := req.Project

	plans, err := s.activePlans(ctx, project)
	if err != nil {
		return nil, nil, err
	}

	var participating []*models.Plan
	for _, plan := range plans {
		ok, err := s.snapshots.PlanAllowsSnapshot(ctx, plan)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			participating = append(participating, plan)
		}
	}
	if len(participating) == 0 {
		return nil, nil, ErrNoSnapshotPlans
	}

	label := req.Label
	if label == "" {
		label = "Create snapshot"
	}

	var (
		snap  *models.Snapshot
		build *models.Build
		jobs  []*models.Job
	)
	err = s.db(ctx).Transaction(func(tx *gorm.DB) error {
		build, err = insertBuild(tx, project, req.Source, buildFields{
			label:        label,
			target:       shortSHA(req.Source.RevisionSHA),
			author:       req.Author,
			cause:        models.CauseSnapshot,
			collectionID: uuid.New(),
		})
		if err != nil {
			return err
		}

		snap = &models.Snapshot{
			ID:        uuid.New(),
			ProjectID: project.ID,
			BuildID:   &build.ID,
			SourceID:  &req.Source.ID,
			Status:    models.SnapshotStatusPending,
		}
		if err := tx.Create(snap).Error; err != nil {
			return err
		}

		for _, plan := range participating {
			job, err := insertJob(tx, build, plan, nil)
			if err != nil {
				return err
			}
			if job == nil {
				continue
			}
			jobs = append(jobs, job)

			image := &models.SnapshotImage{
				ID:         uuid.New(),
				SnapshotID: snap.ID,
				PlanID:     plan.ID,
				JobID:      &job.ID,
				Status:     models.SnapshotStatusPending,
			}
			if err := tx.Create(image).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.created(ctx, project, build, jobs)
	log.Info("snapshot build created", "snapshot_id", snap.ID, "build_id", build.ID, "plans", len(participating))
	return snap, build, nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// SnapshotSubmit is a snapshot build request as submitted over the API.
type SnapshotSubmit struct {
	Project string
	SHA     string
	Label   string
	Author  string
}

// SubmitSnapshot resolves the project and revision of req and starts a
// snapshot build from it. Without a sha the repository head is used.
func (s *Service) SubmitSnapshot(ctx context.Context, req SnapshotSubmit) (*models.Snapshot, *models.Build, error) {
	if req.Project == "" {
		return nil, nil, problem.Invalid("project is required", "project")
	}

	repo, projects, err := s.resolveIdentity(ctx, Request{Project: req.Project})
	if err != nil {
		return nil, nil, err
	}

	client, err := s.client(repo)
	if err != nil {
		return nil, nil, err
	}

	sha := req.SHA
	if sha == "" {
		if sha, err = latestSHA(ctx, client); err != nil {
			return nil, nil, err
		}
	}
	if _, err := s.Revision(ctx, client, repo, sha); err != nil {
		return nil, nil, err
	}

	source, err := s.CommitSource(ctx, repo, sha)
	if err != nil {
		return nil, nil, err
	}

	return s.CreateSnapshotBuild(ctx, SnapshotRequest{
		Project: projects[0],
		Source:  source,
		Label:   req.Label,
		Author:  req.Author,
	})
}
