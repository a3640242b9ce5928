package build

import (
	"context"
	"errors"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Summary is the short form of a build handed back to submitters.
type Summary struct {
	ID      uuid.UUID `json:"id"`
	Number  int       `json:"number"`
	Project string    `json:"project"`
}

// Summarize pairs builds with their project slugs, keeping their order.
func (s *Service) Summarize(ctx context.Context, builds []*models.Build) ([]Summary, error) {
	ids := make([]uuid.UUID, 0, len(builds))
	for _, b := range builds {
		ids = append(ids, b.ProjectID)
	}

	var projects []models.Project
	if len(ids) > 0 {
		if err := s.db(ctx).Where("id IN ?", ids).Find(&projects).Error; err != nil {
			return nil, err
		}
	}
	slugs := make(map[uuid.UUID]string, len(projects))
	for _, p := range projects {
		slugs[p.ID] = p.Slug
	}

	out := make([]Summary, 0, len(builds))
	for _, b := range builds {
		out = append(out, Summary{ID: b.ID, Number: b.Number, Project: slugs[b.ProjectID]})
	}
	return out, nil
}

// Jobs returns the jobs of a build in number order.
func (s *Service) Jobs(ctx context.Context, buildID uuid.UUID) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db(ctx).Where("build_id = ?", buildID).Order("number ASC").Find(&jobs).Error
	return jobs, err
}

// Patch returns a patch by id, diff included.
func (s *Service) Patch(ctx context.Context, id uuid.UUID) (*models.Patch, error) {
	var patch models.Patch
	if err := s.db(ctx).First(&patch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("patch", id.String())
		}
		return nil, err
	}
	return &patch, nil
}
