// Package plandef persists project manifests: repository, project options
// and plans with their ordered steps.
package plandef

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/pkg/jsonmap"
	"github.com/caesium-cloud/quarry/pkg/log"
	schema "github.com/caesium-cloud/quarry/pkg/plandef"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrRepositoryMismatch = errors.New("project belongs to a different repository")

// Importer coordinates persistence of project manifests.
type Importer struct {
	db *gorm.DB
}

// NewImporter creates a new importer. The provided db connection must be non-nil.
func NewImporter(dbConn *gorm.DB) *Importer {
	if dbConn == nil {
		panic("plandef importer requires a database connection")
	}
	return &Importer{db: dbConn}
}

// Apply upserts the manifest in one transaction. Plans missing from the
// manifest are deactivated, never deleted, so existing jobs keep their plan.
func (i *Importer) Apply(ctx context.Context, def *schema.Definition) (*models.Project, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := validateImplementations(def); err != nil {
		return nil, err
	}

	var result *models.Project
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo, err := i.upsertRepository(tx, def.Repository)
		if err != nil {
			return err
		}

		project, err := i.upsertProject(tx, repo, def.Metadata)
		if err != nil {
			return err
		}

		// snapshot.current is owned by the snapshot service.
		if err := tx.Where("project_id = ? AND name <> ?", project.ID, models.OptionCurrentSnapshot).
			Delete(&models.ProjectOption{}).Error; err != nil {
			return err
		}
		for name, value := range def.Options {
			if name == models.OptionCurrentSnapshot {
				continue
			}
			if err := tx.Create(&models.ProjectOption{ProjectID: project.ID, Name: name, Value: value}).Error; err != nil {
				return err
			}
		}

		keep := make([]string, 0, len(def.Plans))
		for idx := range def.Plans {
			if err := i.upsertPlan(tx, project, &def.Plans[idx]); err != nil {
				return fmt.Errorf("plan %s: %w", def.Plans[idx].Label, err)
			}
			keep = append(keep, def.Plans[idx].Label)
		}

		q := tx.Model(&models.Plan{}).Where("project_id = ?", project.ID)
		if len(keep) > 0 {
			q = q.Where("label NOT IN ?", keep)
		}
		if err := q.Update("status", models.ProjectStatusInactive).Error; err != nil {
			return err
		}

		result = project
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("applied project manifest", "project", result.Slug, "plans", len(def.Plans))
	return result, nil
}

func validateImplementations(def *schema.Definition) error {
	known := buildstep.Implementations()
	for i, plan := range def.Plans {
		for j, step := range plan.Steps {
			if !slices.Contains(known, step.Implementation) {
				return fmt.Errorf("plans[%d].steps[%d]: %w: %q", i, j, buildstep.ErrUnknownImplementation, step.Implementation)
			}
		}
	}
	return nil
}

func (i *Importer) upsertRepository(tx *gorm.DB, spec schema.Repository) (*models.Repository, error) {
	var repo models.Repository
	err := tx.Where("url = ?", spec.URL).First(&repo).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		repo = models.Repository{
			ID:      uuid.New(),
			URL:     spec.URL,
			Backend: models.RepositoryBackend(spec.Backend),
			Status:  models.RepositoryStatusActive,
		}
		return &repo, tx.Create(&repo).Error
	case err != nil:
		return nil, err
	}

	err = tx.Model(&repo).Updates(map[string]any{
		"backend": spec.Backend,
		"status":  models.RepositoryStatusActive,
	}).Error
	return &repo, err
}

func (i *Importer) upsertProject(tx *gorm.DB, repo *models.Repository, meta schema.Metadata) (*models.Project, error) {
	name := meta.Name
	if name == "" {
		name = meta.Slug
	}

	var project models.Project
	err := tx.Where("slug = ?", meta.Slug).First(&project).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		project = models.Project{
			ID:           uuid.New(),
			Slug:         meta.Slug,
			Name:         name,
			RepositoryID: repo.ID,
			Status:       models.ProjectStatusActive,
		}
		return &project, tx.Create(&project).Error
	case err != nil:
		return nil, err
	}

	if project.RepositoryID != repo.ID {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryMismatch, meta.Slug)
	}
	err = tx.Model(&project).Updates(map[string]any{
		"name":   name,
		"status": models.ProjectStatusActive,
	}).Error
	return &project, err
}

// upsertPlan creates or reactivates the plan and replaces its steps and
// options wholesale.
func (i *Importer) upsertPlan(tx *gorm.DB, project *models.Project, spec *schema.Plan) error {
	var plan models.Plan
	err := tx.Where("project_id = ? AND label = ?", project.ID, spec.Label).First(&plan).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		plan = models.Plan{
			ID:        uuid.New(),
			ProjectID: project.ID,
			Label:     spec.Label,
			Status:    models.ProjectStatusActive,
		}
		if err := tx.Create(&plan).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := tx.Model(&plan).Update("status", models.ProjectStatusActive).Error; err != nil {
			return err
		}
	}

	if err := tx.Where("plan_id = ?", plan.ID).Delete(&models.PlanStep{}).Error; err != nil {
		return err
	}
	for order, step := range spec.Steps {
		data := jsonmap.Clone(step.Data)
		model := &models.PlanStep{
			ID:             uuid.New(),
			PlanID:         plan.ID,
			Implementation: step.Implementation,
			Order:          order,
			Data:           data,
		}
		if err := tx.Create(model).Error; err != nil {
			return err
		}
	}

	if err := tx.Where("plan_id = ?", plan.ID).Delete(&models.PlanOption{}).Error; err != nil {
		return err
	}
	for name, value := range spec.Options {
		if err := tx.Create(&models.PlanOption{PlanID: plan.ID, Name: name, Value: value}).Error; err != nil {
			return err
		}
	}
	return nil
}
