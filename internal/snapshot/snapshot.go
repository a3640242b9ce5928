// Package snapshot selects cached environment images for jobs and prunes
// the per-cluster image caches.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/internal/problem"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidStatus = errors.New("invalid snapshot status")

// Service owns snapshot selection, status and cache bookkeeping.
type Service struct {
	deps buildstep.Deps
	now  func() time.Time
}

func NewService(deps buildstep.Deps) *Service {
	return &Service{deps: deps, now: time.Now}
}

func (s *Service) db(ctx context.Context) *gorm.DB {
	return s.deps.DB.WithContext(ctx)
}

func (s *Service) bus() event.Bus {
	if s.deps.Bus == nil {
		return event.Nop()
	}
	return s.deps.Bus
}

// PlanAllowsSnapshot reports whether plan participates in snapshotting:
// the plan is active, allows snapshots and its build step supports them.
func (s *Service) PlanAllowsSnapshot(ctx context.Context, plan *models.Plan) (bool, error) {
	if plan.Status != models.ProjectStatusActive {
		return false, nil
	}

	options, err := models.LoadPlanOptions(s.db(ctx), plan.ID)
	if err != nil {
		return false, err
	}
	if !models.OptionEnabled(options, models.OptionSnapshotAllow) {
		return false, nil
	}

	bs, err := buildstep.ForPlan(s.deps, s.db(ctx), plan)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return bs.CanSnapshot(), nil
}

// Current returns the project's current snapshot, or nil when it has none
// or the configured one is not active.
func (s *Service) Current(ctx context.Context, projectID uuid.UUID) (*models.Snapshot, error) {
	options, err := models.LoadProjectOptions(s.db(ctx), projectID)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(options[models.OptionCurrentSnapshot])
	if err != nil {
		return nil, nil
	}

	var snapshot models.Snapshot
	err = s.db(ctx).Where("id = ? AND status = ?", id, models.SnapshotStatusActive).First(&snapshot).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &snapshot, nil
}

// ImageFor returns the image of snapshotID built for planID, or nil.
func (s *Service) ImageFor(ctx context.Context, snapshotID, planID uuid.UUID) (*models.SnapshotImage, error) {
	var image models.SnapshotImage
	err := s.db(ctx).Where("snapshot_id = ? AND plan_id = ?", snapshotID, planID).First(&image).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &image, nil
}

// Choose picks the image a new job of plan launches from when the build
// asked for snapshotID. skip is set when the plan requires a snapshot that
// has no image yet; the caller leaves the plan out without an error. A nil
// snapshotID never skips.
func (s *Service) Choose(ctx context.Context, plan *models.Plan, snapshotID *uuid.UUID) (image *models.SnapshotImage, skip bool, err error) {
	if snapshotID == nil {
		return nil, false, nil
	}

	image, err = s.ImageFor(ctx, *snapshotID, plan.ID)
	if err != nil || image != nil {
		return image, false, err
	}

	options, err := models.LoadPlanOptions(s.db(ctx), plan.ID)
	if err != nil {
		return nil, false, err
	}
	return nil, models.OptionEnabled(options, models.OptionSnapshotRequire), nil
}

// UpdateImage records a new image status and folds it into the snapshot:
// every image active makes the snapshot active, any failed image fails it.
// With setCurrent an active snapshot becomes the project's current one.
func (s *Service) UpdateImage(ctx context.Context, imageID uuid.UUID, status models.SnapshotStatus, setCurrent bool) (*models.SnapshotImage, error) {
	switch status {
	case models.SnapshotStatusPending, models.SnapshotStatusActive,
		models.SnapshotStatusFailed, models.SnapshotStatusInvalidated:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var (
		image    models.SnapshotImage
		snapshot models.Snapshot
	)
	err := s.db(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&image, "id = ?", imageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return problem.NotFound("snapshot image", imageID.String())
			}
			return err
		}
		if err := tx.Model(&image).Update("status", status).Error; err != nil {
			return err
		}
		image.Status = status
		if err := tx.First(&snapshot, "id = ?", image.SnapshotID).Error; err != nil {
			return err
		}

		var images []models.SnapshotImage
		if err := tx.Where("snapshot_id = ?", snapshot.ID).Find(&images).Error; err != nil {
			return err
		}

		next := snapshot.Status
		active := 0
		for _, img := range images {
			switch img.Status {
			case models.SnapshotStatusFailed:
				next = models.SnapshotStatusFailed
			case models.SnapshotStatusActive:
				active++
			}
		}
		if next != models.SnapshotStatusFailed && len(images) > 0 && active == len(images) {
			next = models.SnapshotStatusActive
		}

		if next != snapshot.Status {
			if err := tx.Model(&snapshot).Update("status", next).Error; err != nil {
				return err
			}
			snapshot.Status = next
		}

		if next == models.SnapshotStatusActive && setCurrent {
			option := models.ProjectOption{ProjectID: snapshot.ProjectID, Name: models.OptionCurrentSnapshot, Value: snapshot.ID.String()}
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&option).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var buildID uuid.UUID
	if snapshot.BuildID != nil {
		buildID = *snapshot.BuildID
	}
	s.bus().Publish(event.New(event.TypeSnapshotUpdated, buildID, uuid.Nil, uuid.Nil, map[string]string{
		"snapshot_id":     snapshot.ID.String(),
		"snapshot_status": string(snapshot.Status),
		"image_id":        image.ID.String(),
		"image_status":    string(image.Status),
	}))
	log.Info("snapshot image updated", "image_id", image.ID, "status", image.Status, "snapshot_id", snapshot.ID, "snapshot_status", snapshot.Status)

	return &image, nil
}

// MarkCached records that an image has been pulled into a cluster cache.
// A nil expiration never expires.
func (s *Service) MarkCached(ctx context.Context, imageID uuid.UUID, expiration *time.Time) (*models.CachedSnapshotImage, error) {
	var image models.SnapshotImage
	if err := s.db(ctx).First(&image, "id = ?", imageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, problem.NotFound("snapshot image", imageID.String())
		}
		return nil, err
	}

	cached := &models.CachedSnapshotImage{ID: image.ID, ExpirationDate: expiration}
	err := s.db(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expiration_date", "updated_at"}),
	}).Create(cached).Error
	if err != nil {
		return nil, err
	}
	return cached, nil
}
