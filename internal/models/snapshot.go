package models

import (
	"time"

	"github.com/google/uuid"
)

type SnapshotStatus string

const (
	SnapshotStatusPending     SnapshotStatus = "pending"
	SnapshotStatusActive      SnapshotStatus = "active"
	SnapshotStatusFailed      SnapshotStatus = "failed"
	SnapshotStatusInvalidated SnapshotStatus = "invalidated"
)

// Snapshot is a cached environment produced by a dedicated snapshot build.
type Snapshot struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID      `gorm:"type:uuid;index;not null" json:"project_id"`
	BuildID   *uuid.UUID     `gorm:"type:uuid" json:"build_id,omitempty"`
	SourceID  *uuid.UUID     `gorm:"type:uuid" json:"source_id,omitempty"`
	Status    SnapshotStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

// SnapshotImage is the per-plan image of a snapshot. JobID is the job that
// produces it.
type SnapshotImage struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SnapshotID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_snapshot_image_plan" json:"snapshot_id"`
	PlanID     uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_snapshot_image_plan" json:"plan_id"`
	JobID      *uuid.UUID     `gorm:"type:uuid;index" json:"job_id,omitempty"`
	Status     SnapshotStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

// CachedSnapshotImage records that a cluster holds a copy of the image
// with the same ID. A nil ExpirationDate never expires.
type CachedSnapshotImage struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExpirationDate *time.Time `gorm:"index" json:"expiration_date,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null" json:"updated_at"`
}

// Expired reports whether the cached image is stale at now.
func (c *CachedSnapshotImage) Expired(now time.Time) bool {
	return c.ExpirationDate != nil && !c.ExpirationDate.After(now)
}
