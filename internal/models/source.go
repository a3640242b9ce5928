package models

import (
	"time"

	"github.com/google/uuid"
)

type RepositoryBackend string

const (
	RepositoryBackendGit RepositoryBackend = "git"
	RepositoryBackendHg  RepositoryBackend = "hg"
)

type RepositoryStatus string

const (
	RepositoryStatusActive   RepositoryStatus = "active"
	RepositoryStatusInactive RepositoryStatus = "inactive"
)

type Repository struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	URL          string            `gorm:"uniqueIndex;not null" json:"url"`
	Backend      RepositoryBackend `gorm:"type:text;not null" json:"backend"`
	Status       RepositoryStatus  `gorm:"type:text;not null;default:'active'" json:"status"`
	LastRevision string            `json:"last_revision,omitempty"`
	LastPolledAt *time.Time        `json:"last_polled_at,omitempty"`
	CreatedAt    time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null" json:"updated_at"`
}

type Revision struct {
	RepositoryID uuid.UUID `gorm:"type:uuid;primaryKey" json:"repository_id"`
	SHA          string    `gorm:"primaryKey" json:"sha"`
	Author       string    `json:"author"`
	Message      string    `gorm:"type:text" json:"message"`
	Branches     string    `json:"branches,omitempty"`
	CommittedAt  time.Time `json:"committed_at"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

// Patch is a proposed diff against a parent revision.
type Patch struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RepositoryID      uuid.UUID `gorm:"type:uuid;index;not null" json:"repository_id"`
	ParentRevisionSHA string    `gorm:"index;not null" json:"parent_revision_sha"`
	Label             string    `json:"label"`
	Diff              string    `gorm:"type:text" json:"-"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

// Source identifies the exact code under test: a revision, optionally with
// a patch applied.
type Source struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RepositoryID uuid.UUID  `gorm:"type:uuid;index;not null" json:"repository_id"`
	RevisionSHA  string     `gorm:"index;not null" json:"revision_sha"`
	PatchID      *uuid.UUID `gorm:"type:uuid;index" json:"patch_id,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
}

// IsCommit reports whether the source is a plain revision.
func (s *Source) IsCommit() bool {
	return s.PatchID == nil
}
