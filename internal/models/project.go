package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusInactive ProjectStatus = "inactive"
)

const (
	// DefaultConfigPath is the in-repo config file read at the built revision.
	DefaultConfigPath = ".quarry.yaml"

	OptionConfigPath             = "project.config"
	OptionFileWhitelist          = "build.file-whitelist"
	OptionMinMinutesBetweenBuild = "build.minimum-minutes-between-builds"
	OptionCurrentSnapshot        = "snapshot.current"
	OptionSelectiveTesting       = "selective-testing.enabled"

	OptionSnapshotAllow   = "snapshot.allow"
	OptionSnapshotRequire = "snapshot.require"
)

// Project is a buildable unit bound to one repository.
type Project struct {
	ID           uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Slug         string        `gorm:"uniqueIndex;not null" json:"slug"`
	Name         string        `json:"name"`
	RepositoryID uuid.UUID     `gorm:"type:uuid;index;not null" json:"repository_id"`
	Status       ProjectStatus `gorm:"type:text;not null;default:'active'" json:"status"`
	CreatedAt    time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"not null" json:"updated_at"`
}

type Projects []*Project

type ProjectOption struct {
	ProjectID uuid.UUID `gorm:"type:uuid;primaryKey" json:"project_id"`
	Name      string    `gorm:"primaryKey" json:"name"`
	Value     string    `gorm:"type:text" json:"value"`
}

// Plan is a named, reusable build definition owned by a project.
type Plan struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID     `gorm:"type:uuid;index;not null" json:"project_id"`
	Label     string        `gorm:"not null" json:"label"`
	Status    ProjectStatus `gorm:"type:text;not null;default:'active'" json:"status"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time     `gorm:"not null" json:"updated_at"`
}

type Plans []*Plan

type PlanOption struct {
	PlanID uuid.UUID `gorm:"type:uuid;primaryKey" json:"plan_id"`
	Name   string    `gorm:"primaryKey" json:"name"`
	Value  string    `gorm:"type:text" json:"value"`
}

// PlanStep is one ordered step config of a plan. The implementation names
// an entry of the build step registry; Data is that implementation's config.
type PlanStep struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	PlanID         uuid.UUID         `gorm:"type:uuid;index;not null" json:"plan_id"`
	Implementation string            `gorm:"not null" json:"implementation"`
	Order          int               `gorm:"column:step_order;not null" json:"order"`
	Data           datatypes.JSONMap `gorm:"type:json" json:"data"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

// Options flattens option rows into a lookup map.
func Options[T ProjectOption | PlanOption](rows []T) map[string]string {
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		switch r := any(row).(type) {
		case ProjectOption:
			out[r.Name] = r.Value
		case PlanOption:
			out[r.Name] = r.Value
		}
	}
	return out
}

// OptionEnabled reports whether a boolean-ish option is switched on.
func OptionEnabled(options map[string]string, name string) bool {
	switch strings.ToLower(strings.TrimSpace(options[name])) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
