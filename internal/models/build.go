package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Cause string

const (
	CauseUnknown  Cause = "unknown"
	CauseManual   Cause = "manual"
	CausePush     Cause = "push"
	CauseRetry    Cause = "retry"
	CauseSnapshot Cause = "snapshot"
)

type SelectiveTestingPolicy string

const (
	SelectiveTestingEnabled  SelectiveTestingPolicy = "enabled"
	SelectiveTestingDisabled SelectiveTestingPolicy = "disabled"
)

// Build is one project's response to a triggering event.
type Build struct {
	ID                     uuid.UUID              `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID              uuid.UUID              `gorm:"type:uuid;not null;uniqueIndex:idx_build_project_number" json:"project_id"`
	Number                 int                    `gorm:"not null;uniqueIndex:idx_build_project_number" json:"number"`
	SourceID               uuid.UUID              `gorm:"type:uuid;index;not null" json:"source_id"`
	CollectionID           uuid.UUID              `gorm:"type:uuid;index" json:"collection_id"`
	Label                  string                 `json:"label"`
	Target                 string                 `json:"target"`
	Message                string                 `gorm:"type:text" json:"message"`
	Author                 string                 `json:"author"`
	Cause                  Cause                  `gorm:"type:text;not null" json:"cause"`
	Status                 Status                 `gorm:"type:text;index;not null" json:"status"`
	Result                 Result                 `gorm:"type:text;not null" json:"result"`
	Priority               int                    `gorm:"not null;default:0" json:"priority"`
	SelectiveTestingPolicy SelectiveTestingPolicy `gorm:"type:text;not null;default:'disabled'" json:"selective_testing_policy"`
	DateStarted            *time.Time             `json:"date_started,omitempty"`
	DateFinished           *time.Time             `json:"date_finished,omitempty"`
	CreatedAt              time.Time              `gorm:"index;not null" json:"created_at"`
	UpdatedAt              time.Time              `gorm:"not null" json:"updated_at"`
}

type Builds []*Build

// BuildMessage is a human-readable note attached to a build.
type BuildMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	BuildID   uuid.UUID `gorm:"type:uuid;index;not null" json:"build_id"`
	Text      string    `gorm:"type:text" json:"text"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// Job is one plan's execution within a build. StepConfig freezes the plan
// step the job was created from so later plan edits do not leak in.
type Job struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BuildID         uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_job_build_number" json:"build_id"`
	Number          int            `gorm:"not null;uniqueIndex:idx_job_build_number" json:"number"`
	ProjectID       uuid.UUID      `gorm:"type:uuid;index;not null" json:"project_id"`
	PlanID          uuid.UUID      `gorm:"type:uuid;index;not null" json:"plan_id"`
	SourceID        uuid.UUID      `gorm:"type:uuid;index;not null" json:"source_id"`
	Label           string         `json:"label"`
	Status          Status         `gorm:"type:text;index;not null" json:"status"`
	Result          Result         `gorm:"type:text;not null" json:"result"`
	SnapshotImageID *uuid.UUID     `gorm:"type:uuid" json:"snapshot_image_id,omitempty"`
	StepConfig      datatypes.JSON `gorm:"type:json" json:"-"`
	DateStarted     *time.Time     `json:"date_started,omitempty"`
	DateFinished    *time.Time     `json:"date_finished,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
}

type Jobs []*Job

type JobPhase struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       uuid.UUID  `gorm:"type:uuid;index;not null" json:"job_id"`
	Label       string     `json:"label"`
	Status      Status     `gorm:"type:text;not null" json:"status"`
	Result      Result     `gorm:"type:text;not null" json:"result"`
	DateStarted *time.Time `json:"date_started,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
}

// Step data keys.
const (
	StepDataRelease    = "release"
	StepDataAvoidNode  = "avoid_node"
	StepDataExpanded   = "expanded"
	StepDataWeight     = "weight"
	StepDataTests      = "tests"
	StepDataShardCount = "shard_count"
	StepDataCPUs       = "cpus"
	StepDataMemory     = "mem"
	StepDataPath       = "path"
)

// JobStep is a unit of work assigned to one cluster/node. ReplacementID is
// a forward-only link to the step created to retry this one.
type JobStep struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID         `gorm:"type:uuid;index;not null" json:"job_id"`
	PhaseID       uuid.UUID         `gorm:"type:uuid;index;not null" json:"phase_id"`
	ProjectID     uuid.UUID         `gorm:"type:uuid;index;not null" json:"project_id"`
	Label         string            `json:"label"`
	Status        Status            `gorm:"type:text;index;not null" json:"status"`
	Result        Result            `gorm:"type:text;not null" json:"result"`
	ClusterID     *uuid.UUID        `gorm:"type:uuid;index" json:"cluster_id,omitempty"`
	NodeID        *uuid.UUID        `gorm:"type:uuid" json:"node_id,omitempty"`
	ReplacementID *uuid.UUID        `gorm:"type:uuid;uniqueIndex" json:"replacement_id,omitempty"`
	Data          datatypes.JSONMap `gorm:"type:json" json:"data"`
	DateStarted   *time.Time        `json:"date_started,omitempty"`
	DateFinished  *time.Time        `json:"date_finished,omitempty"`
	CreatedAt     time.Time         `gorm:"index;not null" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
}

type JobSteps []*JobStep

type CommandType string

const (
	CommandTypeDefault      CommandType = "default"
	CommandTypeSetup        CommandType = "setup"
	CommandTypeTeardown     CommandType = "teardown"
	CommandTypeCollectTests CommandType = "collect_tests"
	CommandTypeInfraSetup   CommandType = "infra_setup"
	CommandTypeSnapshot     CommandType = "snapshot"
)

// IsValid reports whether t is a known command type.
func (t CommandType) IsValid() bool {
	switch t {
	case CommandTypeDefault, CommandTypeSetup, CommandTypeTeardown,
		CommandTypeCollectTests, CommandTypeInfraSetup, CommandTypeSnapshot:
		return true
	}
	return false
}

// IsCollector reports whether commands of this type discover work that is
// expanded into further steps.
func (t CommandType) IsCollector() bool {
	return t == CommandTypeCollectTests
}

// Command is one shell unit inside a step. Commands are never mutated
// after creation.
type Command struct {
	ID        uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	JobStepID uuid.UUID                   `gorm:"type:uuid;not null;uniqueIndex:idx_command_step_order" json:"jobstep_id"`
	Order     int                         `gorm:"column:command_order;not null;uniqueIndex:idx_command_step_order" json:"order"`
	Label     string                      `json:"label"`
	Script    string                      `gorm:"type:text;not null" json:"script"`
	CWD       string                      `json:"cwd"`
	Env       datatypes.JSONMap           `gorm:"type:json" json:"env"`
	Artifacts datatypes.JSONSlice[string] `gorm:"type:json" json:"artifacts"`
	Type      CommandType                 `gorm:"type:text;not null" json:"type"`
	Status    Status                      `gorm:"type:text;not null" json:"status"`
	CreatedAt time.Time                   `gorm:"not null" json:"created_at"`
}

type Commands []*Command
