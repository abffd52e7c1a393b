// Package models holds the GORM row types the core reads and writes:
// Log, Task, Job, and Evaluation. Only the fields the core itself
// touches are modeled, plus a Metadata JSON column on Job and
// Evaluation that the core never writes; the relational schema is
// otherwise owned by the front-end this package does not implement.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Log is persisted task output: empty while a task is live, populated
// by the finaliser with the LiveLogCache buffer once the task reaches a
// terminal state.
type Log struct {
	ID     int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Stderr *string `gorm:"column:stderr" json:"stderr,omitempty"`
}

func (Log) TableName() string { return "logs" }

// Task is the engine's persisted unit of work: one row per TaskManager
// entry, independent of which class it belongs to.
type Task struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Status       int        `gorm:"column:status;not null;default:0;index" json:"status"`
	TimeStarted  *int64     `gorm:"column:time_started" json:"time_started,omitempty"`
	TimeFinished *int64     `gorm:"column:time_finished" json:"time_finished,omitempty"`
	LogID        int64      `gorm:"column:log_id;not null" json:"log_id"`
	TraceID      uuid.UUID  `gorm:"type:uuid;column:trace_id" json:"trace_id,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (Task) TableName() string { return "tasks" }

// Job is a (system, name) target within an evaluation, with three
// embedded phases: begin, build, end. The build derivation path is
// immutable once written.
type Job struct {
	ID           int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	EvaluationID int64  `gorm:"column:evaluation_id;not null;index" json:"evaluation_id"`
	System       string `gorm:"column:system;not null" json:"system"`
	Name         string `gorm:"column:name;not null" json:"name"`

	BuildDrv string `gorm:"column:build_drv" json:"build_drv"`
	BuildOut string `gorm:"column:build_out" json:"build_out"`
	Dist     bool   `gorm:"column:dist" json:"dist"`

	BeginStatus       string `gorm:"column:begin_status;not null;default:pending" json:"begin_status"`
	BeginTimeStarted  *int64 `gorm:"column:begin_time_started" json:"begin_time_started,omitempty"`
	BeginTimeFinished *int64 `gorm:"column:begin_time_finished" json:"begin_time_finished,omitempty"`
	BeginLogID        int64  `gorm:"column:begin_log_id;not null" json:"begin_log_id"`

	BuildStatus       string `gorm:"column:build_status;not null;default:pending" json:"build_status"`
	BuildTimeStarted  *int64 `gorm:"column:build_time_started" json:"build_time_started,omitempty"`
	BuildTimeFinished *int64 `gorm:"column:build_time_finished" json:"build_time_finished,omitempty"`

	EndStatus       string `gorm:"column:end_status;not null;default:pending" json:"end_status"`
	EndTimeStarted  *int64 `gorm:"column:end_time_started" json:"end_time_started,omitempty"`
	EndTimeFinished *int64 `gorm:"column:end_time_finished" json:"end_time_finished,omitempty"`
	EndLogID        int64  `gorm:"column:end_log_id;not null" json:"end_log_id"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	TimeCreated time.Time `gorm:"column:time_created;not null;default:now()" json:"time_created"`
}

func (Job) TableName() string { return "jobs" }

// Evaluation is one run of the "enumerate jobs" step for a jobset.
type Evaluation struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	JobsetID     int64          `gorm:"column:jobset_id;not null;index" json:"jobset_id"`
	Num          int64          `gorm:"column:num;not null" json:"num"`
	Status       string         `gorm:"column:status;not null;default:pending" json:"status"`
	TimeCreated  time.Time      `gorm:"column:time_created;not null;default:now()" json:"time_created"`
	TimeFinished *time.Time     `gorm:"column:time_finished" json:"time_finished,omitempty"`
	URL          string         `gorm:"column:url;not null" json:"url"`
	ActionsPath  *string        `gorm:"column:actions_path" json:"actions_path,omitempty"`
	Flake        bool           `gorm:"column:flake;not null;default:false" json:"flake"`
	LogID        int64          `gorm:"column:log_id;not null" json:"log_id"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
}

func (Evaluation) TableName() string { return "evaluations" }

// The Status* constants mirror spec §6's four status strings, used for the
// text columns on Job and Evaluation (as opposed to Task's integer
// encoding).
const (
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCanceled = "canceled"
)
