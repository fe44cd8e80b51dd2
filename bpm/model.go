package bpm

import (
	"fmt"
	"time"
)

// MigrationStatus tracks whether a running instance has been moved to a new
// process-model version.
type MigrationStatus int

const (
	MigrationStatusUnmigrated MigrationStatus = iota
	MigrationStatusMigrated
	MigrationStatusError
)

func (s MigrationStatus) String() string {
	switch s {
	case MigrationStatusUnmigrated:
		return "unmigrated"
	case MigrationStatusMigrated:
		return "migrated"
	case MigrationStatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// WorkflowModel is a versioned container of one or more process definitions.
// It is immutable once deployed except through an explicit migration.
type WorkflowModel struct {
	ID      int64
	Code    string
	Name    string
	Version int
	Status  string
}

// WorkflowProcess is one deployed process definition belonging to a
// WorkflowModel. ProcessID is the engine-specific "key:version" identifier.
type WorkflowProcess struct {
	ID        int64
	ProcessID string
	Name      string
	Model     *WorkflowModel

	// Configs is the ordered list of record-type bindings for this process.
	// Order matters: the first matching config wins during attachment.
	Configs []*ProcessConfig
}

// ProcessConfig binds a process definition to a candidate business-record
// type, either to start a new instance on mutation or to attach the record
// to an already running one.
type ProcessConfig struct {
	ID      int64
	Process *WorkflowProcess

	// Model is the record type this binding applies to, a native model name
	// or a dynamic/JSON model name.
	Model string

	// IsStartModel marks whether a mutation of this type starts a new
	// instance instead of attaching to an existing one.
	IsStartModel bool

	// ProcessPath navigates from the record to a related record that may
	// already own a running instance.
	ProcessPath string

	// PathCondition guards the binding; evaluated against the record's
	// execution context.
	PathCondition string
}

// TaskConfig binds a single node of a process definition to its
// business-record type and the side effects to run when the node is
// activated or deactivated.
type TaskConfig struct {
	ID      int64
	Name    string
	Process *WorkflowProcess

	Model string

	// CallModel and CallLink attach child records to a parent instance:
	// a record of type CallModel navigates CallLink to reach the parent.
	CallModel         string
	CallLink          string
	CallLinkCondition string

	UserPath          string
	TeamPath          string
	RoleName          string
	DeadlineFieldPath string

	TaskEmailTitle    string
	NotificationEmail bool
	// EmailEvent selects when the notification fires, "start" or "end".
	EmailEvent string
	CreateTask bool

	// Buttons lists the UI signal names that should trigger a workflow
	// evaluation for records handled by this node.
	Buttons []string
}

// Instance is the durable registry record of a running or historical
// process instance. Exactly one Instance exists per live engine instance id.
type Instance struct {
	ID         int64
	InstanceID string
	Name       string
	Process    *WorkflowProcess

	// ModelID/ModelName identify the business record bound to the instance,
	// if any.
	ModelID   int64
	ModelName string

	MigrationStatus MigrationStatus

	// MigrationHistory is ordered newest first. Consecutive migrations
	// within the same WorkflowModel collapse into a single entry.
	MigrationHistory []*MigrationHistory
}

// MigrationHistory captures one model-version transition of an instance.
type MigrationHistory struct {
	ID          int64
	VersionCode string
	VersionID   int64
	CreatedOn   time.Time
	UpdatedOn   time.Time
}

// InstanceName builds the display name used for registry rows.
func InstanceName(processID, instanceID string) string {
	return processID + " : " + instanceID
}
