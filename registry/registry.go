// Package registry owns the durable mapping between engine process
// instances and their workflow process, model and business-record binding.
// It is the only mutable shared structure of the synchronization core; all
// mutations run inside a single storage transaction.
package registry

import (
	"context"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
)

// Registry stores workflow definitions and instance rows.
//
// CreateInstance must be safe against concurrent creation for the same
// instance id: implementations look up first, enforce uniqueness at the
// storage layer, and return the winner's row to a losing creator.
type Registry interface {
	// FindByInstanceID returns the registry row for an engine instance id,
	// or bpm.ErrInstanceNotFound.
	FindByInstanceID(ctx context.Context, instanceID string) (*bpm.Instance, error)

	// CreateInstance creates the registry row for an engine instance id.
	// Creation is idempotent; a duplicate create returns the existing row.
	CreateInstance(ctx context.Context, instanceID string, process *bpm.WorkflowProcess) (*bpm.Instance, error)

	// BindModel records the business record owning the instance.
	BindModel(ctx context.Context, instanceID string, modelID int64, modelName string) error

	// Migrate rebinds the instance to a new process version. The newest
	// migration-history entry is updated in place when the workflow model
	// is unchanged, otherwise a new entry is inserted.
	Migrate(ctx context.Context, instance *bpm.Instance, process *bpm.WorkflowProcess, status bpm.MigrationStatus) error

	// RemoveInstance deletes the registry row and its migration history.
	RemoveInstance(ctx context.Context, instance *bpm.Instance) error

	SaveModel(ctx context.Context, model *bpm.WorkflowModel) error
	SaveProcess(ctx context.Context, process *bpm.WorkflowProcess) error
	SaveTaskConfig(ctx context.Context, config *bpm.TaskConfig) error

	// ProcessByDefinitionID resolves the deployed process for an engine
	// process definition id, or bpm.ErrConfigNotFound.
	ProcessByDefinitionID(ctx context.Context, processDefinitionID string) (*bpm.WorkflowProcess, error)

	// TaskConfig resolves the node configuration for a node id within a
	// process definition, or bpm.ErrConfigNotFound.
	TaskConfig(ctx context.Context, nodeID, processDefinitionID string) (*bpm.TaskConfig, error)

	// TaskConfigsByCallModel lists configs whose CallModel matches the
	// given record type and that carry a CallLink.
	TaskConfigsByCallModel(ctx context.Context, model string) ([]*bpm.TaskConfig, error)

	// ProcessConfigsByModel lists process configs bound to the record type,
	// ordered newest workflow-model version first. The first entry is the
	// current config, later entries are superseded ones used as attachment
	// fallbacks.
	ProcessConfigsByModel(ctx context.Context, model string) ([]*bpm.ProcessConfig, error)

	// ModelNames lists every record type bound by any process config.
	ModelNames(ctx context.Context) ([]string, error)

	// ButtonNames lists every UI signal bound by any task config.
	ButtonNames(ctx context.Context) ([]string, error)

	Close() error
}
