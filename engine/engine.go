// Package engine defines the client surface of the external BPMN process
// engine. The engine itself is a collaborator: this module consumes its
// runtime, history and repository operations but never implements BPMN
// semantics.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrInstanceNotFound is returned for operations against an instance id
	// the engine does not know.
	ErrInstanceNotFound = errors.New("process instance not found")

	// ErrProcessNotFound is returned when a process definition id cannot be
	// resolved.
	ErrProcessNotFound = errors.New("process definition not found")
)

// InstanceFilter narrows an instance query. Zero fields are ignored.
type InstanceFilter struct {
	InstanceID          string
	ProcessDefinitionID string

	// ProcessKey matches the definition key regardless of version.
	ProcessKey string

	// SuperInstanceID matches instances started as sub-processes of the
	// given parent instance.
	SuperInstanceID string

	// ActiveActivityID matches instances currently waiting at the node.
	ActiveActivityID string

	// ExecutedActivityID matches instances that passed through the node.
	ExecutedActivityID string

	ActiveOnly bool
	Unfinished bool
	Finished   bool
}

// CorrelationResult identifies one process instance resumed by a message
// correlation.
type CorrelationResult struct {
	InstanceID          string
	ProcessDefinitionID string
}

// ActivityInstance is one historic node traversal of an instance.
type ActivityInstance struct {
	ActivityID   string
	ActivityName string
	Finished     bool
}

// Client wraps the process engine's runtime, history and repository
// services.
type Client interface {
	// StartInstance starts a new instance of the given process definition
	// and returns the engine-assigned instance id.
	StartInstance(ctx context.Context, processDefinitionID string, variables map[string]any) (string, error)

	// IsActive reports whether the instance is currently running.
	IsActive(ctx context.Context, instanceID string) (bool, error)

	// QueryInstances returns the ids of running instances matching the
	// filter.
	QueryInstances(ctx context.Context, filter InstanceFilter) ([]string, error)

	// QueryHistoricInstances returns the ids of instances, including
	// terminated ones, matching the filter.
	QueryHistoricInstances(ctx context.Context, filter InstanceFilter) ([]string, error)

	GetVariable(ctx context.Context, instanceID, name string) (any, error)
	SetVariable(ctx context.Context, instanceID, name string, value any) error

	// HistoricVariable reads a variable from the instance history. It also
	// covers finished instances.
	HistoricVariable(ctx context.Context, instanceID, name string) (any, error)

	// CorrelateMessage resumes every instance waiting on the named message,
	// setting the given variables on each, and returns the resumed
	// instances.
	CorrelateMessage(ctx context.Context, message string, variables map[string]any) ([]CorrelationResult, error)

	// CancelAndRestart cancels all tokens at the activity and restarts
	// execution before the same node with fresh variables.
	CancelAndRestart(ctx context.Context, instanceID, activityID string, variables map[string]any) error

	// CancelAtActivity cancels all tokens at the activity without
	// restarting.
	CancelAtActivity(ctx context.Context, instanceID, activityID string) error

	DeleteInstance(ctx context.Context, instanceID, reason string) error
	DeleteHistoricInstance(ctx context.Context, instanceID string) error

	// HistoricActivityCount counts historic traversals of the activity for
	// the instance, optionally restricted to unfinished ones.
	HistoricActivityCount(ctx context.Context, instanceID, activityID string, unfinishedOnly bool) (int64, error)

	// ActivityInstances lists the historic node traversals of an instance
	// in traversal order.
	ActivityInstances(ctx context.Context, instanceID string) ([]ActivityInstance, error)

	// ProcessDefinitionID resolves the definition an instance was started
	// from, consulting history for finished instances.
	ProcessDefinitionID(ctx context.Context, instanceID string) (string, error)

	// ProcessKey resolves the version-independent definition key for a
	// process definition id.
	ProcessKey(ctx context.Context, processDefinitionID string) (string, error)

	// ProcessModelXML returns the BPMN XML of the deployed definition.
	ProcessModelXML(ctx context.Context, processDefinitionID string) (string, error)
}
