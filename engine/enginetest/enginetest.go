// Package enginetest provides an in-memory process engine client for tests
// and samples. It models just enough runtime and history state for the
// synchronization core: instances, variables, message subscriptions and
// activity traversals.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mehdimirhoseini/axelor-studio/engine"
)

type instance struct {
	id           string
	definitionID string
	superID      string
	active       bool
	variables    map[string]any

	// waitingMessages maps message name -> subscribed, for catch events.
	waitingMessages map[string]bool

	// activeActivities holds node ids with live tokens.
	activeActivities map[string]bool

	history []engine.ActivityInstance
}

// Engine is an in-memory engine.Client.
type Engine struct {
	mu sync.Mutex

	definitions map[string]string // definition id -> BPMN XML
	instances   map[string]*instance
}

var _ engine.Client = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		definitions: map[string]string{},
		instances:   map[string]*instance{},
	}
}

// Deploy registers a process definition id with its model XML.
func (e *Engine) Deploy(processDefinitionID, xml string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.definitions[processDefinitionID] = xml
}

func (e *Engine) StartInstance(ctx context.Context, processDefinitionID string, variables map[string]any) (string, error) {
	return e.start(processDefinitionID, "", variables)
}

// StartChild starts an instance as a sub-process of the given parent.
func (e *Engine) StartChild(ctx context.Context, superInstanceID, processDefinitionID string, variables map[string]any) (string, error) {
	return e.start(processDefinitionID, superInstanceID, variables)
}

func (e *Engine) start(definitionID, superID string, variables map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := &instance{
		id:               uuid.NewString(),
		definitionID:     definitionID,
		superID:          superID,
		active:           true,
		variables:        map[string]any{},
		waitingMessages:  map[string]bool{},
		activeActivities: map[string]bool{},
	}
	for k, v := range variables {
		i.variables[k] = v
	}

	e.instances[i.id] = i

	return i.id, nil
}

func (e *Engine) find(instanceID string) (*instance, error) {
	i, ok := e.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrInstanceNotFound, instanceID)
	}

	return i, nil
}

func (e *Engine) IsActive(ctx context.Context, instanceID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.instances[instanceID]

	return ok && i.active, nil
}

// Finish marks an instance as ended.
func (e *Engine) Finish(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i, ok := e.instances[instanceID]; ok {
		i.active = false
	}
}

// WaitForMessage subscribes an instance to a message, as a catch event
// would.
func (e *Engine) WaitForMessage(instanceID, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i, ok := e.instances[instanceID]; ok {
		i.waitingMessages[message] = true
	}
}

// SetToken places a live execution token at a node.
func (e *Engine) SetToken(instanceID, activityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i, ok := e.instances[instanceID]; ok {
		i.activeActivities[activityID] = true
	}
}

// RecordActivity appends a historic node traversal.
func (e *Engine) RecordActivity(instanceID, activityID, activityName string, finished bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i, ok := e.instances[instanceID]; ok {
		i.history = append(i.history, engine.ActivityInstance{
			ActivityID:   activityID,
			ActivityName: activityName,
			Finished:     finished,
		})
	}
}

func (e *Engine) matches(i *instance, f engine.InstanceFilter, includeFinished bool) bool {
	if !includeFinished && !i.active {
		return false
	}
	if f.ActiveOnly && !i.active {
		return false
	}
	if f.Unfinished && !i.active {
		return false
	}
	if f.Finished && i.active {
		return false
	}
	if f.InstanceID != "" && f.InstanceID != i.id {
		return false
	}
	if f.ProcessDefinitionID != "" && f.ProcessDefinitionID != i.definitionID {
		return false
	}
	if f.ProcessKey != "" && definitionKey(i.definitionID) != f.ProcessKey {
		return false
	}
	if f.SuperInstanceID != "" && f.SuperInstanceID != i.superID {
		return false
	}
	if f.ActiveActivityID != "" && !i.activeActivities[f.ActiveActivityID] {
		return false
	}
	if f.ExecutedActivityID != "" {
		executed := false
		for _, a := range i.history {
			if a.ActivityID == f.ExecutedActivityID {
				executed = true
				break
			}
		}
		if !executed {
			return false
		}
	}

	return true
}

func (e *Engine) QueryInstances(ctx context.Context, filter engine.InstanceFilter) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for _, i := range e.instances {
		if e.matches(i, filter, false) {
			ids = append(ids, i.id)
		}
	}

	return ids, nil
}

func (e *Engine) QueryHistoricInstances(ctx context.Context, filter engine.InstanceFilter) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for _, i := range e.instances {
		if e.matches(i, filter, true) {
			ids = append(ids, i.id)
		}
	}

	return ids, nil
}

func (e *Engine) GetVariable(ctx context.Context, instanceID, name string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return nil, err
	}

	return i.variables[name], nil
}

func (e *Engine) SetVariable(ctx context.Context, instanceID, name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return err
	}

	i.variables[name] = value

	return nil
}

func (e *Engine) HistoricVariable(ctx context.Context, instanceID, name string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return nil, err
	}

	v, ok := i.variables[name]
	if !ok {
		return nil, nil
	}

	return v, nil
}

func (e *Engine) CorrelateMessage(ctx context.Context, message string, variables map[string]any) ([]engine.CorrelationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []engine.CorrelationResult
	for _, i := range e.instances {
		if !i.active || !i.waitingMessages[message] {
			continue
		}

		delete(i.waitingMessages, message)
		for k, v := range variables {
			i.variables[k] = v
		}

		results = append(results, engine.CorrelationResult{
			InstanceID:          i.id,
			ProcessDefinitionID: i.definitionID,
		})
	}

	return results, nil
}

func (e *Engine) CancelAndRestart(ctx context.Context, instanceID, activityID string, variables map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return err
	}

	for k, v := range variables {
		i.variables[k] = v
	}

	// Cancel the tokens at the node, then restart before the same node.
	delete(i.activeActivities, activityID)
	i.activeActivities[activityID] = true
	i.history = append(i.history, engine.ActivityInstance{ActivityID: activityID})

	return nil
}

func (e *Engine) CancelAtActivity(ctx context.Context, instanceID, activityID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return err
	}

	delete(i.activeActivities, activityID)

	return nil
}

func (e *Engine) DeleteInstance(ctx context.Context, instanceID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return err
	}

	i.active = false
	i.activeActivities = map[string]bool{}

	return nil
}

func (e *Engine) DeleteHistoricInstance(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.instances, instanceID)

	return nil
}

func (e *Engine) HistoricActivityCount(ctx context.Context, instanceID, activityID string, unfinishedOnly bool) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, a := range i.history {
		if a.ActivityID != activityID {
			continue
		}
		if unfinishedOnly && a.Finished {
			continue
		}
		count++
	}

	return count, nil
}

func (e *Engine) ActivityInstances(ctx context.Context, instanceID string) ([]engine.ActivityInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return nil, err
	}

	return append([]engine.ActivityInstance(nil), i.history...), nil
}

func (e *Engine) ProcessDefinitionID(ctx context.Context, instanceID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, err := e.find(instanceID)
	if err != nil {
		return "", err
	}

	return i.definitionID, nil
}

func (e *Engine) ProcessKey(ctx context.Context, processDefinitionID string) (string, error) {
	return definitionKey(processDefinitionID), nil
}

func (e *Engine) ProcessModelXML(ctx context.Context, processDefinitionID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	xml, ok := e.definitions[processDefinitionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", engine.ErrProcessNotFound, processDefinitionID)
	}

	return xml, nil
}

// DefinitionID returns the definition an instance was started from.
func (e *Engine) DefinitionID(instanceID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i, ok := e.instances[instanceID]; ok {
		return i.definitionID
	}

	return ""
}

// definitionKey strips the engine version suffix from a definition id,
// "invoice-process:3" -> "invoice-process".
func definitionKey(definitionID string) string {
	if idx := strings.Index(definitionID, ":"); idx >= 0 {
		return definitionID[:idx]
	}

	return definitionID
}
