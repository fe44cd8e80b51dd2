package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	"github.com/mehdimirhoseini/axelor-studio/engine"
	ilog "github.com/mehdimirhoseini/axelor-studio/internal/log"
	"github.com/mehdimirhoseini/axelor-studio/record"
)

// InactiveNodeSentinel terminates node-query id lists so that an empty
// result still renders as a valid "in" clause. "0" is never a real engine
// instance id.
const InactiveNodeSentinel = "0"

// Restart cancels the tokens at the given node and restarts execution
// before it, with variables rebuilt from the records currently bound to
// the instance.
//
// When the instance's own process does not match processName, the id of
// the instance to restart is read from the historical variable named
// after the process; an instance that never recorded one is inactive and
// cannot be restarted.
func (s *Service) Restart(ctx context.Context, instanceID, processName, activityID string) error {
	ctx, span := s.tracer.Start(ctx, "Restart", trace.WithAttributes(
		attribute.String(ilog.InstanceIDKey, instanceID),
		attribute.String(ilog.NodeIDKey, activityID),
	))
	defer span.End()

	instance, err := s.registry.FindByInstanceID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Process.Name != processName {
		value, err := s.client.HistoricVariable(ctx, instanceID, processName)
		if err != nil && !errors.Is(err, engine.ErrInstanceNotFound) {
			return &bpm.IntegrationError{Op: "read historic variable", Err: err}
		}

		related, _ := value.(string)
		if related == "" {
			return &bpm.StateError{Message: "cannot restart an inactive process"}
		}

		instanceID = related

		// Variables are rebuilt from the records bound to the instance that
		// actually restarts, not the one the call came in on.
		if instance, err = s.registry.FindByInstanceID(ctx, instanceID); err != nil {
			return err
		}
	}

	active, err := s.client.IsActive(ctx, instanceID)
	if err != nil {
		return &bpm.IntegrationError{Op: "query instance", Err: err}
	}
	if !active {
		return &bpm.StateError{Message: "cannot restart an inactive process"}
	}

	variables := s.instanceVariables(ctx, instance)

	if err := s.client.CancelAndRestart(ctx, instanceID, activityID, variables); err != nil {
		return &bpm.IntegrationError{Op: "restart instance", Err: err}
	}

	s.logger.Info("instance restarted",
		ilog.InstanceIDKey, instanceID, ilog.NodeIDKey, activityID)

	return nil
}

// instanceVariables rebuilds the engine variable map from every record
// currently bound to the instance through its process configs. Configs
// whose record cannot be found contribute nothing.
func (s *Service) instanceVariables(ctx context.Context, instance *bpm.Instance) map[string]any {
	env := map[string]any{}

	for _, config := range instance.Process.Configs {
		if config.Model == "" {
			continue
		}

		c, err := s.builder.FilterOne(ctx, config.Model, "self.processInstanceId == ?1", instance.InstanceID)
		if err != nil || c == nil {
			continue
		}

		env[record.VarName(config.Model)] = c
	}

	return record.EngineVariables(env)
}

// WaitForCompletion polls the engine until the instance has finished or
// the timeout expires. A zero timeout defaults to 20 seconds.
func (s *Service) WaitForCompletion(ctx context.Context, instanceID string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	ctx, span := s.tracer.Start(ctx, "WaitForCompletion", trace.WithAttributes(
		attribute.String(ilog.InstanceIDKey, instanceID),
	))
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               s.clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	for range ticker.C {
		active, err := s.client.IsActive(ctx, instanceID)
		if err != nil {
			return &bpm.IntegrationError{Op: "query instance", Err: err}
		}

		if !active {
			return nil
		}
	}

	return errors.New("instance did not finish in specified timeout")
}

// CancelNode cancels all tokens waiting at the given node of a running
// instance.
func (s *Service) CancelNode(ctx context.Context, instanceID, activityID string) error {
	if err := s.client.CancelAtActivity(ctx, instanceID, activityID); err != nil {
		return &bpm.IntegrationError{Op: "cancel node", Err: err}
	}

	s.logger.Info("node cancelled", ilog.InstanceIDKey, instanceID, ilog.NodeIDKey, activityID)

	return nil
}

// MigrateInstance re-targets a registry instance at a newer deployment of
// its process, recording the outcome in the migration history. Instances
// unknown to the registry are skipped.
func (s *Service) MigrateInstance(ctx context.Context, instanceID string, process *bpm.WorkflowProcess, status bpm.MigrationStatus) error {
	instance, err := s.registry.FindByInstanceID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, bpm.ErrInstanceNotFound) {
			return nil
		}

		return err
	}

	return s.registry.Migrate(ctx, instance, process, status)
}

// TerminateAll deletes every running engine instance, best effort:
// individual failures are logged and the sweep continues.
func (s *Service) TerminateAll(ctx context.Context) error {
	ids, err := s.client.QueryInstances(ctx, engine.InstanceFilter{})
	if err != nil {
		return &bpm.IntegrationError{Op: "query instances", Err: err}
	}

	for _, id := range ids {
		if err := s.client.DeleteInstance(ctx, id, "Reset"); err != nil {
			s.logger.Error("terminating instance", ilog.InstanceIDKey, id, ilog.ErrorKey, err)
		}
	}

	return nil
}

// FindInstancesAtNode returns the ids of instances currently waiting at
// the node, plus, when includeHistoric is set, those that already passed
// through it. For an end event the node query is widened to every
// finished instance of the definition key, since a finished instance
// holds no token at its end node. The sentinel "0" is always appended.
func (s *Service) FindInstancesAtNode(ctx context.Context, nodeKey, processDefinitionID string, kind engine.NodeKind, includeHistoric bool) ([]string, error) {
	seen := map[string]bool{}
	var ids []string

	add := func(more []string) {
		for _, id := range more {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	active, err := s.client.QueryInstances(ctx, engine.InstanceFilter{
		ProcessDefinitionID: processDefinitionID,
		ActiveActivityID:    nodeKey,
	})
	if err != nil {
		return nil, &bpm.IntegrationError{Op: "query instances", Err: err}
	}
	add(active)

	if includeHistoric {
		executed, err := s.client.QueryHistoricInstances(ctx, engine.InstanceFilter{
			ProcessDefinitionID: processDefinitionID,
			ExecutedActivityID:  nodeKey,
		})
		if err != nil {
			return nil, &bpm.IntegrationError{Op: "query historic instances", Err: err}
		}
		add(executed)
	}

	if kind == engine.NodeKindEndEvent {
		key, err := s.client.ProcessKey(ctx, processDefinitionID)
		if err != nil {
			return nil, &bpm.IntegrationError{Op: "resolve process key", Err: err}
		}

		finished, err := s.client.QueryHistoricInstances(ctx, engine.InstanceFilter{
			ProcessKey: key,
			Finished:   true,
		})
		if err != nil {
			return nil, &bpm.IntegrationError{Op: "query historic instances", Err: err}
		}
		add(finished)
	}

	return append(ids, InactiveNodeSentinel), nil
}

// DeleteInstance removes an instance from the engine, going through the
// history service when it is no longer running.
func (s *Service) DeleteInstance(ctx context.Context, instanceID string) error {
	active, err := s.client.IsActive(ctx, instanceID)
	if err != nil {
		return &bpm.IntegrationError{Op: "query instance", Err: err}
	}

	if active {
		if err := s.client.DeleteInstance(ctx, instanceID, "Removed wkf instance"); err != nil {
			return &bpm.IntegrationError{Op: "delete instance", Err: err}
		}

		return nil
	}

	if err := s.client.DeleteHistoricInstance(ctx, instanceID); err != nil {
		return &bpm.IntegrationError{Op: "delete historic instance", Err: err}
	}

	return nil
}

// IsActiveInstance reports whether the engine is still running the
// instance.
func (s *Service) IsActiveInstance(ctx context.Context, instanceID string) (bool, error) {
	active, err := s.client.IsActive(ctx, instanceID)
	if err != nil {
		return false, &bpm.IntegrationError{Op: "query instance", Err: err}
	}

	return active, nil
}

// IsActiveTask reports whether the instance currently waits at the task.
func (s *Service) IsActiveTask(ctx context.Context, instanceID, taskID string) (bool, error) {
	if taskID == "" {
		return false, nil
	}

	count, err := s.client.HistoricActivityCount(ctx, instanceID, taskID, true)
	if err != nil {
		return false, &bpm.IntegrationError{Op: "count activities", Err: err}
	}

	return count > 0, nil
}

// IsActivatedTask reports whether the instance ever reached the task.
func (s *Service) IsActivatedTask(ctx context.Context, instanceID, taskID string) (bool, error) {
	if taskID == "" {
		return false, nil
	}

	count, err := s.client.HistoricActivityCount(ctx, instanceID, taskID, false)
	if err != nil {
		return false, &bpm.IntegrationError{Op: "count activities", Err: err}
	}

	return count > 0, nil
}

// Nodes lists the nodes an instance traversed, newest last, rendered as
// "name(id)", or the bare id for nodes without a name.
func (s *Service) Nodes(ctx context.Context, instanceID string) ([]string, error) {
	activities, err := s.client.ActivityInstances(ctx, instanceID)
	if err != nil {
		return nil, &bpm.IntegrationError{Op: "list activities", Err: err}
	}

	nodes := make([]string, 0, len(activities))
	for _, a := range activities {
		if a.ActivityName == "" {
			nodes = append(nodes, a.ActivityID)
			continue
		}

		nodes = append(nodes, fmt.Sprintf("%s(%s)", a.ActivityName, a.ActivityID))
	}

	return nodes, nil
}

// InstanceXML returns the BPMN XML of the definition an instance was
// started from.
func (s *Service) InstanceXML(ctx context.Context, instanceID string) (string, error) {
	definitionID, err := s.client.ProcessDefinitionID(ctx, instanceID)
	if err != nil {
		return "", &bpm.IntegrationError{Op: "resolve definition", Err: err}
	}

	xml, err := s.client.ProcessModelXML(ctx, definitionID)
	if err != nil {
		return "", &bpm.IntegrationError{Op: "read process model", Err: err}
	}

	return xml, nil
}
