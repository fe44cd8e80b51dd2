// Package listener reacts to node-enter and node-exit notifications from
// the process engine. It lazily creates registry rows for new instances,
// triggers node activation and deactivation side effects, and broadcasts
// message correlation for throw and end events.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	"github.com/mehdimirhoseini/axelor-studio/engine"
	"github.com/mehdimirhoseini/axelor-studio/internal/exprs"
	ilog "github.com/mehdimirhoseini/axelor-studio/internal/log"
	"github.com/mehdimirhoseini/axelor-studio/record"
	"github.com/mehdimirhoseini/axelor-studio/registry"
)

// CompulsoryAttribute marks a business-rule node whose decision output is
// mandatory; ResultVariableAttribute names the output variable.
const (
	CompulsoryAttribute     = "compulsory"
	ResultVariableAttribute = "resultVariable"
)

// Notifier sends the configured notification for an activated or
// deactivated node.
type Notifier interface {
	SendNotification(ctx context.Context, config *bpm.TaskConfig, recordCtx *record.Context) error
}

// UserTaskCreator materializes the configured user action for an activated
// node.
type UserTaskCreator interface {
	CreateUserTask(ctx context.Context, config *bpm.TaskConfig, recordCtx *record.Context) error
}

type Options struct {
	Logger *slog.Logger

	Notifier  Notifier
	UserTasks UserTaskCreator
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithNotifier(n Notifier) Option {
	return func(o *Options) {
		o.Notifier = n
	}
}

func WithUserTaskCreator(u UserTaskCreator) Option {
	return func(o *Options) {
		o.UserTasks = u
	}
}

type noopSideEffects struct{}

func (noopSideEffects) SendNotification(context.Context, *bpm.TaskConfig, *record.Context) error {
	return nil
}

func (noopSideEffects) CreateUserTask(context.Context, *bpm.TaskConfig, *record.Context) error {
	return nil
}

// Listener is the node lifecycle handler.
type Listener struct {
	registry registry.Registry
	client   engine.Client
	builder  *record.Builder

	notifier  Notifier
	userTasks UserTaskCreator

	logger *slog.Logger
}

func New(reg registry.Registry, client engine.Client, builder *record.Builder, opts ...Option) *Listener {
	options := &Options{
		Logger:    slog.Default(),
		Notifier:  noopSideEffects{},
		UserTasks: noopSideEffects{},
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Listener{
		registry:  reg,
		client:    client,
		builder:   builder,
		notifier:  options.Notifier,
		userTasks: options.UserTasks,
		logger:    options.Logger,
	}
}

// Notify handles one engine notification. Unknown node kinds are a no-op,
// keeping forward compatibility with engine-added node types.
func (l *Listener) Notify(ctx context.Context, n *engine.Notification) error {
	switch n.Event {
	case engine.EventStart:
		if n.RootStart {
			return l.ensureInstance(ctx, n)
		}

		return l.processNodeStart(ctx, n)

	case engine.EventEnd:
		return l.processNodeEnd(ctx, n)
	}

	return nil
}

// ensureInstance creates the registry row the first time a process start
// is observed. Creation is idempotent; a concurrent creator returns the
// winner's row.
func (l *Listener) ensureInstance(ctx context.Context, n *engine.Notification) error {
	_, err := l.registry.FindByInstanceID(ctx, n.InstanceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, bpm.ErrInstanceNotFound) {
		return err
	}

	// Expose the instance id under the process key so related processes
	// can identify this instance later.
	key, err := l.client.ProcessKey(ctx, n.ProcessDefinitionID)
	if err != nil {
		return &bpm.IntegrationError{Op: "process key", Err: err}
	}

	if err := l.client.SetVariable(ctx, n.InstanceID, key, n.InstanceID); err != nil {
		return &bpm.IntegrationError{Op: "set variable", Err: err}
	}

	if _, err := registry.EnsureInstance(ctx, l.registry, n.InstanceID, n.ProcessDefinitionID); err != nil {
		if errors.Is(err, bpm.ErrConfigNotFound) {
			l.logger.Debug("no deployed process for instance", ilog.InstanceIDKey, n.InstanceID, ilog.ProcessIDKey, n.ProcessDefinitionID)
			return nil
		}

		return err
	}

	l.logger.Debug("workflow instance created", ilog.InstanceIDKey, n.InstanceID, ilog.ProcessIDKey, n.ProcessDefinitionID)

	return nil
}

func (l *Listener) processNodeStart(ctx context.Context, n *engine.Notification) error {
	switch {
	case n.Kind == engine.NodeKindIntermediateThrowEvent:
		return l.sendMessage(ctx, n)

	case n.Kind.Blocking():
		if n.Kind == engine.NodeKindEndEvent {
			if err := l.sendMessage(ctx, n); err != nil {
				return err
			}
		}

		config := l.taskConfig(ctx, n)
		l.onNodeActivation(ctx, config, n)
	}

	return nil
}

func (l *Listener) processNodeEnd(ctx context.Context, n *engine.Notification) error {
	switch {
	case n.Kind == engine.NodeKindBusinessRuleTask:
		return l.checkDecisionOutput(ctx, n)

	case n.Kind.Blocking():
		config := l.taskConfig(ctx, n)
		l.onNodeDeactivation(ctx, config, n)
	}

	return nil
}

// checkDecisionOutput validates that a mandatory decision output variable
// was set by a business-rule node.
func (l *Listener) checkDecisionOutput(ctx context.Context, n *engine.Notification) error {
	if n.Attribute(CompulsoryAttribute) != "true" {
		return nil
	}

	varName := n.Attribute(ResultVariableAttribute)

	value, err := l.client.GetVariable(ctx, n.InstanceID, varName)
	if err != nil {
		return &bpm.IntegrationError{Op: "get variable", Err: err}
	}

	if value == nil {
		return &bpm.ValidationError{Node: n.NodeName, Missing: varName}
	}

	return nil
}

// sendMessage broadcasts the node's message to every instance waiting on
// it, forwarding this instance's process key so each resumed instance can
// record where its trigger came from, and recording each resumed
// instance's key in return.
func (l *Listener) sendMessage(ctx context.Context, n *engine.Notification) error {
	if n.Message == nil {
		return nil
	}

	message := exprs.Interpolate(n.Message.Name, func(name string) (any, error) {
		return l.client.GetVariable(ctx, n.InstanceID, name)
	})

	key, err := l.client.ProcessKey(ctx, n.ProcessDefinitionID)
	if err != nil {
		return &bpm.IntegrationError{Op: "process key", Err: err}
	}

	l.logger.Debug("sending message", ilog.MessageKey, message, ilog.InstanceIDKey, n.InstanceID)

	results, err := l.client.CorrelateMessage(ctx, message, map[string]any{key: n.InstanceID})
	if err != nil {
		return &bpm.IntegrationError{Op: "correlate message", Err: err}
	}

	for _, result := range results {
		resultKey, err := l.client.ProcessKey(ctx, result.ProcessDefinitionID)
		if err != nil {
			return &bpm.IntegrationError{Op: "process key", Err: err}
		}

		if err := l.client.SetVariable(ctx, n.InstanceID, resultKey, result.InstanceID); err != nil {
			return &bpm.IntegrationError{Op: "set variable", Err: err}
		}
	}

	return nil
}

// taskConfig resolves the node's task configuration, nil when the node is
// not configured.
func (l *Listener) taskConfig(ctx context.Context, n *engine.Notification) *bpm.TaskConfig {
	config, err := l.registry.TaskConfig(ctx, n.NodeID, n.ProcessDefinitionID)
	if err != nil {
		if !errors.Is(err, bpm.ErrConfigNotFound) {
			l.logger.Error("resolving task config", ilog.NodeIDKey, n.NodeID, ilog.ErrorKey, err)
		}

		return nil
	}

	return config
}

// recordContext loads the execution context of the record bound to the
// instance for the config's model.
func (l *Listener) recordContext(ctx context.Context, config *bpm.TaskConfig, instanceID string) *record.Context {
	if config.Model == "" {
		return nil
	}

	c, err := l.builder.FilterOne(ctx, config.Model, fmt.Sprintf("self.%s == ?1", record.ProcessInstanceIDField), instanceID)
	if err != nil {
		l.logger.Debug("no record context for task", ilog.ModelNameKey, config.Model, ilog.InstanceIDKey, instanceID, ilog.ErrorKey, err)
		return nil
	}

	return c
}

// Side effects are best effort: failures are logged and never abort node
// processing.
func (l *Listener) onNodeActivation(ctx context.Context, config *bpm.TaskConfig, n *engine.Notification) {
	if config == nil {
		return
	}

	recordCtx := l.recordContext(ctx, config, n.InstanceID)

	if config.NotificationEmail && config.EmailEvent == "start" {
		if err := l.notifier.SendNotification(ctx, config, recordCtx); err != nil {
			l.logger.Error("node activation side effect failed",
				ilog.NodeIDKey, n.NodeID, ilog.ErrorKey, &bpm.SideEffectError{Effect: "notification", Err: err})
		}
	}

	if config.CreateTask {
		if err := l.userTasks.CreateUserTask(ctx, config, recordCtx); err != nil {
			l.logger.Error("node activation side effect failed",
				ilog.NodeIDKey, n.NodeID, ilog.ErrorKey, &bpm.SideEffectError{Effect: "user task", Err: err})
		}
	}
}

func (l *Listener) onNodeDeactivation(ctx context.Context, config *bpm.TaskConfig, n *engine.Notification) {
	if config == nil {
		return
	}

	if config.NotificationEmail && config.EmailEvent == "end" {
		recordCtx := l.recordContext(ctx, config, n.InstanceID)

		if err := l.notifier.SendNotification(ctx, config, recordCtx); err != nil {
			l.logger.Error("node deactivation side effect failed",
				ilog.NodeIDKey, n.NodeID, ilog.ErrorKey, &bpm.SideEffectError{Effect: "notification", Err: err})
		}
	}
}
