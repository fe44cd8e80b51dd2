// Package execution is the orchestration façade of the synchronization
// core. It binds business records to process instances on mutation,
// locates related and parent instances through configured link paths,
// starts, restarts, cancels, terminates and migrates instances, and
// forwards unhandled failures to the asynchronous error reporter.
package execution

import (
	"context"
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"
	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	"github.com/mehdimirhoseini/axelor-studio/engine"
	"github.com/mehdimirhoseini/axelor-studio/internal/exprs"
	ilog "github.com/mehdimirhoseini/axelor-studio/internal/log"
	"github.com/mehdimirhoseini/axelor-studio/record"
	"github.com/mehdimirhoseini/axelor-studio/registry"
	"github.com/mehdimirhoseini/axelor-studio/report"
)

const tracerName = "bpm-execution"

// TaskRunner executes the node-resolution and task-execution step for a
// bound, running instance. It is an external collaborator; the returned
// help text is propagated to the caller.
type TaskRunner interface {
	RunTasks(ctx context.Context, instance *bpm.Instance, recordCtx *record.Context, signal string) (string, error)
}

type noopTaskRunner struct{}

func (noopTaskRunner) RunTasks(context.Context, *bpm.Instance, *record.Context, string) (string, error) {
	return "", nil
}

type noopReporter struct{}

func (noopReporter) ReportError(context.Context, *bpm.WorkflowModel, string, string) {}

type Options struct {
	Logger *slog.Logger

	TracerProvider trace.TracerProvider

	Clock clock.Clock

	Reporter report.Reporter

	TaskRunner TaskRunner
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithReporter(r report.Reporter) Option {
	return func(o *Options) {
		o.Reporter = r
	}
}

func WithTaskRunner(tr TaskRunner) Option {
	return func(o *Options) {
		o.TaskRunner = tr
	}
}

// Service synchronizes business records with their process instances.
type Service struct {
	registry registry.Registry
	client   engine.Client
	builder  *record.Builder

	reporter report.Reporter
	runner   TaskRunner

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

func NewService(reg registry.Registry, client engine.Client, builder *record.Builder, opts ...Option) *Service {
	options := &Options{
		Logger:         slog.Default(),
		TracerProvider: noop.NewTracerProvider(),
		Clock:          clock.New(),
		Reporter:       noopReporter{},
		TaskRunner:     noopTaskRunner{},
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Service{
		registry: reg,
		client:   client,
		builder:  builder,
		reporter: options.Reporter,
		runner:   options.TaskRunner,
		logger:   options.Logger,
		tracer:   options.TracerProvider.Tracer(tracerName),
		clock:    options.Clock,
	}
}

// EvaluateInstance reacts to a committed mutation of a business record, or
// to a UI signal. An unbound record is first attached to a parent
// instance through sub-process links, then to a related instance through
// the configured process path, or a new instance is started when the
// record's type is a start model. A bound record delegates to the task
// runner while its instance is running.
//
// Unhandled failures are forwarded to the error reporter without blocking
// the caller, then re-raised.
func (s *Service) EvaluateInstance(ctx context.Context, rec record.Record, signal string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "EvaluateInstance", trace.WithAttributes(
		attribute.String(ilog.ModelNameKey, rec.ModelName()),
		attribute.Int64(ilog.ModelIDKey, rec.RecordID()),
	))
	defer span.End()

	c := s.builder.FromRecord(rec)

	start := s.clock.Now()

	helpText, err := s.evaluate(ctx, c, signal)
	if err != nil {
		s.reportFailure(ctx, c, err)
		return "", err
	}

	s.logger.Debug("workflow evaluated",
		ilog.ModelNameKey, c.ModelName(), ilog.InstanceIDKey, c.ProcessInstanceID(),
		"duration", s.clock.Since(start))

	return helpText, nil
}

func (s *Service) evaluate(ctx context.Context, c *record.Context, signal string) (string, error) {
	if c.ProcessInstanceID() == "" {
		if err := s.checkSubProcess(ctx, c); err != nil {
			return "", err
		}
	}

	if c.ProcessInstanceID() == "" {
		if err := s.addRelatedProcessInstanceID(ctx, c); err != nil {
			return "", err
		}

		s.logger.Debug("record process instance id resolved",
			ilog.ModelNameKey, c.ModelName(), ilog.InstanceIDKey, c.ProcessInstanceID())
	}

	instanceID := c.ProcessInstanceID()
	if instanceID == "" {
		return "", nil
	}

	instance, err := s.registry.FindByInstanceID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, bpm.ErrInstanceNotFound) {
			return "", nil
		}

		return "", err
	}

	active, err := s.client.IsActive(ctx, instanceID)
	if err != nil {
		return "", &bpm.IntegrationError{Op: "query instance", Err: err}
	}
	if !active {
		return "", nil
	}

	return s.runner.RunTasks(ctx, instance, c, signal)
}

// reportFailure notifies the error-reporting collaborator asynchronously
// and never blocks the failing transaction. Script failures are
// configuration bugs surfaced to the user directly and not reported.
func (s *Service) reportFailure(ctx context.Context, c *record.Context, err error) {
	var script *bpm.ScriptError
	if errors.As(err, &script) {
		return
	}

	var model *bpm.WorkflowModel
	if configs, cfgErr := s.registry.ProcessConfigsByModel(ctx, c.ModelName()); cfgErr == nil && len(configs) > 0 {
		model = configs[0].Process.Model
	}

	s.reporter.ReportError(ctx, model, c.ProcessInstanceID(), report.Describe(goerrors.Wrap(err, 1)))
}

// checkSubProcess attaches a record to a parent record's child instance:
// task configs whose CallModel matches the record's type navigate CallLink
// to a parent that may already own a running instance.
func (s *Service) checkSubProcess(ctx context.Context, c *record.Context) error {
	configs, err := s.registry.TaskConfigsByCallModel(ctx, c.ModelName())
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}

	env := map[string]any{record.VarName(c.ModelName()): c.Env()}

	for _, config := range configs {
		if !exprs.Bool(config.CallLinkCondition, env) {
			continue
		}

		parent := c.RelatedContext(config.CallLink)
		if parent == nil {
			continue
		}

		if parentInstanceID := parent.ProcessInstanceID(); parentInstanceID != "" {
			if err := s.addChildProcessInstanceID(ctx, parentInstanceID, c, env); err != nil {
				return err
			}

			break
		}
	}

	return nil
}

// addChildProcessInstanceID scans the parent's sub-process instances for
// one whose process config list matches the record's type; the first
// config whose path condition holds wins.
func (s *Service) addChildProcessInstanceID(ctx context.Context, parentInstanceID string, c *record.Context, env map[string]any) error {
	children, err := s.client.QueryInstances(ctx, engine.InstanceFilter{SuperInstanceID: parentInstanceID})
	if err != nil {
		return &bpm.IntegrationError{Op: "query instances", Err: err}
	}

	for _, childID := range children {
		instance, err := s.registry.FindByInstanceID(ctx, childID)
		if err != nil {
			if errors.Is(err, bpm.ErrInstanceNotFound) {
				continue
			}

			return err
		}

		for _, config := range instance.Process.Configs {
			if config.Model == "" || config.Model != c.ModelName() {
				continue
			}

			if exprs.Bool(config.PathCondition, env) {
				c.SetProcessInstanceID(instance.InstanceID)
				return nil
			}
		}
	}

	return nil
}

// addRelatedProcessInstanceID resolves the current process config for the
// record's type and either starts a new instance or attaches to an
// existing one.
func (s *Service) addRelatedProcessInstanceID(ctx context.Context, c *record.Context) error {
	configs, err := s.registry.ProcessConfigsByModel(ctx, c.ModelName())
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		s.logger.Debug("no active process config for model",
			ilog.ModelNameKey, c.ModelName(), ilog.ModelIDKey, c.ID())
		return nil
	}

	if configs[0].IsStartModel {
		return s.startInstance(ctx, configs, c)
	}

	s.attachRelated(c, configs)

	return nil
}

// attachRelated walks the config list's process paths, current config
// first and superseded ones as fallback. The walk is bounded by an
// explicit visited set so cyclic configuration data terminates after at
// most the number of distinct configs.
func (s *Service) attachRelated(c *record.Context, configs []*bpm.ProcessConfig) bool {
	visited := map[int64]bool{}

	for _, config := range configs {
		if config.ProcessPath == "" || visited[config.ID] {
			continue
		}
		visited[config.ID] = true

		related := c.RelatedContext(config.ProcessPath)
		if related == nil {
			continue
		}

		if instanceID := related.ProcessInstanceID(); instanceID != "" {
			s.logger.Debug("related instance found",
				ilog.ModelNameKey, c.ModelName(), ilog.InstanceIDKey, instanceID)
			c.SetProcessInstanceID(instanceID)

			return true
		}
	}

	return false
}

// startInstance starts a new engine instance for the record, unless a
// superseded config still attaches it to a running one.
func (s *Service) startInstance(ctx context.Context, configs []*bpm.ProcessConfig, c *record.Context) error {
	if len(configs) > 1 && s.attachRelated(c, configs[1:]) {
		return nil
	}

	s.logger.Debug("starting instance for model", ilog.ModelNameKey, c.ModelName(), ilog.ModelIDKey, c.ID())

	process := configs[0].Process

	variables := record.EngineVariables(map[string]any{record.VarName(c.ModelName()): c})

	instanceID, err := s.client.StartInstance(ctx, process.ProcessID, variables)
	if err != nil {
		return &bpm.IntegrationError{Op: "start instance", Err: err}
	}

	// The listener creates the row synchronously from the engine's start
	// notification; EnsureInstance keeps both creation paths on one row.
	if _, err := registry.EnsureInstance(ctx, s.registry, instanceID, process.ProcessID); err != nil {
		return err
	}

	if err := s.registry.BindModel(ctx, instanceID, c.ID(), c.ModelName()); err != nil {
		return err
	}

	c.SetProcessInstanceID(instanceID)

	return nil
}
