// Package observer glues record mutations and UI signals to workflow
// evaluation. It keeps per-tenant caches of the model and button names
// the workflow configuration currently references, so that the common
// case, a mutation of an unconfigured record type, costs one cache
// lookup and no registry round trip.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	"github.com/mehdimirhoseini/axelor-studio/execution"
	ilog "github.com/mehdimirhoseini/axelor-studio/internal/log"
	"github.com/mehdimirhoseini/axelor-studio/record"
	"github.com/mehdimirhoseini/axelor-studio/registry"
)

// DefaultCacheExpiration bounds how long a tenant's name caches are
// served without consulting the registry.
const DefaultCacheExpiration = time.Hour

// Signal is one UI button press arriving with a request. A request is
// evaluated at most once, no matter how many actions it chains.
type Signal struct {
	Model    string
	RecordID int64
	Name     string

	evaluated bool
}

type Options struct {
	Logger *slog.Logger

	// CacheExpiration is the TTL of the per-tenant name caches.
	CacheExpiration time.Duration
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithCacheExpiration(d time.Duration) Option {
	return func(o *Options) {
		o.CacheExpiration = d
	}
}

// Observer reacts to committed record mutations and to UI signals.
type Observer struct {
	service  *execution.Service
	registry registry.Registry
	resolver record.Resolver

	models  *ttlcache.Cache[string, map[string]bool]
	buttons *ttlcache.Cache[string, map[string]bool]

	logger *slog.Logger
}

func New(service *execution.Service, reg registry.Registry, resolver record.Resolver, opts ...Option) *Observer {
	options := &Options{
		Logger:          slog.Default(),
		CacheExpiration: DefaultCacheExpiration,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Observer{
		service:  service,
		registry: reg,
		resolver: resolver,
		models: ttlcache.New(
			ttlcache.WithTTL[string, map[string]bool](options.CacheExpiration),
		),
		buttons: ttlcache.New(
			ttlcache.WithTTL[string, map[string]bool](options.CacheExpiration),
		),
		logger: options.Logger,
	}
}

// Run drives cache expiration until the context is cancelled.
func (o *Observer) Run(ctx context.Context) {
	go o.models.Start()
	go o.buttons.Start()

	<-ctx.Done()

	o.models.Stop()
	o.buttons.Stop()
}

// InvalidateTenant drops the tenant's cached names. Call it after the
// tenant's workflow configuration changes.
func (o *Observer) InvalidateTenant(tenant string) {
	o.models.Delete(tenant)
	o.buttons.Delete(tenant)
}

// OnRecordsChanged runs inside the mutating transaction, after the
// changes are flushed: updated records of configured types are evaluated
// against their workflows, and deleted records release their registry
// instance when no other record type shares the process.
func (o *Observer) OnRecordsChanged(ctx context.Context, tenant string, updated, deleted []record.Record) error {
	models, err := o.modelNames(ctx, tenant)
	if err != nil {
		return err
	}

	for _, rec := range updated {
		if !models[rec.ModelName()] {
			continue
		}

		o.logger.Debug("evaluating workflow for updated record",
			ilog.TenantKey, tenant, ilog.ModelNameKey, rec.ModelName(), ilog.ModelIDKey, rec.RecordID())

		if _, err := o.service.EvaluateInstance(ctx, rec, ""); err != nil {
			return err
		}
	}

	for _, rec := range deleted {
		if !models[rec.ModelName()] {
			continue
		}

		if err := o.removeInstance(ctx, rec); err != nil {
			return err
		}
	}

	return nil
}

// removeInstance drops the registry row of a deleted record's instance,
// but only when the record's type is the process's sole config. A
// process shared by several record types keeps its instance alive until
// the others are gone too.
func (o *Observer) removeInstance(ctx context.Context, rec record.Record) error {
	instanceID := rec.ProcessInstanceID()
	if instanceID == "" {
		return nil
	}

	instance, err := o.registry.FindByInstanceID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, bpm.ErrInstanceNotFound) {
			return nil
		}

		return err
	}

	if len(instance.Process.Configs) != 1 {
		return nil
	}

	o.logger.Debug("removing instance of deleted record",
		ilog.ModelNameKey, rec.ModelName(), ilog.InstanceIDKey, instanceID)

	return o.registry.RemoveInstance(ctx, instance)
}

// OnSignal evaluates a record's workflow in response to a UI button
// press. Only buttons a task config references trigger evaluation; the
// returned help text is meant for the UI. Repeated delivery of the same
// Signal is a no-op.
func (o *Observer) OnSignal(ctx context.Context, tenant string, sig *Signal) (string, error) {
	if sig == nil || sig.Name == "" || sig.evaluated {
		return "", nil
	}
	sig.evaluated = true

	models, err := o.modelNames(ctx, tenant)
	if err != nil {
		return "", err
	}
	if !models[sig.Model] {
		return "", nil
	}

	buttons, err := o.buttonNames(ctx, tenant)
	if err != nil {
		return "", err
	}
	if !buttons[sig.Name] {
		return "", nil
	}

	repo, err := o.resolver.Repository(sig.Model)
	if err != nil {
		return "", err
	}

	rec, err := repo.Find(ctx, sig.RecordID)
	if err != nil || rec == nil {
		return "", err
	}

	o.logger.Debug("evaluating workflow for signal",
		ilog.TenantKey, tenant, ilog.ModelNameKey, sig.Model,
		ilog.ModelIDKey, sig.RecordID, ilog.SignalKey, sig.Name)

	return o.service.EvaluateInstance(ctx, rec, sig.Name)
}

func (o *Observer) modelNames(ctx context.Context, tenant string) (map[string]bool, error) {
	if item := o.models.Get(tenant); item != nil {
		return item.Value(), nil
	}

	names, err := o.registry.ModelNames(ctx)
	if err != nil {
		return nil, err
	}

	set := toSet(names)
	o.models.Set(tenant, set, ttlcache.DefaultTTL)

	return set, nil
}

func (o *Observer) buttonNames(ctx context.Context, tenant string) (map[string]bool, error) {
	if item := o.buttons.Get(tenant); item != nil {
		return item.Value(), nil
	}

	names, err := o.registry.ButtonNames(ctx)
	if err != nil {
		return nil, err
	}

	set := toSet(names)
	o.buttons.Set(tenant, set, ttlcache.DefaultTTL)

	return set, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}

	return set
}
