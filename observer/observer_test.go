package observer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	"github.com/mehdimirhoseini/axelor-studio/engine/enginetest"
	"github.com/mehdimirhoseini/axelor-studio/execution"
	"github.com/mehdimirhoseini/axelor-studio/record"
	"github.com/mehdimirhoseini/axelor-studio/registry"
	"github.com/mehdimirhoseini/axelor-studio/registry/sqlite"
)

type fixture struct {
	engine   *enginetest.Engine
	registry registry.Registry
	repos    *record.RepositorySet
	observer *Observer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eng := enginetest.New()
	reg := sqlite.NewInMemoryRegistry()
	t.Cleanup(func() {
		require.NoError(t, reg.Close())
	})

	repos := record.NewRepositorySet()
	service := execution.NewService(reg, eng, record.NewBuilder(repos))

	return &fixture{
		engine:   eng,
		registry: reg,
		repos:    repos,
		observer: New(service, reg, repos),
	}
}

func (f *fixture) deploy(t *testing.T, processID string, configs ...*bpm.ProcessConfig) *bpm.WorkflowProcess {
	t.Helper()

	f.engine.Deploy(processID, "<bpmn/>")

	process := &bpm.WorkflowProcess{
		ProcessID: processID,
		Name:      processID,
		Model:     &bpm.WorkflowModel{Code: processID, Version: 1},
		Configs:   configs,
	}
	require.NoError(t, f.registry.SaveProcess(context.Background(), process))

	return process
}

func Test_Observer_UpdatedRecordStartsInstance(t *testing.T) {
	f := newFixture(t)
	f.repos.Register("Invoice", record.NewMemoryRepository())
	f.deploy(t, "invoice-process:1", &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)

	err := f.observer.OnRecordsChanged(context.Background(), "default", []record.Record{rec}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ProcessInstanceID())
}

func Test_Observer_UnconfiguredModelSkipped(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "invoice-process:1", &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Unrelated", 1, nil)

	err := f.observer.OnRecordsChanged(context.Background(), "default", []record.Record{rec}, nil)
	require.NoError(t, err)
	require.Empty(t, rec.ProcessInstanceID())
}

func Test_Observer_DeletedRecordRemovesSoleConfigInstance(t *testing.T) {
	f := newFixture(t)
	f.repos.Register("Invoice", record.NewMemoryRepository())
	f.deploy(t, "invoice-process:1", &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	require.NoError(t, f.observer.OnRecordsChanged(context.Background(), "default", []record.Record{rec}, nil))

	id := rec.ProcessInstanceID()
	require.NotEmpty(t, id)

	require.NoError(t, f.observer.OnRecordsChanged(context.Background(), "default", nil, []record.Record{rec}))

	_, err := f.registry.FindByInstanceID(context.Background(), id)
	require.ErrorIs(t, err, bpm.ErrInstanceNotFound)
}

func Test_Observer_DeletedRecordKeepsSharedInstance(t *testing.T) {
	f := newFixture(t)
	f.repos.Register("Order", record.NewMemoryRepository())
	f.repos.Register("Invoice", record.NewMemoryRepository())
	f.deploy(t, "order-process:1",
		&bpm.ProcessConfig{Model: "Order", IsStartModel: true},
		&bpm.ProcessConfig{Model: "Invoice", ProcessPath: "order"})

	order := record.NewDynamic("Order", 1, nil)
	require.NoError(t, f.observer.OnRecordsChanged(context.Background(), "default", []record.Record{order}, nil))

	id := order.ProcessInstanceID()
	require.NotEmpty(t, id)

	// The process also manages invoices, so the order's deletion must not
	// tear the shared instance down.
	require.NoError(t, f.observer.OnRecordsChanged(context.Background(), "default", nil, []record.Record{order}))

	_, err := f.registry.FindByInstanceID(context.Background(), id)
	require.NoError(t, err)
}

func Test_Observer_SignalEvaluatesOnce(t *testing.T) {
	f := newFixture(t)

	repo := record.NewMemoryRepository()
	f.repos.Register("Invoice", repo)

	process := f.deploy(t, "invoice-process:1", &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})
	require.NoError(t, f.registry.SaveTaskConfig(context.Background(), &bpm.TaskConfig{
		Process: process,
		Name:    "validate-invoice",
		Model:   "Invoice",
		Buttons: []string{"validate"},
	}))

	rec := record.NewDynamic("Invoice", 1, nil)
	require.NoError(t, repo.Save(context.Background(), rec))

	sig := &Signal{Model: "Invoice", RecordID: 1, Name: "validate"}

	_, err := f.observer.OnSignal(context.Background(), "default", sig)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ProcessInstanceID())

	// A chained action re-delivering the same signal is a no-op.
	_, err = f.observer.OnSignal(context.Background(), "default", sig)
	require.NoError(t, err)
}

func Test_Observer_UnknownButtonIgnored(t *testing.T) {
	f := newFixture(t)

	repo := record.NewMemoryRepository()
	f.repos.Register("Invoice", repo)
	f.deploy(t, "invoice-process:1", &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	require.NoError(t, repo.Save(context.Background(), rec))

	_, err := f.observer.OnSignal(context.Background(), "default", &Signal{Model: "Invoice", RecordID: 1, Name: "unknown"})
	require.NoError(t, err)
	require.Empty(t, rec.ProcessInstanceID())
}

func Test_Observer_InvalidateTenantReloadsNames(t *testing.T) {
	f := newFixture(t)
	f.repos.Register("Invoice", record.NewMemoryRepository())

	// Prime the cache before any configuration exists.
	rec := record.NewDynamic("Invoice", 1, nil)
	require.NoError(t, f.observer.OnRecordsChanged(context.Background(), "default", []record.Record{rec}, nil))
	require.Empty(t, rec.ProcessInstanceID())

	f.deploy(t, "invoice-process:1", &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})
	f.observer.InvalidateTenant("default")

	require.NoError(t, f.observer.OnRecordsChanged(context.Background(), "default", []record.Record{rec}, nil))
	require.NotEmpty(t, rec.ProcessInstanceID())
}
