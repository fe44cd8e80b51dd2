package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	"github.com/mehdimirhoseini/axelor-studio/engine"
	"github.com/mehdimirhoseini/axelor-studio/engine/enginetest"
	"github.com/mehdimirhoseini/axelor-studio/record"
	"github.com/mehdimirhoseini/axelor-studio/registry"
	"github.com/mehdimirhoseini/axelor-studio/registry/sqlite"
)

type capturingReporter struct {
	mu       sync.Mutex
	messages []string
}

func (r *capturingReporter) ReportError(ctx context.Context, model *bpm.WorkflowModel, instanceID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, message)
}

func (r *capturingReporter) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.messages...)
}

type stubRunner struct {
	helpText string
	err      error
	calls    int
}

func (r *stubRunner) RunTasks(ctx context.Context, instance *bpm.Instance, recordCtx *record.Context, signal string) (string, error) {
	r.calls++
	return r.helpText, r.err
}

type fixture struct {
	engine   *enginetest.Engine
	registry registry.Registry
	repos    *record.RepositorySet
	reporter *capturingReporter
	runner   *stubRunner
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eng := enginetest.New()
	reg := sqlite.NewInMemoryRegistry()
	t.Cleanup(func() {
		require.NoError(t, reg.Close())
	})

	repos := record.NewRepositorySet()
	reporter := &capturingReporter{}
	runner := &stubRunner{}

	return &fixture{
		engine:   eng,
		registry: reg,
		repos:    repos,
		reporter: reporter,
		runner:   runner,
		service: NewService(reg, eng, record.NewBuilder(repos),
			WithReporter(reporter), WithTaskRunner(runner)),
	}
}

func (f *fixture) deploy(t *testing.T, processID string, version int, configs ...*bpm.ProcessConfig) *bpm.WorkflowProcess {
	t.Helper()

	f.engine.Deploy(processID, "<bpmn/>")

	process := &bpm.WorkflowProcess{
		ProcessID: processID,
		Name:      processID,
		Model:     &bpm.WorkflowModel{Code: "wkf", Version: version},
		Configs:   configs,
	}
	require.NoError(t, f.registry.SaveProcess(context.Background(), process))

	return process
}

func (f *fixture) repo(model string) *record.MemoryRepository {
	repo := record.NewMemoryRepository()
	f.repos.Register(model, repo)

	return repo
}

func Test_Service_StartModelStartsInstance(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, map[string]any{"amount": 100})

	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)

	instanceID := rec.ProcessInstanceID()
	require.NotEmpty(t, instanceID)

	instance, err := f.registry.FindByInstanceID(context.Background(), instanceID)
	require.NoError(t, err)
	require.Equal(t, int64(1), instance.ModelID)
	require.Equal(t, "Invoice", instance.ModelName)

	// The record travels to the engine as a named variable plus its id.
	v, err := f.engine.GetVariable(context.Background(), instanceID, "invoiceId")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	require.Equal(t, 1, f.runner.calls)
}

func Test_Service_UnconfiguredModelIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.repo("Unrelated")

	rec := record.NewDynamic("Unrelated", 1, nil)

	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)
	require.Empty(t, rec.ProcessInstanceID())
	require.Zero(t, f.runner.calls)
}

func Test_Service_AttachesThroughProcessPath(t *testing.T) {
	f := newFixture(t)
	f.repo("Order")
	f.repo("Invoice")
	f.deploy(t, "order-process:1", 1,
		&bpm.ProcessConfig{Model: "Order", IsStartModel: true},
		&bpm.ProcessConfig{Model: "Invoice", ProcessPath: "order"})

	order := record.NewDynamic("Order", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), order, "")
	require.NoError(t, err)
	require.NotEmpty(t, order.ProcessInstanceID())

	invoice := record.NewDynamic("Invoice", 2, map[string]any{"order": order})
	_, err = f.service.EvaluateInstance(context.Background(), invoice, "")
	require.NoError(t, err)

	require.Equal(t, order.ProcessInstanceID(), invoice.ProcessInstanceID())
}

func Test_Service_AttachesToSubProcess(t *testing.T) {
	f := newFixture(t)
	f.repo("Order")
	f.repo("OrderLine")
	f.deploy(t, "order-process:1", 1, &bpm.ProcessConfig{Model: "Order", IsStartModel: true})
	child := f.deploy(t, "line-process:1", 1, &bpm.ProcessConfig{Model: "OrderLine", IsStartModel: false})

	order := record.NewDynamic("Order", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), order, "")
	require.NoError(t, err)

	childID, err := f.engine.StartChild(context.Background(), order.ProcessInstanceID(), "line-process:1", nil)
	require.NoError(t, err)
	_, err = f.registry.CreateInstance(context.Background(), childID, child)
	require.NoError(t, err)

	config := &bpm.TaskConfig{
		Process:   child,
		Name:      "add-line",
		Model:     "Order",
		CallModel: "OrderLine",
		CallLink:  "order",
	}
	require.NoError(t, f.registry.SaveTaskConfig(context.Background(), config))

	line := record.NewDynamic("OrderLine", 7, map[string]any{"order": order})
	_, err = f.service.EvaluateInstance(context.Background(), line, "")
	require.NoError(t, err)

	require.Equal(t, childID, line.ProcessInstanceID())
}

func Test_Service_StartFallsBackToSupersededConfig(t *testing.T) {
	f := newFixture(t)
	f.repo("Order")
	f.repo("Invoice")

	// Version 1 attached invoices to their order; version 2 starts a
	// dedicated process. Records still reachable through the old path keep
	// their old instance.
	f.deploy(t, "order-process:1", 1,
		&bpm.ProcessConfig{Model: "Order", IsStartModel: true},
		&bpm.ProcessConfig{Model: "Invoice", ProcessPath: "order"})
	f.deploy(t, "invoice-process:2", 2, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	order := record.NewDynamic("Order", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), order, "")
	require.NoError(t, err)

	attached := record.NewDynamic("Invoice", 2, map[string]any{"order": order})
	_, err = f.service.EvaluateInstance(context.Background(), attached, "")
	require.NoError(t, err)
	require.Equal(t, order.ProcessInstanceID(), attached.ProcessInstanceID())

	fresh := record.NewDynamic("Invoice", 3, nil)
	_, err = f.service.EvaluateInstance(context.Background(), fresh, "")
	require.NoError(t, err)
	require.NotEmpty(t, fresh.ProcessInstanceID())
	require.NotEqual(t, order.ProcessInstanceID(), fresh.ProcessInstanceID())
}

func Test_Service_RunnerFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	f.runner.err = errors.New("task exploded")

	rec := record.NewDynamic("Invoice", 1, nil)

	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.Error(t, err)

	messages := f.reporter.Messages()
	require.Len(t, messages, 1)
	require.Contains(t, messages[0], "task exploded")
}

func Test_Service_ValidationFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	f.runner.err = &bpm.ValidationError{Node: "check", Missing: "decision"}

	rec := record.NewDynamic("Invoice", 1, nil)

	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.Error(t, err)

	messages := f.reporter.Messages()
	require.Len(t, messages, 1)
	require.Contains(t, messages[0], "no result from decision")
}

func Test_Service_ScriptFailureIsNotReported(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	// A broken user script surfaces to the caller but stays out of the
	// error reporter.
	f.runner.err = &bpm.ScriptError{Code: "self.amount >", Err: errors.New("unexpected end of expression")}

	rec := record.NewDynamic("Invoice", 1, nil)

	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.Error(t, err)
	require.Empty(t, f.reporter.Messages())
}

func Test_Service_Restart(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)

	id := rec.ProcessInstanceID()
	f.engine.SetToken(id, "approve")

	require.NoError(t, f.service.Restart(context.Background(), id, "invoice-process:1", "approve"))
}

func Test_Service_RestartInactiveProcess(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)

	id := rec.ProcessInstanceID()

	// The instance never recorded a handoff to "other-process", so a
	// restart under that name has nothing to resume.
	err = f.service.Restart(context.Background(), id, "other-process", "approve")

	var state *bpm.StateError
	require.ErrorAs(t, err, &state)
}

func Test_Service_RestartResolvesRelatedInstance(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})
	payProcess := f.deploy(t, "payment-process:1", 1)

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)
	id := rec.ProcessInstanceID()

	paymentID, err := f.engine.StartInstance(context.Background(), "payment-process:1", nil)
	require.NoError(t, err)
	_, err = f.registry.CreateInstance(context.Background(), paymentID, payProcess)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetVariable(context.Background(), id, "payment-process:1", paymentID))
	f.engine.SetToken(paymentID, "collect")

	require.NoError(t, f.service.Restart(context.Background(), id, "payment-process:1", "collect"))
}

func Test_Service_RestartRedirectRebuildsTargetVariables(t *testing.T) {
	f := newFixture(t)
	invoices := f.repo("Invoice")
	payments := f.repo("Payment")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})
	f.deploy(t, "payment-process:1", 1, &bpm.ProcessConfig{Model: "Payment", IsStartModel: true})

	inv := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), inv, "")
	require.NoError(t, err)
	require.NoError(t, invoices.Save(context.Background(), inv))
	id := inv.ProcessInstanceID()

	pay := record.NewDynamic("Payment", 9, nil)
	_, err = f.service.EvaluateInstance(context.Background(), pay, "")
	require.NoError(t, err)
	require.NoError(t, payments.Save(context.Background(), pay))
	payID := pay.ProcessInstanceID()

	require.NoError(t, f.engine.SetVariable(context.Background(), id, "payment-process:1", payID))
	f.engine.SetToken(payID, "collect")

	require.NoError(t, f.service.Restart(context.Background(), id, "payment-process:1", "collect"))

	// The restart carries the payment instance's own record variables, not
	// the ones of the instance the call came in on.
	v, err := f.engine.GetVariable(context.Background(), payID, "paymentId")
	require.NoError(t, err)
	require.Equal(t, int64(9), v)

	v, err = f.engine.GetVariable(context.Background(), payID, "invoiceId")
	require.NoError(t, err)
	require.Nil(t, v)
}

func Test_Service_FindInstancesAtNode(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)
	id := rec.ProcessInstanceID()

	f.engine.SetToken(id, "approve")

	ids, err := f.service.FindInstancesAtNode(context.Background(), "approve", "invoice-process:1", engine.NodeKindUserTask, false)
	require.NoError(t, err)
	require.Equal(t, []string{id, InactiveNodeSentinel}, ids)

	ids, err = f.service.FindInstancesAtNode(context.Background(), "other", "invoice-process:1", engine.NodeKindUserTask, false)
	require.NoError(t, err)
	require.Equal(t, []string{InactiveNodeSentinel}, ids)
}

func Test_Service_FindInstancesAtNode_EndEventIncludesFinished(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)
	id := rec.ProcessInstanceID()

	f.engine.Finish(id)

	ids, err := f.service.FindInstancesAtNode(context.Background(), "done", "invoice-process:1", engine.NodeKindEndEvent, false)
	require.NoError(t, err)
	require.Equal(t, []string{id, InactiveNodeSentinel}, ids)
}

func Test_Service_DeleteInstance(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)
	id := rec.ProcessInstanceID()

	require.NoError(t, f.service.DeleteInstance(context.Background(), id))

	active, err := f.engine.IsActive(context.Background(), id)
	require.NoError(t, err)
	require.False(t, active)
}

func Test_Service_TerminateAllIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	first := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), first, "")
	require.NoError(t, err)

	second := record.NewDynamic("Invoice", 2, nil)
	_, err = f.service.EvaluateInstance(context.Background(), second, "")
	require.NoError(t, err)

	require.NoError(t, f.service.TerminateAll(context.Background()))

	for _, id := range []string{first.ProcessInstanceID(), second.ProcessInstanceID()} {
		active, err := f.engine.IsActive(context.Background(), id)
		require.NoError(t, err)
		require.False(t, active)
	}
}

func Test_Service_MigrateInstance_UnknownInstanceSkipped(t *testing.T) {
	f := newFixture(t)
	process := f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	require.NoError(t, f.service.MigrateInstance(context.Background(), "missing", process, bpm.MigrationStatusMigrated))
}

func Test_Service_TaskPredicates(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)
	id := rec.ProcessInstanceID()

	f.engine.RecordActivity(id, "approve", "Approve invoice", false)

	active, err := f.service.IsActiveTask(context.Background(), id, "approve")
	require.NoError(t, err)
	require.True(t, active)

	active, err = f.service.IsActiveTask(context.Background(), id, "")
	require.NoError(t, err)
	require.False(t, active)

	activated, err := f.service.IsActivatedTask(context.Background(), id, "approve")
	require.NoError(t, err)
	require.True(t, activated)

	nodes, err := f.service.Nodes(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []string{"Approve invoice(approve)"}, nodes)
}

func Test_Service_Nodes_UnnamedActivityRendersBareID(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)
	id := rec.ProcessInstanceID()

	f.engine.RecordActivity(id, "gateway-1", "", true)
	f.engine.RecordActivity(id, "approve", "Approve invoice", false)

	nodes, err := f.service.Nodes(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []string{"gateway-1", "Approve invoice(approve)"}, nodes)
}

func Test_Service_WaitForCompletion(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)
	id := rec.ProcessInstanceID()

	f.engine.Finish(id)

	require.NoError(t, f.service.WaitForCompletion(context.Background(), id, time.Second*5))
}

func Test_Service_WaitForCompletion_Timeout(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)

	err = f.service.WaitForCompletion(context.Background(), rec.ProcessInstanceID(), time.Millisecond*50)
	require.Error(t, err)
}

func Test_Service_InstanceXML(t *testing.T) {
	f := newFixture(t)
	f.repo("Invoice")
	f.deploy(t, "invoice-process:1", 1, &bpm.ProcessConfig{Model: "Invoice", IsStartModel: true})

	rec := record.NewDynamic("Invoice", 1, nil)
	_, err := f.service.EvaluateInstance(context.Background(), rec, "")
	require.NoError(t, err)

	xml, err := f.service.InstanceXML(context.Background(), rec.ProcessInstanceID())
	require.NoError(t, err)
	require.Equal(t, "<bpmn/>", xml)
}
