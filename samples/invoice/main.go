package main

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	"github.com/mehdimirhoseini/axelor-studio/engine"
	"github.com/mehdimirhoseini/axelor-studio/engine/enginetest"
	"github.com/mehdimirhoseini/axelor-studio/execution"
	"github.com/mehdimirhoseini/axelor-studio/listener"
	"github.com/mehdimirhoseini/axelor-studio/observer"
	"github.com/mehdimirhoseini/axelor-studio/record"
	"github.com/mehdimirhoseini/axelor-studio/registry"
	"github.com/mehdimirhoseini/axelor-studio/registry/sqlite"
	"github.com/mehdimirhoseini/axelor-studio/report"
)

// logReporter writes workflow failures to the log; a real deployment
// would persist them for the process console.
type logReporter struct {
	logger *slog.Logger
}

func (r *logReporter) ReportError(ctx context.Context, model *bpm.WorkflowModel, instanceID, message string) {
	r.logger.Error("workflow failure", "instanceID", instanceID, "message", message)
}

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		panic(err)
	}

	tp := trace.NewTracerProvider(trace.WithSyncer(exp))
	defer tp.Shutdown(ctx)

	reg := sqlite.NewInMemoryRegistry()
	defer reg.Close()

	eng := enginetest.New()

	repos := record.NewRepositorySet()
	repos.Register("Invoice", record.NewMemoryRepository())
	repos.Register("InvoiceLine", record.NewMemoryRepository())
	builder := record.NewBuilder(repos)

	reporter := report.NewAsync(&logReporter{logger: logger}, 2, 32, logger)
	defer reporter.Shutdown()

	service := execution.NewService(reg, eng, builder,
		execution.WithLogger(logger),
		execution.WithTracerProvider(tp),
		execution.WithReporter(reporter),
	)

	nodeListener := listener.New(reg, eng, builder, listener.WithLogger(logger))

	obs := observer.New(service, reg, repos, observer.WithLogger(logger))

	deploy(ctx, logger, reg, eng)

	// An invoice mutation commits; the observer starts its workflow.
	invoice := record.NewDynamic("Invoice", 1, map[string]any{"amount": 1200, "status": "draft"})
	saveRecord(ctx, repos, invoice)
	if err := obs.OnRecordsChanged(ctx, "default", []record.Record{invoice}, nil); err != nil {
		panic(err)
	}

	instanceID := invoice.ProcessInstanceID()
	logger.Info("invoice bound to instance", "instanceID", instanceID)

	// The engine reports the root start and the first user task.
	notify(ctx, nodeListener, &engine.Notification{
		Event:               engine.EventStart,
		RootStart:           true,
		InstanceID:          instanceID,
		ProcessDefinitionID: "invoice-process:1",
	})

	eng.SetToken(instanceID, "validate-invoice")
	eng.RecordActivity(instanceID, "validate-invoice", "Validate invoice", false)

	notify(ctx, nodeListener, &engine.Notification{
		Event:               engine.EventStart,
		Kind:                engine.NodeKindUserTask,
		NodeID:              "validate-invoice",
		NodeName:            "Validate invoice",
		InstanceID:          instanceID,
		ProcessDefinitionID: "invoice-process:1",
	})

	// An invoice line is added; it attaches to the invoice's instance.
	line := record.NewDynamic("InvoiceLine", 10, map[string]any{"invoice": invoice, "qty": 2})
	saveRecord(ctx, repos, line)
	if err := obs.OnRecordsChanged(ctx, "default", []record.Record{line}, nil); err != nil {
		panic(err)
	}
	logger.Info("invoice line attached", "instanceID", line.ProcessInstanceID())

	// The user presses the validate button.
	if _, err := obs.OnSignal(ctx, "default", &observer.Signal{
		Model:    "Invoice",
		RecordID: 1,
		Name:     "validate",
	}); err != nil {
		panic(err)
	}

	nodes, err := service.Nodes(ctx, instanceID)
	if err != nil {
		panic(err)
	}
	logger.Info("instance trail", "nodes", nodes)

	ids, err := service.FindInstancesAtNode(ctx, "validate-invoice", "invoice-process:1", engine.NodeKindUserTask, false)
	if err != nil {
		panic(err)
	}
	logger.Info("instances waiting at node", "ids", ids)
}

func deploy(ctx context.Context, logger *slog.Logger, reg registry.Registry, eng *enginetest.Engine) {
	eng.Deploy("invoice-process:1", invoiceProcessXML)

	process := &bpm.WorkflowProcess{
		ProcessID: "invoice-process:1",
		Name:      "invoice-process:1",
		Model:     &bpm.WorkflowModel{Code: "invoice-wkf", Name: "Invoice workflow", Version: 1},
		Configs: []*bpm.ProcessConfig{
			{Model: "Invoice", IsStartModel: true},
			{Model: "InvoiceLine", ProcessPath: "invoice"},
		},
	}
	if err := reg.SaveProcess(ctx, process); err != nil {
		panic(err)
	}

	if err := reg.SaveTaskConfig(ctx, &bpm.TaskConfig{
		Process: process,
		Name:    "validate-invoice",
		Model:   "Invoice",
		Buttons: []string{"validate"},
	}); err != nil {
		panic(err)
	}

	if err := reg.SaveTaskConfig(ctx, &bpm.TaskConfig{
		Process:   process,
		Name:      "add-line",
		Model:     "Invoice",
		CallModel: "InvoiceLine",
		CallLink:  "invoice",
	}); err != nil {
		panic(err)
	}

	logger.Info("deployed invoice process")
}

func saveRecord(ctx context.Context, repos *record.RepositorySet, rec record.Record) {
	repo, err := repos.Repository(rec.ModelName())
	if err != nil {
		panic(err)
	}
	if err := repo.Save(ctx, rec); err != nil {
		panic(err)
	}
}

func notify(ctx context.Context, l *listener.Listener, n *engine.Notification) {
	if err := l.Notify(ctx, n); err != nil {
		panic(err)
	}
}

const invoiceProcessXML = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" id="invoice">
  <process id="invoice-process" isExecutable="true">
    <startEvent id="start"/>
    <userTask id="validate-invoice" name="Validate invoice"/>
    <endEvent id="end"/>
  </process>
</definitions>`
