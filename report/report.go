// Package report delivers workflow failure notifications to an external
// error-reporting collaborator. Reporting is fire-and-forget: a slow or
// failing reporter never blocks or rolls back the transaction that
// triggered it.
package report

import (
	"context"
	"log/slog"
	"sync"

	goerrors "github.com/go-errors/errors"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
	ilog "github.com/mehdimirhoseini/axelor-studio/internal/log"
)

// Reporter receives workflow failures.
type Reporter interface {
	ReportError(ctx context.Context, model *bpm.WorkflowModel, instanceID, message string)
}

// Describe renders an error for reporting, including a stack trace when
// the failure site captured one.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	if e, ok := err.(*goerrors.Error); ok {
		return e.Error() + "\n" + e.ErrorStack()
	}

	return err.Error()
}

type reportTask struct {
	model      *bpm.WorkflowModel
	instanceID string
	message    string
}

// Async dispatches reports to a delegate reporter on a bounded worker
// pool. Submission never blocks; reports that do not fit the queue are
// dropped with a log entry.
type Async struct {
	delegate Reporter
	logger   *slog.Logger

	tasks chan reportTask

	workersWg sync.WaitGroup

	closeOnce sync.Once
}

var _ Reporter = (*Async)(nil)

func NewAsync(delegate Reporter, workers, queueSize int, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 32
	}

	a := &Async{
		delegate: delegate,
		logger:   logger,
		tasks:    make(chan reportTask, queueSize),
	}

	a.workersWg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}

	return a
}

func (a *Async) worker() {
	defer a.workersWg.Done()

	for task := range a.tasks {
		// Reporting runs detached from the failing transaction.
		a.delegate.ReportError(context.Background(), task.model, task.instanceID, task.message)
	}
}

func (a *Async) ReportError(ctx context.Context, model *bpm.WorkflowModel, instanceID, message string) {
	select {
	case a.tasks <- reportTask{model: model, instanceID: instanceID, message: message}:
	default:
		a.logger.Warn("dropping error report, queue full", ilog.InstanceIDKey, instanceID)
	}
}

// Shutdown drains queued reports and stops the workers.
func (a *Async) Shutdown() {
	a.closeOnce.Do(func() {
		close(a.tasks)
	})

	a.workersWg.Wait()
}
