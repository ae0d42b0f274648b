package router

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ExecutionTask is the unit of work handed to the execution backend once a
// request is routed.
type ExecutionTask struct {
	RequestID        string
	GPUID            string
	UserID           string
	ModelID          string
	Type             RequestType
	Payload          map[string]any
	ExpectedDuration time.Duration
}

// ExecutionBackend runs routed requests. Execute must not block; the backend
// reports lifecycle events through the StatusReporter it was built with. The
// context is cancelled when the request is cancelled or expires.
type ExecutionBackend interface {
	Execute(ctx context.Context, task ExecutionTask)
}

// StatusReporter is the backend's view of the router: the four transitions a
// backend may drive. Terminal transitions that lose the race against a
// cancel or expiry are dropped, not errors.
type StatusReporter interface {
	MarkRunning(requestID string) error
	UpdateProgress(requestID string, progress float64) error
	Complete(requestID string, result map[string]any) error
	Fail(requestID string, reason string) error
}

// SimulatedBackend fakes execution by sleeping for the task's expected
// duration, then reporting success. Used for development and tests in place
// of a real inference runtime.
type SimulatedBackend struct {
	reporter StatusReporter
}

// NewSimulatedBackend builds a backend reporting into rep.
func NewSimulatedBackend(rep StatusReporter) *SimulatedBackend {
	return &SimulatedBackend{reporter: rep}
}

// Execute spawns a goroutine that waits out the expected duration and
// completes the request, unless the context aborts it first.
func (b *SimulatedBackend) Execute(ctx context.Context, task ExecutionTask) {
	go func() {
		if err := b.reporter.MarkRunning(task.RequestID); err != nil {
			logrus.Warnf("simulated backend: %v", err)
			return
		}

		timer := time.NewTimer(task.ExpectedDuration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		result := map[string]any{
			"success":   true,
			"model_id":  task.ModelID,
			"type":      string(task.Type),
			"gpu_id":    task.GPUID,
			"timestamp": time.Now().Format(time.RFC3339),
		}
		if err := b.reporter.Complete(task.RequestID, result); err != nil {
			logrus.Warnf("simulated backend: %v", err)
		}
	}()
}
