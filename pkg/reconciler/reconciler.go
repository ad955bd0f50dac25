// Package reconciler runs AgentCore's periodic reconciliation loop: it
// compares the tasks and executors the agent believes are running
// against their observed health and liveness, and reports drift so
// AgentCore can emit the corresponding status updates.
package reconciler

import (
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// TrackedTask is the subset of task state the reconciler needs.
type TrackedTask struct {
	TaskID      string
	FrameworkID string
	ExecutorID  string
	State       types.TaskState
}

// Source is implemented by AgentCore. Tasks/Executors return a
// snapshot of currently tracked state; the report methods are called
// when the reconciler finds drift.
type Source interface {
	Tasks() []TrackedTask
	ExecutorAlive(frameworkID, executorID string) bool
	ReportTaskLost(taskID string, reason string)
	ReportExecutorTerminated(frameworkID, executorID string)
}

// Reconciler periodically diffs AgentCore's tracked tasks/executors
// against their observed liveness.
type Reconciler struct {
	source Source
	logger zerolog.Logger
	mu     sync.RWMutex
	stopCh chan struct{}
}

// NewReconciler creates a reconciler over the given source.
func NewReconciler(source Source) *Reconciler {
	return &Reconciler{
		source: source,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.RecoveryDuration)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	executorsSeen := make(map[string]bool)

	for _, task := range r.source.Tasks() {
		if isTerminal(task.State) {
			continue
		}

		key := task.FrameworkID + "/" + task.ExecutorID
		alive, checked := executorsSeen[key], executorsSeen[key]
		if !checked {
			alive = r.source.ExecutorAlive(task.FrameworkID, task.ExecutorID)
			executorsSeen[key] = alive
		}

		if !alive {
			r.logger.Warn().
				Str("task_id", task.TaskID).
				Str("framework_id", task.FrameworkID).
				Str("executor_id", task.ExecutorID).
				Msg("executor not alive for tracked task, reporting lost")
			r.source.ReportTaskLost(task.TaskID, "REASON_EXECUTOR_TERMINATED")
		}
	}

	for key, alive := range executorsSeen {
		if alive {
			continue
		}
		frameworkID, executorID := splitKey(key)
		r.source.ReportExecutorTerminated(frameworkID, executorID)
	}
}

func isTerminal(state types.TaskState) bool {
	switch state {
	case types.TaskStateFinished, types.TaskStateFailed, types.TaskStateKilled,
		types.TaskStateLost, types.TaskStateError, types.TaskStateDropped,
		types.TaskStateGone, types.TaskStateUnreachable:
		return true
	default:
		return false
	}
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
