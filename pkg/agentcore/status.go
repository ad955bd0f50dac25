package agentcore

import (
	"context"

	"github.com/cuemby/warren/pkg/reconciler"
	"github.com/cuemby/warren/pkg/types"
)

// HandleStatusUpdate implements the status-update path: validate slave
// id, resolve pending/unknown/tracked task, update in-memory state
// (terminal states are sticky), call Supervisor.Flush for the task's
// executor on terminal updates, then hand off to the configured
// StatusSink for reliable delivery. Flush updates the container's
// resources only when the executor has queued tasks to deliver, so a
// terminal update does not by itself release the task's resources.
func (c *Core) HandleStatusUpdate(ctx context.Context, update types.StatusUpdate) {
	if update.AgentID != "" && update.AgentID != c.agentID {
		c.logger.Warn().Str("update_agent_id", update.AgentID).Msg("dropping status update for foreign agent id")
		return
	}

	c.mu.Lock()
	if pt, ok := c.pending[update.TaskID]; ok {
		delete(c.pending, update.TaskID)
		pt.task.State = update.State
		c.tasks[update.TaskID] = pt.task
		c.mu.Unlock()
		c.statusSink.Forward(update)
		return
	}

	task, known := c.tasks[update.TaskID]
	if !known {
		c.mu.Unlock()
		// Executor unknown to this agent incarnation: forward without
		// touching container state.
		c.statusSink.Forward(update)
		return
	}

	if task.State.IsTerminal() {
		// A task never transitions out of a terminal state.
		c.mu.Unlock()
		return
	}
	task.State = update.State
	terminal := update.State.IsTerminal()
	frameworkID, executorID := task.FrameworkID, task.ExecutorID
	c.mu.Unlock()

	if terminal {
		if exec, ok := c.supervisor.Get(frameworkID, executorID); ok {
			_ = c.supervisor.Flush(ctx, frameworkID, exec.ID)
		}
	}
	c.statusSink.Forward(update)
}

// AcknowledgeStatusUpdate calls Supervisor.Flush for the executor,
// delivering any tasks still queued on it once it is RUNNING. The ack
// is not forwarded to the executor, and taskID and updateUUID are not
// used.
func (c *Core) AcknowledgeStatusUpdate(ctx context.Context, frameworkID, executorID, taskID, updateUUID string) error {
	return c.supervisor.Flush(ctx, frameworkID, executorID)
}

// Reconcile implements the re-registration reconciliation rule: for
// every task the master reports but which this agent does not know,
// emit TASK_DROPPED (partition-aware frameworks) or TASK_LOST
// (otherwise) with reason REASON_RECONCILIATION.
func (c *Core) Reconcile(reported []types.Task, partitionAware map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rt := range reported {
		if _, known := c.tasks[rt.ID]; known {
			continue
		}
		state := types.TerminalStateFor(partitionAware[rt.FrameworkID], false)
		c.statusSink.Forward(types.StatusUpdate{
			TaskID:      rt.ID,
			FrameworkID: rt.FrameworkID,
			AgentID:     c.agentID,
			State:       state,
			Source:      types.SourceAgent,
			Reason:      types.ReasonReconciliation,
			Timestamp:   now(),
		})
	}
}

// Tasks implements reconciler.Source.
func (c *Core) Tasks() []reconciler.TrackedTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]reconciler.TrackedTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, reconciler.TrackedTask{
			TaskID:      t.ID,
			FrameworkID: t.FrameworkID,
			ExecutorID:  t.ExecutorID,
			State:       t.State,
		})
	}
	return out
}

// ExecutorAlive implements reconciler.Source.
func (c *Core) ExecutorAlive(frameworkID, executorID string) bool {
	exec, ok := c.supervisor.Get(frameworkID, executorID)
	if !ok {
		return false
	}
	return exec.State == types.ExecutorRegistering || exec.State == types.ExecutorRunning
}

// ReportTaskLost implements reconciler.Source: the reconciler found a
// tracked task whose executor is no longer alive.
func (c *Core) ReportTaskLost(taskID string, reasonStr string) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	task.State = types.TaskStateLost
	frameworkID := task.FrameworkID
	c.mu.Unlock()

	c.statusSink.Forward(types.StatusUpdate{
		TaskID:      taskID,
		FrameworkID: frameworkID,
		AgentID:     c.agentID,
		State:       types.TaskStateLost,
		Source:      types.SourceAgent,
		Reason:      types.Reason(reasonStr),
		Timestamp:   now(),
	})
}

// ReportExecutorTerminated implements reconciler.Source.
func (c *Core) ReportExecutorTerminated(frameworkID, executorID string) {
	c.logger.Warn().Str("framework_id", frameworkID).Str("executor_id", executorID).
		Msg("reconciler reports executor no longer alive")
}

var _ reconciler.Source = (*Core)(nil)
