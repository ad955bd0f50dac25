package agentcore

import (
	"context"
	"fmt"

	"github.com/cuemby/warren/pkg/types"
)

// KillTask implements the four kill-semantics branches: a task still
// pending authorization or queued on its executor is terminated
// synchronously (cascading to the rest of its task group); a task
// running in the executor is forwarded a KillTask message; a task
// whose executor is still REGISTERING has its whole queued group
// killed.
func (c *Core) KillTask(ctx context.Context, taskID string, policy *types.KillPolicy) error {
	c.mu.Lock()
	if pt, ok := c.pending[taskID]; ok {
		group := c.pendingGroupLocked(pt)
		c.mu.Unlock()
		c.emitTerminalForTasks(group, types.TaskStateKilled, types.ReasonTaskKilledDuringLaunch, "killed before launch")
		c.mu.Lock()
		for _, t := range group {
			delete(c.pending, t.ID)
		}
		c.mu.Unlock()
		return nil
	}

	task, tracked := c.tasks[taskID]
	c.mu.Unlock()

	if !tracked {
		return fmt.Errorf("agentcore: kill unknown task %s", taskID)
	}
	if task.State.IsTerminal() {
		return nil
	}

	exec, ok := c.supervisor.Get(task.FrameworkID, task.ExecutorID)
	if !ok {
		return fmt.Errorf("agentcore: kill task %s: executor unknown", taskID)
	}

	switch exec.State {
	case types.ExecutorRegistering:
		group := []*types.Task{task}
		if task.GroupID != "" {
			group = c.queuedGroupOnExecutor(exec, task.GroupID)
		}
		c.emitTerminalForTasks(group, types.TaskStateKilled, types.ReasonTaskKilledDuringLaunch, "executor still registering")
		return nil
	case types.ExecutorRunning:
		return c.supervisor.Kill(ctx, task.FrameworkID, task.ExecutorID, taskID, policy)
	default:
		return fmt.Errorf("agentcore: kill task %s: executor in state %s", taskID, exec.State)
	}
}

// pendingGroupLocked returns every pending task sharing pt's group
// (or just pt itself if it is not part of a group). Caller holds c.mu.
func (c *Core) pendingGroupLocked(pt *pendingTask) []*types.Task {
	if pt.task.GroupID == "" {
		return []*types.Task{pt.task}
	}
	var group []*types.Task
	for _, other := range c.pending {
		if other.task.GroupID == pt.task.GroupID {
			group = append(group, other.task)
		}
	}
	return group
}

func (c *Core) queuedGroupOnExecutor(exec *types.Executor, groupID string) []*types.Task {
	var group []*types.Task
	for _, id := range exec.QueuedTasks {
		t, ok := exec.QueuedTaskInfo[id]
		if !ok {
			continue
		}
		if groupID == "" || t.GroupID == groupID {
			group = append(group, t)
		}
	}
	return group
}
