package agentcore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
)

// RunTask launches a single task under frameworkID, following the
// same nine-step pipeline as RunTaskGroup with a group of one.
func (c *Core) RunTask(ctx context.Context, frameworkID string, fw *types.Framework, execInfo *types.ExecutorInfo, task *types.Task, resourceVersionUUIDs map[string]string) error {
	return c.runTasks(ctx, frameworkID, fw, execInfo, []*types.Task{task}, resourceVersionUUIDs)
}

// RunTaskGroup launches every task in group atomically under one
// executor: the group invariant is that its tasks are simultaneously
// pending, simultaneously queued, or simultaneously all removed.
func (c *Core) RunTaskGroup(ctx context.Context, frameworkID string, fw *types.Framework, execInfo *types.ExecutorInfo, group *types.TaskGroup, resourceVersionUUIDs map[string]string) error {
	for _, t := range group.Tasks {
		t.GroupID = group.ID
	}
	return c.runTasks(ctx, frameworkID, fw, execInfo, group.Tasks, resourceVersionUUIDs)
}

func (c *Core) runTasks(ctx context.Context, frameworkID string, fw *types.Framework, execInfo *types.ExecutorInfo, tasks []*types.Task, resourceVersionUUIDs map[string]string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TaskLaunchDuration)

	// Step 1: inject the allocation role into every resource missing
	// one, for multi-role frameworks.
	if fw.HasCapability(types.CapabilityMultiRole) {
		injectRole(tasks, execInfo)
	}

	// Step 2: ignore if the agent is not RUNNING.
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		c.logger.Warn().Str("framework_id", frameworkID).Msg("runTask ignored, agent not RUNNING")
		return fmt.Errorf("agentcore: not running")
	}

	// Step 3: create the framework record if new; track tasks pending.
	rec, ok := c.frameworks[frameworkID]
	if !ok {
		rec = &frameworkRecord{info: fw}
		c.frameworks[frameworkID] = rec
	}
	for _, t := range tasks {
		c.pending[t.ID] = &pendingTask{task: t, frameworkID: frameworkID, executorID: execInfo.ExecutorID}
	}
	c.mu.Unlock()

	// Step 4: record this executor's key in pendingGCUnschedule for the
	// duration of the launch. No GC sweep reads that set, so no
	// directory is unscheduled from garbage collection here.
	gcKey := frameworkID + "/" + execInfo.ExecutorID
	c.pendingGCUnschedule.Insert(gcKey)
	defer c.pendingGCUnschedule.Remove(gcKey)

	// Step 5: authorize every task; one failure fails the whole group.
	for _, t := range tasks {
		if err := c.authorizer.Authorize(frameworkID, t); err != nil {
			c.emitTerminalForTasks(tasks, types.TaskStateError, types.ReasonTaskUnauthorized, err.Error())
			c.clearPending(tasks)
			return fmt.Errorf("agentcore: task unauthorized: %w", err)
		}
	}

	// Step 6: resource-version mismatch check.
	if mismatch := c.resourceVersionMismatch(resourceVersionUUIDs); mismatch {
		state := types.TerminalStateFor(fw.HasCapability(types.CapabilityPartitionAware), false)
		c.emitTerminalForTasks(tasks, state, types.ReasonInvalidOffers, "resource version mismatch")
		c.clearPending(tasks)
		return fmt.Errorf("agentcore: resource version mismatch")
	}

	// Step 7: verify every checkpointed resource used is known.
	if unknown := c.unknownResources(tasks); unknown {
		state := types.TerminalStateFor(fw.HasCapability(types.CapabilityPartitionAware), false)
		c.emitTerminalForTasks(tasks, state, types.ReasonResourcesUnknown, "unknown checkpointed resource")
		c.clearPending(tasks)
		return fmt.Errorf("agentcore: unknown checkpointed resource")
	}

	// Step 8: locate or create the executor. HTTP-based executors get a
	// freshly generated secret to authenticate their Subscribe call.
	dir := c.sandboxDir(frameworkID, execInfo.ExecutorID, uuid.New().String())
	if execInfo.RequiresSecret && execInfo.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			c.emitTerminalForTasks(tasks, types.TaskStateFailed, types.ReasonContainerLaunchFailed, err.Error())
			c.clearPending(tasks)
			return fmt.Errorf("agentcore: generate executor secret: %w", err)
		}
		execInfo.Secret = secret
	}
	exec, created, err := c.supervisor.GetOrCreate(ctx, frameworkID, execInfo.ExecutorID, execInfo, dir)
	if err != nil {
		c.emitTerminalForTasks(tasks, types.TaskStateFailed, types.ReasonContainerLaunchFailed, err.Error())
		c.clearPending(tasks)
		return fmt.Errorf("agentcore: create executor: %w", err)
	}
	if created {
		c.logger.Info().Str("executor_id", execInfo.ExecutorID).Str("container_id", exec.ContainerID).Msg("executor launched")
	}

	// Step 9: dispatch to the executor based on its current state.
	return c.dispatch(ctx, frameworkID, exec, tasks)
}

func (c *Core) dispatch(ctx context.Context, frameworkID string, exec *types.Executor, tasks []*types.Task) error {
	switch exec.State {
	case types.ExecutorRegistering, types.ExecutorRunning:
		if len(tasks) > 1 {
			if err := c.supervisor.EnqueueGroup(frameworkID, exec.ID, tasks); err != nil {
				return c.failDispatch(tasks, err)
			}
		} else {
			if err := c.supervisor.Enqueue(frameworkID, exec.ID, tasks[0]); err != nil {
				return c.failDispatch(tasks, err)
			}
		}
		c.clearPending(tasks)
		if exec.State == types.ExecutorRunning {
			if err := c.supervisor.Flush(ctx, frameworkID, exec.ID); err != nil {
				// Containerizer.update failed: destroy and synthesize
				// a terminal update for the flushed tasks.
				_ = c.supervisor.Shutdown(ctx, frameworkID, exec.ID)
				c.emitTerminalForTasks(tasks, types.TaskStateFailed, types.ReasonContainerUpdateFailed, err.Error())
				return fmt.Errorf("agentcore: flush to executor: %w", err)
			}
		}
		return nil

	case types.ExecutorTerminating, types.ExecutorTerminated:
		c.emitTerminalForTasks(tasks, types.TaskStateLost, types.ReasonExecutorTerminated, "executor terminating")
		c.clearPending(tasks)
		return fmt.Errorf("agentcore: executor terminating")

	default:
		return c.failDispatch(tasks, fmt.Errorf("unknown executor state %q", exec.State))
	}
}

func (c *Core) failDispatch(tasks []*types.Task, err error) error {
	c.emitTerminalForTasks(tasks, types.TaskStateFailed, types.ReasonContainerUpdateFailed, err.Error())
	c.clearPending(tasks)
	return err
}

func (c *Core) clearPending(tasks []*types.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		delete(c.pending, t.ID)
		c.tasks[t.ID] = t
	}
}

// emitTerminalForTasks synchronously marks every task in tasks with
// state/reason and forwards the resulting status updates; used for
// every group-wide failure path in the launch pipeline.
func (c *Core) emitTerminalForTasks(tasks []*types.Task, state types.TaskState, reason types.Reason, message string) {
	for _, t := range tasks {
		t.State = state
		c.statusSink.Forward(types.StatusUpdate{
			UUID:        uuid.New().String(),
			TaskID:      t.ID,
			FrameworkID: t.FrameworkID,
			AgentID:     c.agentID,
			State:       state,
			Source:      types.SourceAgent,
			Reason:      reason,
			Message:     message,
			Timestamp:   now(),
		})
	}
}

// resourceVersionMismatch checks the caller's uuid for the agent's own
// default resource version (keyed by the empty provider id) against
// the version currently in effect; per-provider versions are out of
// scope without a resource-provider subsystem.
func (c *Core) resourceVersionMismatch(versions map[string]string) bool {
	current, ok := versions[""]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return current != c.resourceVersionUUID
}

func (c *Core) unknownResources(tasks []*types.Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		if !c.totalResources.Contains(t.Resources.Stripped()) {
			return true
		}
	}
	return false
}

func injectRole(tasks []*types.Task, execInfo *types.ExecutorInfo) {
	for _, t := range tasks {
		for i := range t.Resources {
			if t.Resources[i].Role == "" {
				t.Resources[i].Role = "*"
			}
		}
	}
	for i := range execInfo.Resources {
		if execInfo.Resources[i].Role == "" {
			execInfo.Resources[i].Role = "*"
		}
	}
}

func (c *Core) sandboxDir(frameworkID, executorID, containerID string) string {
	return filepath.Join(c.cfg.WorkDir, "slaves", c.agentID, "frameworks", frameworkID,
		"executors", executorID, "runs", containerID)
}

// generateSecret returns a random hex-encoded authentication secret
// for an HTTP executor, the way the teacher's secrets manager derives
// per-identity keys from crypto/rand.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate executor secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var nowFunc = time.Now

func now() time.Time { return nowFunc() }
