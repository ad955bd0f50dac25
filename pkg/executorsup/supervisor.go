package executorsup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/agentcore"
	"github.com/cuemby/warren/pkg/health"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func execKey(frameworkID, executorID string) string { return frameworkID + "/" + executorID }

// ExecutorTransport is the logical agent->executor contract (the
// Subscribe/LaunchGroup/KillTask/ShutdownExecutor pipe of the agent's
// external interfaces); the wire encoding itself is out of scope, same
// as agentcore.MasterTransport for the agent->master side.
type ExecutorTransport interface {
	KillTask(ctx context.Context, frameworkID, executorID, taskID string, policy *types.KillPolicy) error
}

// Supervisor tracks one record per executor run: its container id,
// directory, queued/launched/terminated task maps, and whether it is
// reachable over a PID or an HTTP pipe.
type Supervisor struct {
	containerizer agentcore.Containerizer
	transport     ExecutorTransport
	logger        zerolog.Logger

	mu        sync.Mutex
	executors map[string]*types.Executor

	registrationTimeout   time.Duration
	reregistrationTimeout time.Duration
	shutdownGrace         time.Duration

	onTerminalUpdate func(update types.StatusUpdate)
	onExitedExecutor func(frameworkID, executorID string)

	healthCheckConfig health.Config
}

// New creates a Supervisor driving containerizer and transport.
func New(containerizer agentcore.Containerizer, transport ExecutorTransport, registrationTimeout, shutdownGrace time.Duration,
	onTerminalUpdate func(types.StatusUpdate), onExitedExecutor func(string, string)) *Supervisor {
	return &Supervisor{
		containerizer:       containerizer,
		transport:           transport,
		logger:              log.WithComponent("executorsup"),
		executors:           make(map[string]*types.Executor),
		registrationTimeout: registrationTimeout,
		shutdownGrace:       shutdownGrace,
		onTerminalUpdate:    onTerminalUpdate,
		onExitedExecutor:    onExitedExecutor,
		healthCheckConfig:   health.DefaultConfig(),
	}
}

// SetHealthCheckConfig overrides the interval/timeout/retries/start-period
// tunables used for task health-check monitoring; defaults to
// health.DefaultConfig().
func (s *Supervisor) SetHealthCheckConfig(cfg health.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheckConfig = cfg
}

// SetReregistrationTimeout configures the timeout RecoveryEngine's
// adopted executors get to re-subscribe before being destroyed with
// REASON_EXECUTOR_REREGISTRATION_TIMEOUT; defaults to registrationTimeout.
func (s *Supervisor) SetReregistrationTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reregistrationTimeout = d
}

// Get returns the tracked executor, if any.
func (s *Supervisor) Get(frameworkID, executorID string) (*types.Executor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[execKey(frameworkID, executorID)]
	return e, ok
}

// Executors returns a snapshot of every tracked executor.
func (s *Supervisor) Executors() []*types.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Executor, 0, len(s.executors))
	for _, e := range s.executors {
		out = append(out, e)
	}
	return out
}

// GetOrCreate returns the existing executor record or launches a new
// one: allocates a container id, calls Containerizer.launch, and
// starts the registration watchdog.
func (s *Supervisor) GetOrCreate(ctx context.Context, frameworkID, executorID string, info *types.ExecutorInfo, dir string) (*types.Executor, bool, error) {
	key := execKey(frameworkID, executorID)

	s.mu.Lock()
	if e, ok := s.executors[key]; ok {
		s.mu.Unlock()
		return e, false, nil
	}
	containerID := uuid.New().String()
	exec := &types.Executor{
		ID:             executorID,
		FrameworkID:    frameworkID,
		ContainerID:    containerID,
		Info:           info,
		State:          types.ExecutorRegistering,
		Secret:         info.Secret,
		Directory:      dir,
		QueuedTaskInfo: make(map[string]*types.Task),
		LaunchedTasks:  make(map[string]*types.Task),
		TerminatedUnacked: make(map[string]*types.Task),
	}
	s.executors[key] = exec
	s.mu.Unlock()

	if err := s.containerizer.Launch(ctx, containerID, info, dir); err != nil {
		s.mu.Lock()
		delete(s.executors, key)
		s.mu.Unlock()
		return nil, false, fmt.Errorf("executorsup: launch %s: %w", executorID, err)
	}

	if s.registrationTimeout > 0 {
		time.AfterFunc(s.registrationTimeout, func() {
			s.onRegistrationTimeout(ctx, frameworkID, executorID, types.ReasonExecutorRegistrationTimeout)
		})
	}
	go s.awaitTermination(frameworkID, executorID)

	return exec, true, nil
}

// Adopt registers an executor recovered from checkpoint without
// relaunching its container: RecoveryEngine has already confirmed (or
// is in the process of confirming) it is still alive. The registration
// watchdog and termination wait are armed exactly as for a freshly
// launched executor.
func (s *Supervisor) Adopt(ctx context.Context, exec *types.Executor) {
	s.mu.Lock()
	if exec.QueuedTaskInfo == nil {
		exec.QueuedTaskInfo = make(map[string]*types.Task)
	}
	if exec.LaunchedTasks == nil {
		exec.LaunchedTasks = make(map[string]*types.Task)
	}
	if exec.TerminatedUnacked == nil {
		exec.TerminatedUnacked = make(map[string]*types.Task)
	}
	exec.State = types.ExecutorRegistering
	s.executors[execKey(exec.FrameworkID, exec.ID)] = exec
	timeout := s.reregistrationTimeout
	if timeout <= 0 {
		timeout = s.registrationTimeout
	}
	s.mu.Unlock()

	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			s.onRegistrationTimeout(ctx, exec.FrameworkID, exec.ID, types.ReasonExecutorReregistrationTimeout)
		})
	}
	go s.awaitTermination(exec.FrameworkID, exec.ID)
}

func (s *Supervisor) onRegistrationTimeout(ctx context.Context, frameworkID, executorID string, reason types.Reason) {
	s.mu.Lock()
	exec, ok := s.executors[execKey(frameworkID, executorID)]
	if !ok || exec.State != types.ExecutorRegistering {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Warn().Str("executor_id", executorID).Msg("executor registration timed out, destroying container")
	_ = s.containerizer.Destroy(ctx, exec.ContainerID)
	s.failAllTasks(exec, reason)
}

// Register implements the Subscribe/Register protocol: if the
// executor has no tasks queued (every one killed in the interim) it
// is shut down immediately; otherwise resources are published,
// containerizer state updated, and queued tasks flushed.
func (s *Supervisor) Register(ctx context.Context, frameworkID, executorID string, unackedUpdates []types.StatusUpdate, unackedTasks []string) error {
	s.mu.Lock()
	exec, ok := s.executors[execKey(frameworkID, executorID)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("executorsup: register unknown executor %s", executorID)
	}
	empty := len(exec.QueuedTasks) == 0 && len(exec.LaunchedTasks) == 0
	s.mu.Unlock()

	if empty {
		return s.Shutdown(ctx, frameworkID, executorID)
	}

	s.mu.Lock()
	exec.State = types.ExecutorRunning
	unacked := set_from(unackedTasks)
	for taskID, task := range exec.LaunchedTasks {
		if !unacked[taskID] && task.State == types.TaskStateStaging {
			task.State = types.TaskStateDropped
			s.emitTerminal(task, types.ReasonSlaveRestarted)
		}
	}
	s.mu.Unlock()

	s.replayUnacked(unackedUpdates)
	return s.Flush(ctx, frameworkID, executorID)
}

func set_from(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// replayUnacked replays unacknowledged updates grouped by task id: each
// task's updates are emitted together in their original order, and
// updates without a task id go last. The order across tasks is not
// defined, and updates are not ordered by task group.
func (s *Supervisor) replayUnacked(updates []types.StatusUpdate) {
	byGroup := make(map[string][]types.StatusUpdate)
	var ungrouped []types.StatusUpdate
	for _, u := range updates {
		if u.TaskID == "" {
			ungrouped = append(ungrouped, u)
			continue
		}
		byGroup[u.TaskID] = append(byGroup[u.TaskID], u)
	}
	for _, group := range byGroup {
		for _, u := range group {
			if s.onTerminalUpdate != nil {
				s.onTerminalUpdate(u)
			}
		}
	}
	for _, u := range ungrouped {
		if s.onTerminalUpdate != nil {
			s.onTerminalUpdate(u)
		}
	}
}

// Enqueue queues a single task on the executor.
func (s *Supervisor) Enqueue(frameworkID, executorID string, task *types.Task) error {
	return s.EnqueueGroup(frameworkID, executorID, []*types.Task{task})
}

// EnqueueGroup queues every task in a group atomically: all tasks are
// appended, or none are.
func (s *Supervisor) EnqueueGroup(frameworkID, executorID string, tasks []*types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executors[execKey(frameworkID, executorID)]
	if !ok {
		return fmt.Errorf("executorsup: enqueue on unknown executor %s", executorID)
	}
	for _, t := range tasks {
		t.State = types.TaskStateStaging
		exec.QueuedTasks = append(exec.QueuedTasks, t.ID)
		exec.QueuedTaskInfo[t.ID] = t
	}
	return nil
}

// Flush publishes resources and delivers any queued tasks to a
// RUNNING executor; a REGISTERING executor just keeps them queued.
func (s *Supervisor) Flush(ctx context.Context, frameworkID, executorID string) error {
	s.mu.Lock()
	exec, ok := s.executors[execKey(frameworkID, executorID)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("executorsup: flush unknown executor %s", executorID)
	}
	if exec.State != types.ExecutorRunning || len(exec.QueuedTasks) == 0 {
		s.mu.Unlock()
		return nil
	}
	ids := exec.QueuedTasks
	var resources types.Resources
	for _, id := range ids {
		if t, ok := exec.QueuedTaskInfo[id]; ok {
			resources = resources.Add(t.Resources)
		}
	}
	s.mu.Unlock()

	if err := s.containerizer.Update(ctx, exec.ContainerID, resources); err != nil {
		return fmt.Errorf("executorsup: containerizer update for %s: %w", executorID, err)
	}

	var monitored []*types.Task
	s.mu.Lock()
	for _, id := range ids {
		if t, ok := exec.QueuedTaskInfo[id]; ok {
			t.State = types.TaskStateStarting
			exec.LaunchedTasks[id] = t
			delete(exec.QueuedTaskInfo, id)
			if t.HealthCheck != nil {
				monitored = append(monitored, t)
			}
		}
	}
	exec.QueuedTasks = nil
	dir := exec.Directory
	s.mu.Unlock()

	for _, t := range monitored {
		go s.monitorTaskHealth(frameworkID, executorID, dir, t)
	}
	return nil
}

// Kill forwards a KillTask message to a RUNNING executor and awaits
// its status update. If no terminal update arrives within the kill
// policy's grace period (or the default shutdown grace), the kill is
// escalated by destroying the executor's container outright rather
// than leaving the task to hang forever unacknowledged.
func (s *Supervisor) Kill(ctx context.Context, frameworkID, executorID, taskID string, policy *types.KillPolicy) error {
	s.mu.Lock()
	exec, ok := s.executors[execKey(frameworkID, executorID)]
	var task *types.Task
	if ok {
		task = exec.LaunchedTasks[taskID]
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("executorsup: kill on unknown executor %s", executorID)
	}
	if task == nil {
		return fmt.Errorf("executorsup: kill unknown task %s on executor %s", taskID, executorID)
	}

	s.logger.Info().Str("executor_id", executorID).Str("task_id", taskID).Msg("forwarding kill to executor")
	if err := s.transport.KillTask(ctx, frameworkID, executorID, taskID, policy); err != nil {
		return fmt.Errorf("executorsup: deliver kill for %s: %w", taskID, err)
	}

	grace := s.shutdownGrace
	if policy != nil && policy.GracePeriod > 0 {
		grace = policy.GracePeriod
	}
	go s.awaitKillAck(frameworkID, executorID, exec, task, grace)
	return nil
}

// awaitKillAck escalates a kill to destroying the executor's container
// if task hasn't reached a terminal state within grace, mirroring
// Shutdown's own grace-then-destroy discipline.
func (s *Supervisor) awaitKillAck(frameworkID, executorID string, exec *types.Executor, task *types.Task, grace time.Duration) {
	time.Sleep(grace)

	s.mu.Lock()
	acked := task.State.IsTerminal()
	s.mu.Unlock()
	if acked {
		return
	}

	s.logger.Warn().Str("executor_id", executorID).Str("task_id", task.ID).
		Msg("kill not acknowledged within grace period, destroying container")

	s.mu.Lock()
	task.State = types.TaskStateKilled
	s.mu.Unlock()
	s.emitTerminal(task, types.ReasonTaskKillTimeout)
	_ = s.containerizer.Destroy(context.Background(), exec.ContainerID)
}

// Shutdown gracefully terminates an executor: it marks the executor
// TERMINATING and destroys its container once the Supervisor's
// shutdownGrace has passed or ctx is done. No per-executor override of
// the grace period is applied. Shutdown sends no task updates, and
// awaitTermination skips terminal updates for an executor that was
// TERMINATING.
func (s *Supervisor) Shutdown(ctx context.Context, frameworkID, executorID string) error {
	s.mu.Lock()
	exec, ok := s.executors[execKey(frameworkID, executorID)]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	exec.State = types.ExecutorTerminating
	s.mu.Unlock()

	grace := s.shutdownGrace
	select {
	case <-ctx.Done():
	case <-time.After(grace):
	}
	return s.containerizer.Destroy(ctx, exec.ContainerID)
}

func (s *Supervisor) awaitTermination(frameworkID, executorID string) {
	s.mu.Lock()
	exec, ok := s.executors[execKey(frameworkID, executorID)]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	reason, err := s.containerizer.Wait(ctx, exec.ContainerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("executor_id", executorID).Msg("containerizer wait failed")
	}

	s.mu.Lock()
	wasTerminating := exec.State == types.ExecutorTerminating
	exec.State = types.ExecutorTerminated
	s.mu.Unlock()

	if !wasTerminating {
		s.failAllTasks(exec, types.ReasonExecutorTerminated)
	}
	if s.onExitedExecutor != nil {
		s.onExitedExecutor(frameworkID, executorID)
	}
	s.logger.Info().Str("executor_id", executorID).Str("reason", string(reason)).Msg("executor terminated")

	s.mu.Lock()
	delete(s.executors, execKey(frameworkID, executorID))
	s.mu.Unlock()
}

func (s *Supervisor) failAllTasks(exec *types.Executor, reason types.Reason) {
	s.mu.Lock()
	var tasks []*types.Task
	for _, t := range exec.QueuedTaskInfo {
		tasks = append(tasks, t)
	}
	for _, t := range exec.LaunchedTasks {
		if !t.State.IsTerminal() {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.State = types.TaskStateLost
		s.emitTerminal(t, reason)
	}
}

func (s *Supervisor) emitTerminal(task *types.Task, reason types.Reason) {
	if s.onTerminalUpdate == nil {
		return
	}
	s.onTerminalUpdate(types.StatusUpdate{
		UUID:        uuid.New().String(),
		TaskID:      task.ID,
		FrameworkID: task.FrameworkID,
		State:       task.State,
		Source:      types.SourceAgent,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
}
