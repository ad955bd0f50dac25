package executorsup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/agentcore"
	"github.com/cuemby/warren/pkg/health"
	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainerizer struct {
	launched  map[string]*types.ExecutorInfo
	updated   []types.Resources
	destroyed []string
	waitCh    chan agentcore.TerminationReason
}

func newFakeContainerizer() *fakeContainerizer {
	return &fakeContainerizer{launched: map[string]*types.ExecutorInfo{}, waitCh: make(chan agentcore.TerminationReason, 1)}
}

func (f *fakeContainerizer) Launch(_ context.Context, containerID string, info *types.ExecutorInfo, _ string) error {
	f.launched[containerID] = info
	return nil
}

func (f *fakeContainerizer) Update(_ context.Context, _ string, resources types.Resources) error {
	f.updated = append(f.updated, resources)
	return nil
}

func (f *fakeContainerizer) Destroy(_ context.Context, containerID string) error {
	f.destroyed = append(f.destroyed, containerID)
	select {
	case f.waitCh <- agentcore.TerminationDestroyed:
	default:
	}
	return nil
}

func (f *fakeContainerizer) Wait(ctx context.Context, _ string) (agentcore.TerminationReason, error) {
	select {
	case r := <-f.waitCh:
		return r, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeTransport struct {
	mu    sync.Mutex
	kills []string
	err   error
}

func (f *fakeTransport) KillTask(_ context.Context, _, _, taskID string, _ *types.KillPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, taskID)
	return f.err
}

func newTestSupervisor() (*Supervisor, *fakeContainerizer, *[]types.StatusUpdate) {
	s, c, _, updates := newTestSupervisorWithTransport()
	return s, c, updates
}

func newTestSupervisorWithTransport() (*Supervisor, *fakeContainerizer, *fakeTransport, *[]types.StatusUpdate) {
	c := newFakeContainerizer()
	transport := &fakeTransport{}
	var updates []types.StatusUpdate
	s := New(c, transport, 0, 10*time.Millisecond, func(u types.StatusUpdate) {
		updates = append(updates, u)
	}, func(string, string) {})
	return s, c, transport, &updates
}

func TestGetOrCreateLaunchesOnce(t *testing.T) {
	s, c, _ := newTestSupervisor()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}

	exec, created, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.ExecutorRegistering, exec.State)
	assert.Contains(t, c.launched, exec.ContainerID)

	again, created2, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, exec.ContainerID, again.ContainerID)
}

func TestEnqueueGroupThenFlushOnRunningExecutor(t *testing.T) {
	s, c, _ := newTestSupervisor()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	_, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	t1 := &types.Task{ID: "t1", FrameworkID: "fw-1", ExecutorID: "exec-1", Resources: types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 1},
	}}
	t2 := &types.Task{ID: "t2", FrameworkID: "fw-1", ExecutorID: "exec-1", GroupID: "g1", Resources: types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 1},
	}}
	require.NoError(t, s.EnqueueGroup("fw-1", "exec-1", []*types.Task{t1, t2}))

	exec, _ := s.Get("fw-1", "exec-1")
	exec.State = types.ExecutorRunning

	require.NoError(t, s.Flush(context.Background(), "fw-1", "exec-1"))
	assert.Len(t, c.updated, 1)
	assert.Equal(t, types.TaskStateStarting, t1.State)
	assert.Equal(t, types.TaskStateStarting, t2.State)
	assert.Empty(t, exec.QueuedTasks)
}

func TestFlushNoopWhileRegistering(t *testing.T) {
	s, c, _ := newTestSupervisor()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	_, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	t1 := &types.Task{ID: "t1", FrameworkID: "fw-1", ExecutorID: "exec-1"}
	require.NoError(t, s.Enqueue("fw-1", "exec-1", t1))
	require.NoError(t, s.Flush(context.Background(), "fw-1", "exec-1"))
	assert.Empty(t, c.updated, "registering executor must not receive a containerizer update yet")
}

func TestRegisterWithNoQueuedTasksShutsDownImmediately(t *testing.T) {
	s, c, _ := newTestSupervisor()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	exec, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	err = s.Register(context.Background(), "fw-1", "exec-1", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, c.destroyed, exec.ContainerID)
}

func TestRegisterDropsUnackedStagingTasks(t *testing.T) {
	s, _, updates := newTestSupervisor()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	exec, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	t1 := &types.Task{ID: "t1", FrameworkID: "fw-1", ExecutorID: "exec-1", State: types.TaskStateStaging}
	exec.LaunchedTasks = map[string]*types.Task{"t1": t1}

	require.NoError(t, s.Register(context.Background(), "fw-1", "exec-1", nil, nil /* t1 not in unacked list */))
	assert.Equal(t, types.TaskStateDropped, t1.State)
	require.Len(t, *updates, 1)
	assert.Equal(t, types.ReasonSlaveRestarted, (*updates)[0].Reason)
}

func TestAwaitTerminationFailsLiveTasksWhenNotTerminating(t *testing.T) {
	s, c, updates := newTestSupervisor()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	exec, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	t1 := &types.Task{ID: "t1", FrameworkID: "fw-1", ExecutorID: "exec-1", State: types.TaskStateRunning}
	exec.LaunchedTasks = map[string]*types.Task{"t1": t1}

	c.waitCh <- agentcore.TerminationOOM
	require.Eventually(t, func() bool {
		_, ok := s.Get("fw-1", "exec-1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.Len(t, *updates, 1)
	assert.Equal(t, types.TaskStateLost, (*updates)[0].State)
	assert.Equal(t, types.ReasonExecutorTerminated, (*updates)[0].Reason)
}

func TestShutdownDestroysAfterGracePeriod(t *testing.T) {
	s, c, _ := newTestSupervisor()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	exec, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background(), "fw-1", "exec-1"))
	assert.Contains(t, c.destroyed, exec.ContainerID)
}

func TestFlushMonitorsCommandHealthCheckAndKillsOnFailure(t *testing.T) {
	s, _, transport, _ := newTestSupervisorWithTransport()
	s.SetHealthCheckConfig(health.Config{
		Interval: 5 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
		Retries:  2,
	})
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	_, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	t1 := &types.Task{
		ID: "t1", FrameworkID: "fw-1", ExecutorID: "exec-1",
		Resources:   types.Resources{{Name: "cpus", Type: types.ValueScalar, Scalar: 1}},
		HealthCheck: &types.HealthCheck{Type: types.HealthCheckCommand, Command: []string{"sh", "-c", "exit 1"}},
	}
	require.NoError(t, s.Enqueue("fw-1", "exec-1", t1))

	exec, _ := s.Get("fw-1", "exec-1")
	exec.State = types.ExecutorRunning
	require.NoError(t, s.Flush(context.Background(), "fw-1", "exec-1"))

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		for _, id := range transport.kills {
			if id == "t1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "a task that never passes its health check must be killed")
}

func TestKillDeliversMessageAndHonorsAck(t *testing.T) {
	s, c, transport, _ := newTestSupervisorWithTransport()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	exec, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	t1 := &types.Task{ID: "t1", FrameworkID: "fw-1", ExecutorID: "exec-1", State: types.TaskStateRunning}
	exec.LaunchedTasks = map[string]*types.Task{"t1": t1}

	require.NoError(t, s.Kill(context.Background(), "fw-1", "exec-1", "t1", nil))
	assert.Contains(t, transport.kills, "t1")

	t1.State = types.TaskStateKilled
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, c.destroyed, "an acknowledged kill must not escalate to destroying the container")
}

func TestKillEscalatesToDestroyWhenUnacked(t *testing.T) {
	s, c, _, updates := newTestSupervisorWithTransport()
	info := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	exec, _, err := s.GetOrCreate(context.Background(), "fw-1", "exec-1", info, "/tmp/x")
	require.NoError(t, err)

	t1 := &types.Task{ID: "t1", FrameworkID: "fw-1", ExecutorID: "exec-1", State: types.TaskStateRunning}
	exec.LaunchedTasks = map[string]*types.Task{"t1": t1}

	require.NoError(t, s.Kill(context.Background(), "fw-1", "exec-1", "t1", nil))

	require.Eventually(t, func() bool {
		return len(c.destroyed) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, c.destroyed, exec.ContainerID)
	require.NotEmpty(t, *updates)
	last := (*updates)[len(*updates)-1]
	assert.Equal(t, types.TaskStateKilled, last.State)
	assert.Equal(t, types.ReasonTaskKillTimeout, last.Reason)
}
