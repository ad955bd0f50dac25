package agentcore

import (
	"context"
	"testing"

	"github.com/cuemby/warren/pkg/checkpointstore"
	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	resourcesTarget    types.Resources
	committedResources types.Resources
}

func (f *fakeStore) SaveBootID(string) error           { return nil }
func (f *fakeStore) LoadBootID() (string, bool, error) { return "", false, nil }
func (f *fakeStore) SaveResourcesTarget(r types.Resources) error {
	f.resourcesTarget = r
	return nil
}
func (f *fakeStore) LoadResourcesTarget() (types.Resources, bool, error) {
	return f.resourcesTarget, f.resourcesTarget != nil, nil
}
func (f *fakeStore) CommitResources(r types.Resources) error {
	f.committedResources = r
	return nil
}
func (f *fakeStore) LoadCommittedResources() (types.Resources, bool, error) {
	return f.committedResources, f.committedResources != nil, nil
}
func (f *fakeStore) SaveAgentInfo(*types.Agent) error            { return nil }
func (f *fakeStore) LoadAgentInfo() (*types.Agent, bool, error)  { return nil, false, nil }
func (f *fakeStore) SaveExecutor(*checkpointstore.ExecutorRecord) error { return nil }
func (f *fakeStore) GetExecutor(string, string) (*checkpointstore.ExecutorRecord, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) ListExecutors() ([]*checkpointstore.ExecutorRecord, error) { return nil, nil }
func (f *fakeStore) DeleteExecutor(string, string) error                      { return nil }
func (f *fakeStore) SaveTask(*checkpointstore.TaskRecord) error               { return nil }
func (f *fakeStore) GetTask(string) (*checkpointstore.TaskRecord, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) ListTasks() ([]*checkpointstore.TaskRecord, error) { return nil, nil }
func (f *fakeStore) ListTasksByExecutor(string, string) ([]*checkpointstore.TaskRecord, error) {
	return nil, nil
}
func (f *fakeStore) DeleteTask(string) error                        { return nil }
func (f *fakeStore) SaveOperation(*types.Operation) error           { return nil }
func (f *fakeStore) ListOperations() ([]*types.Operation, error)    { return nil, nil }
func (f *fakeStore) DeleteOperation(string) error                   { return nil }
func (f *fakeStore) Close() error                                   { return nil }

var _ checkpointstore.Store = (*fakeStore)(nil)

type fakeSupervisor struct {
	executors map[string]*types.Executor
	enqueued  map[string][]*types.Task
	killed    []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{executors: map[string]*types.Executor{}, enqueued: map[string][]*types.Task{}}
}

func key(frameworkID, executorID string) string { return frameworkID + "/" + executorID }

func (f *fakeSupervisor) Get(frameworkID, executorID string) (*types.Executor, bool) {
	e, ok := f.executors[key(frameworkID, executorID)]
	return e, ok
}

func (f *fakeSupervisor) GetOrCreate(_ context.Context, frameworkID, executorID string, info *types.ExecutorInfo, dir string) (*types.Executor, bool, error) {
	k := key(frameworkID, executorID)
	if e, ok := f.executors[k]; ok {
		return e, false, nil
	}
	e := &types.Executor{ID: executorID, FrameworkID: frameworkID, ContainerID: "c-" + executorID, Info: info, State: types.ExecutorRunning, Directory: dir}
	f.executors[k] = e
	return e, true, nil
}

func (f *fakeSupervisor) Enqueue(frameworkID, executorID string, task *types.Task) error {
	k := key(frameworkID, executorID)
	f.enqueued[k] = append(f.enqueued[k], task)
	return nil
}

func (f *fakeSupervisor) EnqueueGroup(frameworkID, executorID string, tasks []*types.Task) error {
	k := key(frameworkID, executorID)
	f.enqueued[k] = append(f.enqueued[k], tasks...)
	return nil
}

func (f *fakeSupervisor) Flush(context.Context, string, string) error { return nil }

func (f *fakeSupervisor) Kill(_ context.Context, frameworkID, executorID, taskID string, _ *types.KillPolicy) error {
	f.killed = append(f.killed, taskID)
	return nil
}

func (f *fakeSupervisor) Shutdown(context.Context, string, string) error { return nil }

func (f *fakeSupervisor) Executors() []*types.Executor {
	out := make([]*types.Executor, 0, len(f.executors))
	for _, e := range f.executors {
		out = append(out, e)
	}
	return out
}

type fakeSink struct {
	updates []types.StatusUpdate
}

func (f *fakeSink) Forward(u types.StatusUpdate) { f.updates = append(f.updates, u) }

type fakeTransport struct{}

func (fakeTransport) Register(*types.Agent, types.Resources, string) error { return nil }
func (fakeTransport) Reregister(*types.Agent, []*types.Task, []*types.Executor) error {
	return nil
}
func (fakeTransport) ExitedExecutor(string, string)             {}
func (fakeTransport) UnregisterSlave()                          {}
func (fakeTransport) UpdateSlave(string, types.Resources) error { return nil }

// fakeOversubTransport records the total passed to UpdateSlave, for
// asserting ApplyOversubscribed's folding behavior.
type fakeOversubTransport struct {
	fakeTransport
	updated types.Resources
}

func (f *fakeOversubTransport) UpdateSlave(_ string, total types.Resources) error {
	f.updated = total
	return nil
}

func newTestCore(t *testing.T) (*Core, *fakeSupervisor, *fakeSink) {
	t.Helper()
	sup := newFakeSupervisor()
	sink := &fakeSink{}
	c := New(DefaultConfig(), "agent-1", sup, &fakeStore{}, sink, fakeTransport{})
	c.state = StateRunning
	c.totalResources = types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 4},
		{Name: "mem", Type: types.ValueScalar, Scalar: 4096},
	}
	return c, sup, sink
}

func TestRunTaskDispatchesToNewExecutor(t *testing.T) {
	c, sup, _ := newTestCore(t)
	fw := &types.Framework{ID: "fw-1"}
	execInfo := &types.ExecutorInfo{ExecutorID: "exec-1", FrameworkID: "fw-1"}
	task := &types.Task{ID: "task-1", FrameworkID: "fw-1", ExecutorID: "exec-1", State: types.TaskStateStaging, Resources: types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 1},
	}}

	err := c.RunTask(context.Background(), "fw-1", fw, execInfo, task, nil)
	require.NoError(t, err)
	assert.Len(t, sup.enqueued[key("fw-1", "exec-1")], 1)
	assert.Equal(t, types.TaskStateStaging, task.State, "state unchanged when enqueue succeeds without an explicit transition")
}

func TestRunTaskIgnoredWhenNotRunning(t *testing.T) {
	c, _, _ := newTestCore(t)
	c.state = StateDisconnected
	fw := &types.Framework{ID: "fw-1"}
	execInfo := &types.ExecutorInfo{ExecutorID: "exec-1"}
	task := &types.Task{ID: "task-1", FrameworkID: "fw-1", ExecutorID: "exec-1"}

	err := c.RunTask(context.Background(), "fw-1", fw, execInfo, task, nil)
	assert.Error(t, err)
}

func TestRunTaskRejectsUnknownResources(t *testing.T) {
	c, _, sink := newTestCore(t)
	fw := &types.Framework{ID: "fw-1"}
	execInfo := &types.ExecutorInfo{ExecutorID: "exec-1"}
	task := &types.Task{ID: "task-1", FrameworkID: "fw-1", ExecutorID: "exec-1", Resources: types.Resources{
		{Name: "gpus", Type: types.ValueScalar, Scalar: 1},
	}}

	err := c.RunTask(context.Background(), "fw-1", fw, execInfo, task, nil)
	require.Error(t, err)
	require.Len(t, sink.updates, 1)
	assert.Equal(t, types.ReasonResourcesUnknown, sink.updates[0].Reason)
}

func TestKillTaskPendingCascadesToGroup(t *testing.T) {
	c, _, sink := newTestCore(t)
	c.mu.Lock()
	t1 := &types.Task{ID: "t1", FrameworkID: "fw-1", ExecutorID: "exec-1", GroupID: "g1"}
	t2 := &types.Task{ID: "t2", FrameworkID: "fw-1", ExecutorID: "exec-1", GroupID: "g1"}
	c.pending["t1"] = &pendingTask{task: t1, frameworkID: "fw-1", executorID: "exec-1"}
	c.pending["t2"] = &pendingTask{task: t2, frameworkID: "fw-1", executorID: "exec-1"}
	c.mu.Unlock()

	err := c.KillTask(context.Background(), "t1", nil)
	require.NoError(t, err)
	require.Len(t, sink.updates, 2)
	for _, u := range sink.updates {
		assert.Equal(t, types.TaskStateKilled, u.State)
		assert.Equal(t, types.ReasonTaskKilledDuringLaunch, u.Reason)
	}
}

func TestHandleStatusUpdateIgnoresTerminalTransition(t *testing.T) {
	c, _, sink := newTestCore(t)
	c.mu.Lock()
	c.tasks["t1"] = &types.Task{ID: "t1", FrameworkID: "fw-1", State: types.TaskStateFinished}
	c.mu.Unlock()

	c.HandleStatusUpdate(context.Background(), types.StatusUpdate{TaskID: "t1", AgentID: "agent-1", State: types.TaskStateRunning})
	assert.Empty(t, sink.updates, "a terminal task must never transition out")
}

func TestHandleStatusUpdateDropsForeignAgentID(t *testing.T) {
	c, _, sink := newTestCore(t)
	c.HandleStatusUpdate(context.Background(), types.StatusUpdate{TaskID: "t1", AgentID: "some-other-agent", State: types.TaskStateRunning})
	assert.Empty(t, sink.updates)
}

func TestReconcileReportsUnknownTasksLost(t *testing.T) {
	c, _, sink := newTestCore(t)
	reported := []types.Task{{ID: "ghost", FrameworkID: "fw-1"}}
	c.Reconcile(reported, map[string]bool{"fw-1": false})

	require.Len(t, sink.updates, 1)
	assert.Equal(t, types.TaskStateLost, sink.updates[0].State)
	assert.Equal(t, types.ReasonReconciliation, sink.updates[0].Reason)
}

func TestApplyOperationSpeculativeUpdatesTotalAndCheckpoints(t *testing.T) {
	c, _, _ := newTestCore(t)
	store := &fakeStore{}
	c.store = store

	op := &types.Operation{
		FrameworkID: "fw-1",
		Info: types.OperationInfo{
			Type:     types.OperationReserve,
			Consumed: types.Resources{},
			Converted: types.Resources{
				{Name: "cpus", Type: types.ValueScalar, Scalar: 1, Role: "eng"},
			},
		},
	}
	err := c.ApplyOperation(op, nil)
	require.NoError(t, err)
	assert.Equal(t, types.OperationFinished, op.Latest.State)
	assert.NotNil(t, store.committedResources)
}

func TestApplyOversubscribedReplacesRevocablePortionAndUpdatesSlave(t *testing.T) {
	sup := newFakeSupervisor()
	transport := &fakeOversubTransport{}
	c := New(DefaultConfig(), "agent-1", sup, &fakeStore{}, &fakeSink{}, transport)
	c.state = StateRunning
	c.totalResources = types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 4},
		{Name: "mem", Type: types.ValueScalar, Scalar: 1024, Revocable: true},
	}

	c.ApplyOversubscribed(types.Resources{
		{Name: "mem", Type: types.ValueScalar, Scalar: 2048, Revocable: true},
	})

	assert.Equal(t, 4.0, c.totalResources.ScalarSum("cpus"), "non-revocable portion must be untouched")
	assert.Equal(t, 2048.0, c.totalResources.Revocable().ScalarSum("mem"), "new estimate replaces the old one rather than adding to it")
	assert.Equal(t, c.totalResources, transport.updated)
}
