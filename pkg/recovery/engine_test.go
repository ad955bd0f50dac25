package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/agentcore"
	"github.com/cuemby/warren/pkg/checkpointstore"
	"github.com/cuemby/warren/pkg/executorsup"
	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	bootID             string
	hasBootID          bool
	agentInfo          *types.Agent
	resourcesTarget    types.Resources
	hasTarget          bool
	committedResources types.Resources
	tasks              []*checkpointstore.TaskRecord
	operations         []*types.Operation
}

func (f *fakeStore) SaveBootID(id string) error { f.bootID = id; f.hasBootID = true; return nil }
func (f *fakeStore) LoadBootID() (string, bool, error) { return f.bootID, f.hasBootID, nil }
func (f *fakeStore) SaveResourcesTarget(r types.Resources) error {
	f.resourcesTarget = r
	f.hasTarget = true
	return nil
}
func (f *fakeStore) LoadResourcesTarget() (types.Resources, bool, error) {
	return f.resourcesTarget, f.hasTarget, nil
}
func (f *fakeStore) CommitResources(r types.Resources) error {
	f.committedResources = r
	f.hasTarget = false
	return nil
}
func (f *fakeStore) LoadCommittedResources() (types.Resources, bool, error) {
	return f.committedResources, f.committedResources != nil, nil
}
func (f *fakeStore) SaveAgentInfo(a *types.Agent) error           { f.agentInfo = a; return nil }
func (f *fakeStore) LoadAgentInfo() (*types.Agent, bool, error)   { return f.agentInfo, f.agentInfo != nil, nil }
func (f *fakeStore) SaveExecutor(*checkpointstore.ExecutorRecord) error { return nil }
func (f *fakeStore) GetExecutor(string, string) (*checkpointstore.ExecutorRecord, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) ListExecutors() ([]*checkpointstore.ExecutorRecord, error) { return nil, nil }
func (f *fakeStore) DeleteExecutor(string, string) error                      { return nil }
func (f *fakeStore) SaveTask(rec *checkpointstore.TaskRecord) error {
	for i, t := range f.tasks {
		if t.TaskID == rec.TaskID {
			f.tasks[i] = rec
			return nil
		}
	}
	f.tasks = append(f.tasks, rec)
	return nil
}
func (f *fakeStore) GetTask(string) (*checkpointstore.TaskRecord, bool, error) { return nil, false, nil }
func (f *fakeStore) ListTasks() ([]*checkpointstore.TaskRecord, error)         { return f.tasks, nil }
func (f *fakeStore) ListTasksByExecutor(string, string) ([]*checkpointstore.TaskRecord, error) {
	return nil, nil
}
func (f *fakeStore) DeleteTask(string) error                     { return nil }
func (f *fakeStore) SaveOperation(*types.Operation) error        { return nil }
func (f *fakeStore) ListOperations() ([]*types.Operation, error) { return f.operations, nil }
func (f *fakeStore) DeleteOperation(string) error                { return nil }
func (f *fakeStore) Close() error                                { return nil }

var _ checkpointstore.Store = (*fakeStore)(nil)

type fakeContainerizerRecovery struct {
	recovered  []RecoveredExecutor
	destroyed  []string
	destroyErr error
}

func (f *fakeContainerizerRecovery) Recover(context.Context) ([]RecoveredExecutor, error) {
	return f.recovered, nil
}

func (f *fakeContainerizerRecovery) Destroy(_ context.Context, containerID string) error {
	f.destroyed = append(f.destroyed, containerID)
	return f.destroyErr
}

type fakeTransport struct {
	reconnected []string
}

func (f *fakeTransport) ReconnectExecutor(frameworkID, executorID string) error {
	f.reconnected = append(f.reconnected, frameworkID+"/"+executorID)
	return nil
}

type fakeAgentContainerizer struct{}

func (fakeAgentContainerizer) Launch(context.Context, string, *types.ExecutorInfo, string) error {
	return nil
}
func (fakeAgentContainerizer) Update(context.Context, string, types.Resources) error { return nil }
func (fakeAgentContainerizer) Destroy(context.Context, string) error                 { return nil }
func (fakeAgentContainerizer) Wait(ctx context.Context, _ string) (agentcore.TerminationReason, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeExecutorTransport struct{}

func (fakeExecutorTransport) KillTask(context.Context, string, string, string, *types.KillPolicy) error {
	return nil
}

func newTestCore(sup agentcore.Supervisor, store checkpointstore.Store, mode agentcore.RecoverMode) *agentcore.Core {
	cfg := agentcore.DefaultConfig()
	cfg.Recover = mode
	return agentcore.New(cfg, "agent-1", sup, store, noopSink{}, noopTransport{})
}

type noopSink struct{}

func (noopSink) Forward(types.StatusUpdate) {}

type noopTransport struct{}

func (noopTransport) Register(*types.Agent, types.Resources, string) error { return nil }
func (noopTransport) Reregister(*types.Agent, []*types.Task, []*types.Executor) error {
	return nil
}
func (noopTransport) ExitedExecutor(string, string)             {}
func (noopTransport) UnregisterSlave()                          {}
func (noopTransport) UpdateSlave(string, types.Resources) error { return nil }

func TestRunReapliesPendingTargetAndRestoresTasks(t *testing.T) {
	store := &fakeStore{
		resourcesTarget: types.Resources{{Name: "cpus", Type: types.ValueScalar, Scalar: 4}},
		hasTarget:       true,
		tasks: []*checkpointstore.TaskRecord{
			{TaskID: "t1", FrameworkID: "fw-1", State: types.TaskStateRunning, Resources: types.Resources{
				{Name: "cpus", Type: types.ValueScalar, Scalar: 1},
			}},
		},
	}
	sup := executorsup.New(fakeAgentContainerizer{}, fakeExecutorTransport{}, 0, time.Millisecond, func(types.StatusUpdate) {}, func(string, string) {})
	core := newTestCore(sup, store, agentcore.RecoverReconnect)

	cfg := Config{ReconfigurationPolicy: PolicyAdditive, Recover: agentcore.RecoverReconnect}
	engine := New(cfg, store, nil, &fakeContainerizerRecovery{}, &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	configured := &types.Agent{ID: "agent-1", Hostname: "host-1", Total: types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 4},
	}}
	err := engine.Run(ctx, core, sup, configured, "boot-1")
	require.NoError(t, err)

	assert.NotNil(t, store.committedResources)
	assert.False(t, store.hasTarget, "pending target must be committed during recovery")
	assert.Equal(t, "*", store.tasks[0].Resources[0].Role, "role must be injected into checkpointed resources")
	assert.Equal(t, agentcore.StateDisconnected, core.State())
}

func TestRunReconnectsPIDExecutorsInReconnectMode(t *testing.T) {
	store := &fakeStore{}
	sup := executorsup.New(fakeAgentContainerizer{}, fakeExecutorTransport{}, 0, time.Millisecond, func(types.StatusUpdate) {}, func(string, string) {})
	core := newTestCore(sup, store, agentcore.RecoverReconnect)
	transport := &fakeTransport{}

	cfg := Config{ReconfigurationPolicy: PolicyAdditive, Recover: agentcore.RecoverReconnect}
	engine := New(cfg, store, nil, &fakeContainerizerRecovery{recovered: []RecoveredExecutor{
		{FrameworkID: "fw-1", ExecutorID: "exec-1", ContainerID: "c-1", PID: 1234, Info: &types.ExecutorInfo{}},
	}}, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	configured := &types.Agent{ID: "agent-1"}
	err := engine.Run(ctx, core, sup, configured, "boot-1")
	require.NoError(t, err)
	assert.Contains(t, transport.reconnected, "fw-1/exec-1")

	exec, ok := sup.Get("fw-1", "exec-1")
	require.True(t, ok)
	assert.Equal(t, types.ExecutorRegistering, exec.State)
}

func TestRunShutsDownExecutorsInCleanupMode(t *testing.T) {
	store := &fakeStore{}
	sup := executorsup.New(fakeAgentContainerizer{}, fakeExecutorTransport{}, 0, time.Millisecond, func(types.StatusUpdate) {}, func(string, string) {})
	core := newTestCore(sup, store, agentcore.RecoverCleanup)

	cfg := Config{ReconfigurationPolicy: PolicyAdditive, Recover: agentcore.RecoverCleanup}
	engine := New(cfg, store, nil, &fakeContainerizerRecovery{recovered: []RecoveredExecutor{
		{FrameworkID: "fw-1", ExecutorID: "exec-1", ContainerID: "c-1", Info: &types.ExecutorInfo{}},
	}}, &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	configured := &types.Agent{ID: "agent-1"}
	err := engine.Run(ctx, core, sup, configured, "boot-1")
	require.NoError(t, err)
	assert.Equal(t, agentcore.StateTerminating, core.State())
}

func TestRunDestroysOrphanContainers(t *testing.T) {
	store := &fakeStore{}
	sup := executorsup.New(fakeAgentContainerizer{}, fakeExecutorTransport{}, 0, time.Millisecond, func(types.StatusUpdate) {}, func(string, string) {})
	core := newTestCore(sup, store, agentcore.RecoverReconnect)
	containerizer := &fakeContainerizerRecovery{recovered: []RecoveredExecutor{
		{ContainerID: "orphan-1", Orphan: true},
	}}

	cfg := Config{ReconfigurationPolicy: PolicyAdditive, Recover: agentcore.RecoverReconnect}
	engine := New(cfg, store, nil, containerizer, &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	configured := &types.Agent{ID: "agent-1"}
	err := engine.Run(ctx, core, sup, configured, "boot-1")
	require.NoError(t, err)
	assert.Contains(t, containerizer.destroyed, "orphan-1")
}

func TestRunSkipsOrphanSweepForNestedTaskContainers(t *testing.T) {
	store := &fakeStore{}
	sup := executorsup.New(fakeAgentContainerizer{}, fakeExecutorTransport{}, 0, time.Millisecond, func(types.StatusUpdate) {}, func(string, string) {})
	core := newTestCore(sup, store, agentcore.RecoverReconnect)
	containerizer := &fakeContainerizerRecovery{recovered: []RecoveredExecutor{
		{
			FrameworkID: "fw-1", ExecutorID: "exec-1", ContainerID: "c-1", Info: &types.ExecutorInfo{},
			NestedContainerIDs: []string{"c-1-task-a", "c-1-task-b"},
		},
		{ContainerID: "c-1-task-a", Orphan: true},
		{ContainerID: "truly-orphaned", Orphan: true},
	}}

	cfg := Config{ReconfigurationPolicy: PolicyAdditive, Recover: agentcore.RecoverReconnect}
	engine := New(cfg, store, nil, containerizer, &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	configured := &types.Agent{ID: "agent-1"}
	err := engine.Run(ctx, core, sup, configured, "boot-1")
	require.NoError(t, err)
	assert.NotContains(t, containerizer.destroyed, "c-1-task-a", "a nested container of a live executor must survive the orphan sweep")
	assert.Contains(t, containerizer.destroyed, "truly-orphaned")
}

func TestReconcileAgentInfoRejectsShrinkUnderEqualPolicy(t *testing.T) {
	store := &fakeStore{agentInfo: &types.Agent{
		ID: "agent-1", Hostname: "host-1", Total: types.Resources{
			{Name: "cpus", Type: types.ValueScalar, Scalar: 8},
		},
	}, bootID: "boot-1", hasBootID: true}

	engine := New(Config{ReconfigurationPolicy: PolicyEqual}, store, nil, &fakeContainerizerRecovery{}, &fakeTransport{})
	configured := &types.Agent{ID: "agent-1", Hostname: "host-1", Total: types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 4},
	}}

	_, err := engine.reconcileAgentInfo(configured, "boot-1")
	assert.Error(t, err, "same boot, incompatible info under equal policy must be fatal")
}

func TestReconcileAgentInfoFallsBackToFreshOnReboot(t *testing.T) {
	store := &fakeStore{agentInfo: &types.Agent{
		ID: "agent-1", Hostname: "host-1", Total: types.Resources{
			{Name: "cpus", Type: types.ValueScalar, Scalar: 8},
		},
	}, bootID: "boot-1", hasBootID: true}

	engine := New(Config{ReconfigurationPolicy: PolicyEqual}, store, nil, &fakeContainerizerRecovery{}, &fakeTransport{})
	configured := &types.Agent{ID: "agent-1", Hostname: "host-1", Total: types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 4},
	}}

	startFresh, err := engine.reconcileAgentInfo(configured, "boot-2")
	require.NoError(t, err)
	assert.True(t, startFresh)
}
