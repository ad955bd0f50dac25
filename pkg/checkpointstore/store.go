// Package checkpointstore persists the agent's on-disk checkpoint tree:
// the resources manifest, the boot ID, and per-executor/per-task records
// written with target-then-commit discipline so a crash between the two
// writes is always recoverable from the last committed state.
package checkpointstore

import "github.com/cuemby/warren/pkg/types"

// Store is the checkpoint persistence contract used by RecoveryEngine and
// AgentCore. A target write records intent; Commit* makes it durable and
// is what recovery trusts after a crash.
type Store interface {
	// BootID identifies the current boot of the host. It changes across a
	// host reboot, which RecoveryEngine uses to detect non-additive
	// resource reconfiguration.
	SaveBootID(id string) error
	LoadBootID() (string, bool, error)

	// Resources records the agent's resource manifest. Target is written
	// before the agent acts on a new --resources value; Commit persists
	// the value actually in effect after recovery reconciles it.
	SaveResourcesTarget(resources types.Resources) error
	LoadResourcesTarget() (types.Resources, bool, error)
	CommitResources(resources types.Resources) error
	LoadCommittedResources() (types.Resources, bool, error)

	// SlaveInfo is the agent's own identity as last registered with the
	// allocator (id, hostname, domain, attributes).
	SaveAgentInfo(info *types.Agent) error
	LoadAgentInfo() (*types.Agent, bool, error)

	// Executors
	SaveExecutor(rec *ExecutorRecord) error
	GetExecutor(frameworkID, executorID string) (*ExecutorRecord, bool, error)
	ListExecutors() ([]*ExecutorRecord, error)
	DeleteExecutor(frameworkID, executorID string) error

	// Tasks
	SaveTask(rec *TaskRecord) error
	GetTask(taskID string) (*TaskRecord, bool, error)
	ListTasks() ([]*TaskRecord, error)
	ListTasksByExecutor(frameworkID, executorID string) ([]*TaskRecord, error)
	DeleteTask(taskID string) error

	// Operations records in-flight operations (reservations, volume
	// creation, resize) so RecoveryEngine can resume or reconcile them.
	SaveOperation(op *types.Operation) error
	ListOperations() ([]*types.Operation, error)
	DeleteOperation(id string) error

	Close() error
}

// ExecutorRecord is the checkpointed state needed to recover or reconnect
// to a running executor after an agent restart.
type ExecutorRecord struct {
	FrameworkID string
	ExecutorID  string
	ContainerID string
	Info        *types.ExecutorInfo
	Directory   string
	PID         int
	HTTP        bool
}

// TaskRecord is the checkpointed state of a task that has been launched
// on this agent.
type TaskRecord struct {
	TaskID      string
	FrameworkID string
	ExecutorID  string
	State       types.TaskState
	Resources   types.Resources
}
