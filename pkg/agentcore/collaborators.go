package agentcore

import (
	"context"

	"github.com/cuemby/warren/pkg/types"
)

// Containerizer is the opaque resource isolator AgentCore dispatches
// to. Its internals (process/container launch, isolation) are
// declared out of scope; AgentCore only needs this contract.
type Containerizer interface {
	Launch(ctx context.Context, containerID string, info *types.ExecutorInfo, dir string) error
	Update(ctx context.Context, containerID string, resources types.Resources) error
	Destroy(ctx context.Context, containerID string) error
	// Wait blocks until the container exits and returns its exit reason.
	Wait(ctx context.Context, containerID string) (TerminationReason, error)
}

// TerminationReason describes why a container stopped running.
type TerminationReason string

const (
	TerminationExited   TerminationReason = "EXITED"
	TerminationDestroyed TerminationReason = "DESTROYED"
	TerminationOOM       TerminationReason = "OOM_KILLED"
)

// Authorizer re-checks a task against host-level ACLs at launch time.
// Re-authorization at the agent is intentional even though the master
// already authorized the offer acceptance.
type Authorizer interface {
	Authorize(frameworkID string, task *types.Task) error
}

// AllowAllAuthorizer authorizes every task; the default when no
// host-level ACL policy is configured.
type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(string, *types.Task) error { return nil }

// StatusSink is the external interface AgentCore plugs into for
// reliable status update delivery (StatusUpdateManager's contract,
// implemented concretely by package statusupdate).
type StatusSink interface {
	Forward(update types.StatusUpdate)
}

// MasterTransport is the logical agent->master contract AgentCore
// drives; the wire encoding itself is out of scope.
type MasterTransport interface {
	Register(info *types.Agent, checkpointedResources types.Resources, resourceVersionUUID string) error
	Reregister(info *types.Agent, tasks []*types.Task, executors []*types.Executor) error
	ExitedExecutor(frameworkID, executorID string)
	UnregisterSlave()
	// UpdateSlave reports a revised total resource pool to an
	// already-registered master, without going through the full
	// register/reregister handshake (used for oversubscription estimates).
	UpdateSlave(agentID string, total types.Resources) error
}
