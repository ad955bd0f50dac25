// Package types defines the shared data model for the allocator and
// agent: resources and their set algebra, roles, agents, frameworks,
// quotas, offer filters, operations, executors, and tasks.
package types

import (
	"strings"
	"time"
)

// Role is a hierarchical allocation principal, e.g. "eng/research".
// A descendant role inherits its ancestors' reservations when allocating.
type Role string

// Ancestors returns role's ancestor paths from immediate parent to root,
// e.g. "eng/research/ml".Ancestors() -> ["eng/research", "eng"].
func (r Role) Ancestors() []Role {
	parts := strings.Split(string(r), "/")
	if len(parts) <= 1 {
		return nil
	}
	ancestors := make([]Role, 0, len(parts)-1)
	for i := len(parts) - 1; i > 0; i-- {
		ancestors = append(ancestors, Role(strings.Join(parts[:i], "/")))
	}
	return ancestors
}

// IsHierarchical reports whether role has more than one path segment.
func (r Role) IsHierarchical() bool {
	return strings.Contains(string(r), "/")
}

// Capability is a named agent or framework capability, e.g.
// CapabilityMultiRole, CapabilityGPUAware.
type Capability string

const (
	CapabilityMultiRole            Capability = "MULTI_ROLE"
	CapabilityHierarchicalRole     Capability = "HIERARCHICAL_ROLE"
	CapabilityResourceProvider     Capability = "RESOURCE_PROVIDER"
	CapabilityReservationRefinement Capability = "RESERVATION_REFINEMENT"
	CapabilityPartitionAware       Capability = "PARTITION_AWARE"
	CapabilityGPUAware             Capability = "GPU_RESOURCES"
	CapabilityRevocableAware       Capability = "REVOCABLE_RESOURCES"
	CapabilityRegionAware          Capability = "REGION_AWARE"
	CapabilitySharedResources      Capability = "SHARED_RESOURCES"
	CapabilityTaskKillingState     Capability = "TASK_KILLING_STATE"
)

// MaintenanceWindow describes a scheduled maintenance interval on an
// agent, during which AllocatorCore tries to vacate its resources via
// inverse offers.
type MaintenanceWindow struct {
	Start time.Time
	End   time.Time
	// OutstandingInverseOffers tracks, per framework, whether an inverse
	// offer for this window is currently outstanding.
	OutstandingInverseOffers map[string]bool
	// LastResponses holds the most recent InverseOfferResponse per
	// framework, keyed by framework id.
	LastResponses map[string]InverseOfferResponse
}

// InverseOfferResponse is a framework's reply to an inverse offer.
type InverseOfferResponse string

const (
	InverseOfferAccept InverseOfferResponse = "ACCEPT"
	InverseOfferDecline InverseOfferResponse = "DECLINE"
	InverseOfferNone   InverseOfferResponse = "NONE" // timeout or rescind
)

// Agent is a worker host registered with AllocatorCore.
type Agent struct {
	ID         string
	Hostname   string
	Domain     string // fault domain region, empty if none
	Total      Resources
	Allocated  Resources
	Activated  bool
	Capabilities map[Capability]bool
	Maintenance *MaintenanceWindow // nil if no scheduled maintenance
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(c Capability) bool {
	return a.Capabilities != nil && a.Capabilities[c]
}

// Framework is an external scheduler registered with AllocatorCore.
type Framework struct {
	ID              string
	Roles           map[Role]bool
	SuppressedRoles map[Role]bool
	Capabilities    map[Capability]bool
	Active          bool

	// Filters is role -> agent id -> set of OfferFilter.
	Filters map[Role]map[string][]OfferFilter
	// InverseFilters is agent id -> set of InverseOfferFilter.
	InverseFilters map[string][]InverseOfferFilter
}

// HasCapability reports whether the framework declares the given capability.
func (f *Framework) HasCapability(c Capability) bool {
	return f.Capabilities != nil && f.Capabilities[c]
}

// HasRole reports whether the framework is registered for role.
func (f *Framework) HasRole(role Role) bool {
	return f.Roles != nil && f.Roles[role]
}

// RoleSuppressed reports whether offers for role are currently suppressed.
func (f *Framework) RoleSuppressed(role Role) bool {
	return f.SuppressedRoles != nil && f.SuppressedRoles[role]
}

// Quota is a per-role guarantee expressed in stripped scalar quantities.
// It is a guarantee, not a limit.
type Quota struct {
	Role      Role
	Guarantee Resources
}

// ExecutorState is the lifecycle state of an executor as tracked by
// ExecutorSupervisor.
type ExecutorState string

const (
	ExecutorRegistering ExecutorState = "REGISTERING"
	ExecutorRunning      ExecutorState = "RUNNING"
	ExecutorTerminating  ExecutorState = "TERMINATING"
	ExecutorTerminated   ExecutorState = "TERMINATED"
)

// ExecutorInfo is the static description of an executor: its launch
// command, declared resources, and type.
type ExecutorInfo struct {
	ExecutorID  string
	FrameworkID string
	Command     []string
	Resources   Resources
	Type        ExecutorType
	Checkpoint  bool
	// RequiresSecret marks an HTTP-based executor that must authenticate
	// its Subscribe call with a per-run secret generated by the agent.
	RequiresSecret bool
	// Secret is filled in by AgentCore just before launch when
	// RequiresSecret is set.
	Secret string
}

// ExecutorType distinguishes a custom executor from the built-in
// command/default executor.
type ExecutorType string

const (
	ExecutorTypeDefault ExecutorType = "DEFAULT"
	ExecutorTypeCustom  ExecutorType = "CUSTOM"
)

// PendingTermination carries the reason an executor's container was
// destroyed, used to synthesize terminal status updates for its tasks.
type PendingTermination struct {
	Reason  Reason
	Message string
}

// Executor is ExecutorSupervisor's runtime record for one executor run.
type Executor struct {
	ID          string
	FrameworkID string
	ContainerID string
	Info        *ExecutorInfo
	State       ExecutorState
	// Secret authenticates the executor's Subscribe call when its
	// ExecutorInfo.RequiresSecret is set; empty otherwise.
	Secret string

	Directory string

	// Exactly one of PID/HTTP identifies how the agent reaches the
	// executor; both empty/false means a recovered executor awaiting
	// re-subscription.
	PID  int
	HTTP bool

	// QueuedTasks preserves launch order; task ids map to their pending
	// TaskInfo payload.
	QueuedTasks    []string
	QueuedTaskInfo map[string]*Task
	LaunchedTasks  map[string]*Task
	// TerminatedUnacked holds tasks with a terminal state whose status
	// update has not yet been acknowledged by the master.
	TerminatedUnacked map[string]*Task
	// CompletedTasks is a bounded ring of recently completed+acked tasks,
	// kept only for diagnostics.
	CompletedTasks []*Task

	PendingTermination *PendingTermination
}

// TaskState is a task's lifecycle state. Terminal states never
// transition to any other state.
type TaskState string

const (
	TaskStateStaging     TaskState = "TASK_STAGING"
	TaskStateStarting    TaskState = "TASK_STARTING"
	TaskStateRunning     TaskState = "TASK_RUNNING"
	TaskStateFinished    TaskState = "TASK_FINISHED"
	TaskStateFailed      TaskState = "TASK_FAILED"
	TaskStateKilled      TaskState = "TASK_KILLED"
	TaskStateKilling     TaskState = "TASK_KILLING"
	TaskStateLost        TaskState = "TASK_LOST"
	TaskStateError       TaskState = "TASK_ERROR"
	TaskStateDropped     TaskState = "TASK_DROPPED"
	TaskStateGone        TaskState = "TASK_GONE"
	TaskStateUnreachable TaskState = "TASK_UNREACHABLE"
)

// IsTerminal reports whether s is a terminal task state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateFinished, TaskStateFailed, TaskStateKilled, TaskStateLost,
		TaskStateError, TaskStateDropped, TaskStateGone, TaskStateUnreachable:
		return true
	default:
		return false
	}
}

// StatusSource identifies who synthesized a status update.
type StatusSource string

const (
	SourceAgent    StatusSource = "SOURCE_SLAVE"
	SourceExecutor StatusSource = "SOURCE_EXECUTOR"
)

// Task is a unit of work launched under exactly one executor.
type Task struct {
	ID          string
	FrameworkID string
	ExecutorID  string
	AgentID     string
	Name        string
	Resources   Resources
	State       TaskState
	HealthCheck *HealthCheck

	// GroupID, when non-empty, identifies the TaskGroup this task was
	// launched with; tasks in the same group are launched atomically.
	GroupID string
}

// TaskGroup is a set of tasks launched atomically under one executor:
// if any task in the group is killed before delivery to the executor,
// every task in the group must receive a terminal update.
type TaskGroup struct {
	ID          string
	FrameworkID string
	ExecutorID  string
	Tasks       []*Task
}

// KillPolicy optionally overrides how long an executor has to honor a
// kill request before the agent escalates to destroying its container.
type KillPolicy struct {
	GracePeriod time.Duration
}

// HealthCheck describes how a task's health is probed.
type HealthCheck struct {
	Type     HealthCheckType
	Command  []string
	HTTPPath string
	Port     int
}

// HealthCheckType enumerates the supported task health check mechanisms.
type HealthCheckType string

const (
	HealthCheckCommand HealthCheckType = "COMMAND"
	HealthCheckHTTP    HealthCheckType = "HTTP"
	HealthCheckTCP     HealthCheckType = "TCP"
)

// StatusUpdate is a single task status transition, delivered at-least-once
// from the agent to the master via StatusUpdateManager.
type StatusUpdate struct {
	UUID        string
	TaskID      string
	FrameworkID string
	AgentID     string
	State       TaskState
	Source      StatusSource
	Reason      Reason
	Message     string
	Timestamp   time.Time
}
