package types

// Reason is a user-visible explanation attached to a status update or
// operation failure.
type Reason string

const (
	ReasonReconciliation               Reason = "REASON_RECONCILIATION"
	ReasonContainerLaunchFailed        Reason = "REASON_CONTAINER_LAUNCH_FAILED"
	ReasonContainerUpdateFailed        Reason = "REASON_CONTAINER_UPDATE_FAILED"
	ReasonExecutorTerminated           Reason = "REASON_EXECUTOR_TERMINATED"
	ReasonExecutorRegistrationTimeout  Reason = "REASON_EXECUTOR_REGISTRATION_TIMEOUT"
	ReasonExecutorReregistrationTimeout Reason = "REASON_EXECUTOR_REREGISTRATION_TIMEOUT"
	ReasonSlaveRestarted               Reason = "REASON_SLAVE_RESTARTED"
	ReasonTaskKilledDuringLaunch       Reason = "REASON_TASK_KILLED_DURING_LAUNCH"
	ReasonTaskKillTimeout              Reason = "REASON_TASK_KILL_TIMEOUT"
	ReasonTaskUnauthorized             Reason = "REASON_TASK_UNAUTHORIZED"
	ReasonTaskGroupUnauthorized        Reason = "REASON_TASK_GROUP_UNAUTHORIZED"
	ReasonGCError                      Reason = "REASON_GC_ERROR"
	ReasonResourcesUnknown             Reason = "REASON_RESOURCES_UNKNOWN"
	ReasonInvalidOffers                Reason = "REASON_INVALID_OFFERS"
	ReasonContainerPreempted           Reason = "REASON_CONTAINER_PREEMPTED"
)

// PartitionAwareState maps a terminal condition to the status a
// partition-aware framework receives.
func PartitionAwareState(lost bool) TaskState {
	if lost {
		return TaskStateDropped
	}
	return TaskStateKilled
}

// NonPartitionAwareState maps a terminal condition to the status a
// framework without PARTITION_AWARE receives for the same condition.
func NonPartitionAwareState(lost bool) TaskState {
	if lost {
		return TaskStateLost
	}
	return TaskStateFailed
}

// TerminalStateFor picks TASK_DROPPED/TASK_GONE/TASK_LOST-family states
// based on whether the framework declared PARTITION_AWARE.
func TerminalStateFor(partitionAware bool, gone bool) TaskState {
	switch {
	case partitionAware && gone:
		return TaskStateGone
	case partitionAware && !gone:
		return TaskStateDropped
	default:
		return TaskStateLost
	}
}
