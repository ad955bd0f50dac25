package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/warren/pkg/agentcore"
	"github.com/cuemby/warren/pkg/checkpointstore"
	"github.com/cuemby/warren/pkg/executorsup"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/types"
	"github.com/cuemby/warren/pkg/volume"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// ReconfigurationPolicy governs how RecoveryEngine reacts to a
// mismatch between the checkpointed and currently configured agent info.
type ReconfigurationPolicy string

const (
	// PolicyEqual treats any difference as fatal.
	PolicyEqual ReconfigurationPolicy = "equal"
	// PolicyAdditive permits attributes to gain keys and resources to grow.
	PolicyAdditive ReconfigurationPolicy = "additive"
)

// Transport is the subset of the agent->master protocol RecoveryEngine
// drives directly, independent of AgentCore's own registration flow.
type Transport interface {
	ReconnectExecutor(frameworkID, executorID string) error
}

// RecoveredExecutor is what Containerizer.Recover reports finding still
// running (or orphaned) from a previous agent incarnation.
type RecoveredExecutor struct {
	FrameworkID string
	ExecutorID  string
	ContainerID string
	Info        *types.ExecutorInfo
	Directory   string
	PID         int
	HTTP        bool
	// Orphan marks a container with no matching checkpoint record; it
	// is destroyed unconditionally regardless of recover mode.
	Orphan bool
	// NestedContainerIDs lists the container IDs nested under this
	// executor's own container tree (e.g. one per task of a
	// default-executor task group). These must never be swept as
	// orphans even though they carry no top-level checkpoint record
	// of their own.
	NestedContainerIDs []string
}

// ContainerizerRecovery is the narrow Containerizer surface RecoveryEngine
// needs to reconcile the host's actual container state.
type ContainerizerRecovery interface {
	Recover(ctx context.Context) ([]RecoveredExecutor, error)
	Destroy(ctx context.Context, containerID string) error
}

// Config holds RecoveryEngine's tunables, mirroring the agent CLI flags
// that govern recovery behavior.
type Config struct {
	ReconfigurationPolicy               ReconfigurationPolicy
	Recover                             agentcore.RecoverMode
	ExecutorReregistrationTimeout       time.Duration
	ExecutorReregistrationRetryInterval time.Duration
}

// Engine implements RecoveryEngine: it reconstructs AgentCore's
// in-memory state from the checkpoint tree on startup and reconciles
// recovered executors with the containerizer's actual state.
type Engine struct {
	cfg           Config
	store         checkpointstore.Store
	volumes       *volume.Manager
	containerizer ContainerizerRecovery
	transport     Transport
	logger        zerolog.Logger
}

// New creates a RecoveryEngine.
func New(cfg Config, store checkpointstore.Store, volumes *volume.Manager, containerizer ContainerizerRecovery, transport Transport) *Engine {
	return &Engine{
		cfg:           cfg,
		store:         store,
		volumes:       volumes,
		containerizer: containerizer,
		transport:     transport,
		logger:        log.WithComponent("recovery"),
	}
}

// Run executes the full seven-step recovery sequence against core and
// sup, then calls core.EnterRecoverMode to finish the RECOVERING
// transition. configured is the agent's info as given on this run's
// command line; bootID identifies the current host boot.
func (e *Engine) Run(ctx context.Context, core *agentcore.Core, sup *executorsup.Supervisor, configured *types.Agent, bootID string) error {
	sup.SetReregistrationTimeout(e.cfg.ExecutorReregistrationTimeout)

	resources, err := e.reapplyResourcesCheckpoint()
	if err != nil {
		return fmt.Errorf("recovery: resources checkpoint: %w", err)
	}

	startFresh, err := e.reconcileAgentInfo(configured, bootID)
	if err != nil {
		return fmt.Errorf("recovery: agent info: %w", err)
	}
	if startFresh {
		e.logger.Warn().Msg("host rebooted with incompatible slave info, starting as a new agent")
	}

	tasks, operations, err := e.loadAndInjectRole(configured)
	if err != nil {
		return fmt.Errorf("recovery: load checkpointed tasks: %w", err)
	}
	core.Restore(resources, tasks, operations)

	recovered, err := e.containerizer.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery: containerizer recover: %w", err)
	}

	nested := e.reconcileNestedContainers(recovered)

	var result *multierror.Error
	for _, rec := range recovered {
		if rec.Orphan {
			if nested[rec.ContainerID] {
				e.logger.Debug().Str("container_id", rec.ContainerID).Msg("skipping orphan sweep: container is nested under a live executor")
				continue
			}
			e.logger.Warn().Str("container_id", rec.ContainerID).Msg("destroying orphan container with no checkpoint record")
			if err := e.containerizer.Destroy(ctx, rec.ContainerID); err != nil {
				result = multierror.Append(result, fmt.Errorf("destroy orphan container %s: %w", rec.ContainerID, err))
			}
			continue
		}
		exec := &types.Executor{
			ID:          rec.ExecutorID,
			FrameworkID: rec.FrameworkID,
			ContainerID: rec.ContainerID,
			Info:        rec.Info,
			Directory:   rec.Directory,
			PID:         rec.PID,
			HTTP:        rec.HTTP,
		}

		sup.Adopt(ctx, exec)

		if e.cfg.Recover == agentcore.RecoverCleanup {
			if err := sup.Shutdown(ctx, rec.FrameworkID, rec.ExecutorID); err != nil {
				result = multierror.Append(result, fmt.Errorf("shutdown %s/%s: %w", rec.FrameworkID, rec.ExecutorID, err))
			}
			continue
		}
		if rec.PID != 0 {
			if err := e.reconnectPID(rec.FrameworkID, rec.ExecutorID); err != nil {
				result = multierror.Append(result, err)
			}
		}
		// HTTP-based executors simply re-subscribe on their own; the
		// reregistration watchdog armed by Adopt covers the timeout.
	}

	core.EnterRecoverMode(ctx)
	return result.ErrorOrNil()
}

// reconcileNestedContainers indexes every nested container ID declared
// by a non-orphan recovered executor, so the orphan sweep below never
// destroys a live task container just because it has no top-level
// checkpoint record of its own.
func (e *Engine) reconcileNestedContainers(recovered []RecoveredExecutor) map[string]bool {
	nested := make(map[string]bool)
	for _, rec := range recovered {
		if rec.Orphan {
			continue
		}
		for _, id := range rec.NestedContainerIDs {
			nested[id] = true
		}
	}
	return nested
}

// reconnectPID sends ReconnectExecutor, retrying at the configured
// interval (if any) to defeat a dropped packet; it gives up after one
// retry cycle, leaving the reregistration watchdog to destroy the
// executor if it never comes back.
func (e *Engine) reconnectPID(frameworkID, executorID string) error {
	err := e.transport.ReconnectExecutor(frameworkID, executorID)
	if err == nil || e.cfg.ExecutorReregistrationRetryInterval <= 0 {
		return err
	}
	time.AfterFunc(e.cfg.ExecutorReregistrationRetryInterval, func() {
		_ = e.transport.ReconnectExecutor(frameworkID, executorID)
	})
	return nil
}

// reapplyResourcesCheckpoint loads the committed resources; if a
// target write is still pending (a crash landed between target and
// commit) it resyncs volumes and commits before resuming.
func (e *Engine) reapplyResourcesCheckpoint() (types.Resources, error) {
	target, hasTarget, err := e.store.LoadResourcesTarget()
	if err != nil {
		return nil, fmt.Errorf("load resources target: %w", err)
	}
	committed, hasCommitted, err := e.store.LoadCommittedResources()
	if err != nil {
		return nil, fmt.Errorf("load committed resources: %w", err)
	}

	if !hasTarget {
		return committed, nil
	}
	if e.volumes != nil {
		if err := e.volumes.Sync(persistenceIDs(target)); err != nil {
			return nil, fmt.Errorf("sync volumes for pending target: %w", err)
		}
	}
	if err := e.store.CommitResources(target); err != nil {
		return nil, fmt.Errorf("commit pending target: %w", err)
	}
	_ = hasCommitted
	return target, nil
}

func persistenceIDs(resources types.Resources) []string {
	var ids []string
	for _, r := range resources {
		if r.Disk != nil && r.Disk.Persistence != nil {
			ids = append(ids, r.Disk.Persistence.ID)
		}
	}
	return ids
}

// reconcileAgentInfo compares the checkpointed agent identity against
// the currently configured one under the selected reconfiguration
// policy; it returns true if the host rebooted and the mismatch
// demands starting fresh rather than failing the process.
func (e *Engine) reconcileAgentInfo(configured *types.Agent, bootID string) (bool, error) {
	checkpointed, ok, err := e.store.LoadAgentInfo()
	if err != nil {
		return false, fmt.Errorf("load agent info: %w", err)
	}
	if !ok {
		return false, e.store.SaveBootID(bootID)
	}

	compatible := compareAgentInfo(checkpointed, configured, e.cfg.ReconfigurationPolicy)
	if compatible {
		return false, e.store.SaveBootID(bootID)
	}

	lastBootID, hasBootID, err := e.store.LoadBootID()
	if err != nil {
		return false, fmt.Errorf("load boot id: %w", err)
	}
	rebooted := !hasBootID || lastBootID != bootID
	if !rebooted {
		return false, fmt.Errorf("slave info changed under %s reconfiguration policy without a host reboot", e.cfg.ReconfigurationPolicy)
	}
	return true, e.store.SaveBootID(bootID)
}

func compareAgentInfo(checkpointed, configured *types.Agent, policy ReconfigurationPolicy) bool {
	if policy == PolicyEqual {
		return checkpointed.Hostname == configured.Hostname &&
			checkpointed.Domain == configured.Domain &&
			checkpointed.Total.Contains(configured.Total.Stripped()) &&
			configured.Total.Contains(checkpointed.Total.Stripped())
	}
	// additive: the configured total must be a superset of what was
	// checkpointed; it may grow but never shrink.
	return configured.Total.Contains(checkpointed.Total.Stripped())
}

// loadAndInjectRole loads every checkpointed task, injecting the
// allocation role "*" into any resource still missing one (for
// multi-role compatibility), and re-saves only the records it touched.
func (e *Engine) loadAndInjectRole(configured *types.Agent) ([]*types.Task, []*types.Operation, error) {
	records, err := e.store.ListTasks()
	if err != nil {
		return nil, nil, fmt.Errorf("list checkpointed tasks: %w", err)
	}

	tasks := make([]*types.Task, 0, len(records))
	for _, rec := range records {
		touched := false
		for i := range rec.Resources {
			if rec.Resources[i].Role == "" {
				rec.Resources[i].Role = "*"
				touched = true
			}
		}
		if touched {
			if err := e.store.SaveTask(rec); err != nil {
				return nil, nil, fmt.Errorf("re-checkpoint task %s: %w", rec.TaskID, err)
			}
		}
		tasks = append(tasks, &types.Task{
			ID:          rec.TaskID,
			FrameworkID: rec.FrameworkID,
			ExecutorID:  rec.ExecutorID,
			AgentID:     configured.ID,
			State:       rec.State,
			Resources:   rec.Resources,
		})
	}

	ops, err := e.store.ListOperations()
	if err != nil {
		return nil, nil, fmt.Errorf("list checkpointed operations: %w", err)
	}
	return tasks, ops, nil
}
