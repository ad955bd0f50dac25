package agentcore

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/checkpointstore"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-set/v3"
	"github.com/rs/zerolog"
)

// State is AgentCore's lifecycle state.
type State string

const (
	StateRecovering  State = "RECOVERING"
	StateDisconnected State = "DISCONNECTED"
	StateRunning     State = "RUNNING"
	StateTerminating State = "TERMINATING"
)

// RecoverMode selects how AgentCore treats executors still running
// from a previous incarnation.
type RecoverMode string

const (
	RecoverReconnect RecoverMode = "reconnect"
	RecoverCleanup   RecoverMode = "cleanup"
)

// Config holds AgentCore's tunables, sourced from the agent CLI flags.
type Config struct {
	WorkDir     string
	Recover     RecoverMode
	MasterPingTimeout                   time.Duration
	RegistrationBackoffFactor           time.Duration
	AuthenticationBackoffFactor         time.Duration
	ExecutorRegistrationTimeout         time.Duration
	ExecutorReregistrationTimeout       time.Duration
	ExecutorReregistrationRetryInterval time.Duration
	ExecutorShutdownGracePeriod         time.Duration
}

// DefaultConfig returns AgentCore's default tunables.
func DefaultConfig() Config {
	return Config{
		Recover:                              RecoverReconnect,
		MasterPingTimeout:                    75 * time.Second,
		RegistrationBackoffFactor:            1 * time.Second,
		AuthenticationBackoffFactor:          1 * time.Second,
		ExecutorRegistrationTimeout:          1 * time.Minute,
		ExecutorReregistrationTimeout:        2 * time.Minute,
		ExecutorReregistrationRetryInterval:  0,
		ExecutorShutdownGracePeriod:          5 * time.Second,
	}
}

// frameworkRecord is AgentCore's per-framework bookkeeping: its
// declared info plus the resource-version it last saw.
type frameworkRecord struct {
	info                *types.Framework
	resourceVersionUUID string
}

// pendingTask is a task awaiting authorization before it is handed to
// its executor; tasks launched as part of a group share a groupID so
// a kill or authorization failure can cascade to the whole group.
type pendingTask struct {
	task        *types.Task
	frameworkID string
	executorID  string
}

// Core is AgentCore: the agent-side lifecycle state machine. Executor
// subscribe/queue/replay mechanics live in package executorsup; Core
// calls into a Supervisor for those and keeps the task/framework
// tables and state transitions itself.
type Core struct {
	cfg    Config
	agentID string
	logger zerolog.Logger

	mu sync.Mutex

	state State

	frameworks map[string]*frameworkRecord
	tasks      map[string]*types.Task // taskID -> task, across all frameworks
	pending    map[string]*pendingTask

	// pendingGCUnschedule tracks (framework/executor) directories whose
	// GC unschedule is outstanding for an in-flight runTask/runTaskGroup.
	pendingGCUnschedule *set.Set[string]

	totalResources     types.Resources
	resourceVersionUUID string

	operations map[string]*types.Operation

	supervisor Supervisor
	store      checkpointstore.Store
	authorizer Authorizer
	statusSink StatusSink
	transport  MasterTransport

	pingTimer     *time.Timer
	backoffAttempt int

	stopCh  chan struct{}
	started bool
}

// Supervisor is the subset of package executorsup's Supervisor that
// Core depends on, kept as an interface so Core can be tested without
// a real containerizer.
type Supervisor interface {
	Get(frameworkID, executorID string) (*types.Executor, bool)
	GetOrCreate(ctx context.Context, frameworkID, executorID string, info *types.ExecutorInfo, dir string) (*types.Executor, bool, error)
	Enqueue(frameworkID, executorID string, task *types.Task) error
	EnqueueGroup(frameworkID, executorID string, tasks []*types.Task) error
	Flush(ctx context.Context, frameworkID, executorID string) error
	Kill(ctx context.Context, frameworkID, executorID, taskID string, policy *types.KillPolicy) error
	Shutdown(ctx context.Context, frameworkID, executorID string) error
	Executors() []*types.Executor
}

// New creates an AgentCore in the RECOVERING state.
func New(cfg Config, agentID string, sup Supervisor, store checkpointstore.Store, sink StatusSink, transport MasterTransport) *Core {
	return &Core{
		cfg:                 cfg,
		agentID:             agentID,
		logger:              log.WithAgentID(agentID),
		state:               StateRecovering,
		frameworks:          make(map[string]*frameworkRecord),
		tasks:               make(map[string]*types.Task),
		pending:             make(map[string]*pendingTask),
		pendingGCUnschedule: set.New[string](0),
		operations:          make(map[string]*types.Operation),
		supervisor:          sup,
		store:               store,
		authorizer:          AllowAllAuthorizer{},
		statusSink:          sink,
		transport:           transport,
		resourceVersionUUID: uuid.New().String(),
		stopCh:              make(chan struct{}),
	}
}

// Restore seeds Core's state from RecoveryEngine's reconstruction: the
// committed resources checkpoint and any tasks/operations recovered
// from the checkpoint tree. It must be called while still RECOVERING,
// before Start.
func (c *Core) Restore(resources types.Resources, tasks []*types.Task, operations []*types.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecovering {
		return
	}
	c.totalResources = resources
	for _, t := range tasks {
		c.tasks[t.ID] = t
	}
	for _, op := range operations {
		c.operations[op.ID] = op
	}
}

// SetAuthorizer overrides the default allow-all host-level authorizer.
func (c *Core) SetAuthorizer(a Authorizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorizer = a
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the ping-timeout watchdog. RecoveryEngine is expected
// to have already replayed checkpoints and called EnterRecoverMode
// before Start is called.
func (c *Core) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.runPingWatchdog()
}

// Stop transitions to TERMINATING and halts the watchdog.
func (c *Core) Stop() {
	c.mu.Lock()
	c.state = StateTerminating
	c.mu.Unlock()
	close(c.stopCh)
}

// EnterRecoverMode finishes the RECOVERING transition: reconnect moves
// to DISCONNECTED and begins master detection; cleanup kills every
// known executor and moves straight to TERMINATING.
func (c *Core) EnterRecoverMode(ctx context.Context) {
	c.mu.Lock()
	mode := c.cfg.Recover
	c.mu.Unlock()

	if mode == RecoverCleanup {
		for _, ex := range c.supervisor.Executors() {
			_ = c.supervisor.Shutdown(ctx, ex.FrameworkID, ex.ID)
		}
		c.mu.Lock()
		c.state = StateTerminating
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Info().Msg("recovering finished, awaiting master detection")
}

// OnMasterDetected begins (re-)registration after a randomized
// backoff, per the registration-backoff rule: U[0, b*2^n) for
// authentication attempts, b*2 for plain registration, capped at a
// hard maximum of twenty times the configured factor.
func (c *Core) OnMasterDetected(ctx context.Context, authenticate bool) {
	c.mu.Lock()
	n := c.backoffAttempt
	c.backoffAttempt++
	factor := c.cfg.RegistrationBackoffFactor
	if authenticate {
		factor = c.cfg.AuthenticationBackoffFactor
	}
	c.mu.Unlock()

	var backoff time.Duration
	if authenticate {
		backoff = randomBackoff(factor, n)
	} else {
		backoff = factor * 2
	}
	maxBackoff := factor * 20
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	select {
	case <-time.After(backoff):
	case <-c.stopCh:
		return
	}
	c.register(ctx)
}

func randomBackoff(factor time.Duration, attempt int) time.Duration {
	ceiling := factor << uint(min(attempt, 10))
	if ceiling <= 0 {
		return factor
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

func (c *Core) register(ctx context.Context) {
	c.mu.Lock()
	info := &types.Agent{ID: c.agentID, Total: c.totalResources}
	checkpointed := c.totalResources
	version := c.resourceVersionUUID
	c.mu.Unlock()

	if err := c.transport.Register(info, checkpointed, version); err != nil {
		c.logger.Warn().Err(err).Msg("registration failed, will retry")
		return
	}
}

// ApplyOversubscribed folds a fresh oversubscribed (revocable) resource
// estimate into the agent's reported total, replacing whatever revocable
// estimate was folded in last time rather than accumulating on top of
// it, and pushes the revised total to the master via UpdateSlave. It is
// a no-op while not RUNNING; the next registration picks up whatever
// total is current at that point instead.
func (c *Core) ApplyOversubscribed(estimated types.Resources) {
	c.mu.Lock()
	c.totalResources = c.totalResources.NonRevocable().Add(estimated.Revocable())
	total := c.totalResources
	running := c.state == StateRunning
	c.mu.Unlock()

	if !running {
		return
	}
	if err := c.transport.UpdateSlave(c.agentID, total); err != nil {
		c.logger.Warn().Err(err).Msg("oversubscription update failed, will retry on next estimate")
	}
}

// OnRegistered handles the master's registration/re-registration ack,
// transitioning DISCONNECTED -> RUNNING and arming the ping watchdog.
func (c *Core) OnRegistered() {
	c.mu.Lock()
	c.state = StateRunning
	c.backoffAttempt = 0
	c.mu.Unlock()
	c.resetPingTimer()
	c.logger.Info().Msg("registered with master")
}

// OnPing resets the ping watchdog; called on every received Ping.
func (c *Core) OnPing() {
	c.resetPingTimer()
}

func (c *Core) resetPingTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.pingTimer = time.AfterFunc(c.cfg.MasterPingTimeout, c.onPingTimeout)
}

func (c *Core) onPingTimeout() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Warn().Msg("master ping timed out, disconnecting")
}

func (c *Core) runPingWatchdog() {
	<-c.stopCh
	c.mu.Lock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.mu.Unlock()
}

// AgentCounts implements metrics.Source. AgentCore tracks exactly one
// agent (itself), so these gauges are always nil; AllocatorCore is
// the authoritative source for agent counts.
func (c *Core) AgentCounts() map[string]int { return nil }

// FrameworkCounts implements metrics.Source.
func (c *Core) FrameworkCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{"active": len(c.frameworks)}
}

// TaskCounts implements metrics.Source, keyed by task state.
func (c *Core) TaskCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range c.tasks {
		counts[string(t.State)]++
	}
	return counts
}

// ExecutorCounts implements metrics.Source, keyed by executor state.
func (c *Core) ExecutorCounts() map[string]int {
	counts := make(map[string]int)
	for _, ex := range c.supervisor.Executors() {
		counts[string(ex.State)]++
	}
	return counts
}

// ActiveFilters implements metrics.Source; AgentCore installs none.
func (c *Core) ActiveFilters() int { return 0 }

var _ metrics.Source = (*Core)(nil)
