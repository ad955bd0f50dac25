// Package allocator implements AllocatorCore: the periodic two-stage
// hierarchical DRF allocator that partitions agent resources across
// roles and frameworks subject to quota, reservations, weights, and
// offer filters.
package allocator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/sorter"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the tunables governing one AllocatorCore instance.
type Config struct {
	AllocationInterval time.Duration
	FilterTimeout      time.Duration
	FilterGPUResources bool
	MasterRegion       string
}

// DefaultConfig returns the allocator's default tunables.
func DefaultConfig() Config {
	return Config{
		AllocationInterval: time.Second,
		FilterTimeout:      5 * time.Second,
	}
}

// Offer is one agent's worth of resources granted to a framework under
// a role for one allocation cycle.
type Offer struct {
	FrameworkID string
	Role        types.Role
	AgentID     string
	Resources   types.Resources
}

// InverseOffer asks a framework to vacate resources ahead of maintenance.
type InverseOffer struct {
	FrameworkID string
	AgentID     string
	Resources   types.Resources
	Deadline    time.Time
}

// OfferCallback is invoked once per allocation cycle with the offers
// produced for each framework.
type OfferCallback func(offers []Offer)

// InverseOfferCallback is invoked once per allocation cycle with any
// inverse offers produced.
type InverseOfferCallback func(offers []InverseOffer)

type frameworkFilters struct {
	// byRoleAgent is role -> agent id -> offer filters.
	byRoleAgent map[types.Role]map[string][]types.OfferFilter
	// inverse is agent id -> inverse offer filters.
	inverse map[string][]types.InverseOfferFilter
}

// Core owns agents, frameworks, quotas, sorters, and runs the periodic
// allocation loop. All public methods are safe for concurrent use; the
// allocation loop itself runs on a single goroutine, mirroring the
// source's single-threaded actor model.
type Core struct {
	cfg    Config
	logger zerolog.Logger

	mu sync.Mutex

	agents     map[string]*types.Agent
	frameworks map[string]*types.Framework
	roles      map[types.Role]map[string]bool // role -> set of framework ids
	quotas     map[types.Role]types.Quota

	roleSorter       *sorter.Sorter
	quotaRoleSorter  *sorter.Sorter
	frameworkSorters map[types.Role]*sorter.Sorter

	filters map[string]*frameworkFilters // framework id -> filters

	allocationCandidates map[string]bool // agent ids touched since last allocate()
	allocating           bool

	paused              bool
	pauseResumeDeadline time.Time
	expectedAgentCount  int

	onOffer        OfferCallback
	onInverseOffer InverseOfferCallback

	stopCh  chan struct{}
	started bool
}

// New creates an AllocatorCore. onOffer/onInverseOffer may be nil
// during tests that only exercise bookkeeping.
func New(cfg Config, onOffer OfferCallback, onInverseOffer InverseOfferCallback) *Core {
	return &Core{
		cfg:                  cfg,
		logger:               log.WithComponent("allocator"),
		agents:               make(map[string]*types.Agent),
		frameworks:           make(map[string]*types.Framework),
		roles:                make(map[types.Role]map[string]bool),
		quotas:               make(map[types.Role]types.Quota),
		roleSorter:           sorter.New(),
		quotaRoleSorter:      sorter.New(),
		frameworkSorters:     make(map[types.Role]*sorter.Sorter),
		filters:              make(map[string]*frameworkFilters),
		allocationCandidates: make(map[string]bool),
		onOffer:              onOffer,
		onInverseOffer:       onInverseOffer,
		stopCh:               make(chan struct{}),
	}
}

// Start begins the periodic allocation driver.
func (c *Core) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Stop halts the allocation driver.
func (c *Core) Stop() {
	close(c.stopCh)
}

func (c *Core) run() {
	ticker := time.NewTicker(c.cfg.AllocationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopCh:
			return
		}
	}
}

// tick dispatches one allocate() unless one is already in flight or the
// allocator is paused, per the "at most one allocation runs at a time"
// rule; agents touched while an allocation is in flight simply merge
// into allocationCandidates for the next cycle.
func (c *Core) tick() {
	c.mu.Lock()
	if c.paused {
		if time.Now().After(c.pauseResumeDeadline) || len(c.agents) >= c.expectedAgentCount {
			c.paused = false
			c.logger.Info().Msg("recovery pause resumed")
		} else {
			c.mu.Unlock()
			return
		}
	}
	if c.allocating {
		c.mu.Unlock()
		return
	}
	c.allocating = true
	candidates := c.allocationCandidates
	c.allocationCandidates = make(map[string]bool)
	c.mu.Unlock()

	timer := metrics.NewTimer()
	offers, inverse := c.allocate(candidates)
	timer.ObserveDuration(metrics.AllocationCycleDuration)
	metrics.AllocationCyclesTotal.Inc()

	c.mu.Lock()
	c.allocating = false
	c.mu.Unlock()

	if c.onOffer != nil && len(offers) > 0 {
		c.onOffer(offers)
	}
	if c.onInverseOffer != nil && len(inverse) > 0 {
		c.onInverseOffer(inverse)
	}
	c.expireFilters()
}

// AddSlave registers a new agent with the allocator.
func (c *Core) AddSlave(agent *types.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.agents[agent.ID]; exists {
		panic("allocator: invariant violation: addSlave called twice for " + agent.ID)
	}
	c.agents[agent.ID] = agent
	c.roleSorter.AddAgent(agent.ID, agent.Total)
	c.quotaRoleSorter.AddAgent(agent.ID, agent.Total)
	for _, fs := range c.frameworkSorters {
		fs.AddAgent(agent.ID, agent.Total)
	}
	c.allocationCandidates[agent.ID] = true
	metrics.AgentsTotal.WithLabelValues("activated").Inc()
}

// UpdateSlave updates an agent's total resources (e.g. reflecting
// oversubscribed/estimated resources reported by the agent).
func (c *Core) UpdateSlave(agentID string, total types.Resources) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		panic("allocator: invariant violation: updateSlave on unknown agent " + agentID)
	}
	c.roleSorter.RemoveAgent(agentID, agent.Total)
	c.quotaRoleSorter.RemoveAgent(agentID, agent.Total)
	for _, fs := range c.frameworkSorters {
		fs.RemoveAgent(agentID, agent.Total)
	}

	agent.Total = total

	c.roleSorter.AddAgent(agentID, agent.Total)
	c.quotaRoleSorter.AddAgent(agentID, agent.Total)
	for _, fs := range c.frameworkSorters {
		fs.AddAgent(agentID, agent.Total)
	}
	c.allocationCandidates[agentID] = true
}

// RemoveSlave unregisters an agent and releases its pool contribution.
func (c *Core) RemoveSlave(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		return
	}
	c.roleSorter.RemoveAgent(agentID, agent.Total)
	c.quotaRoleSorter.RemoveAgent(agentID, agent.Total)
	for _, fs := range c.frameworkSorters {
		fs.RemoveAgent(agentID, agent.Total)
	}
	delete(c.agents, agentID)
	delete(c.allocationCandidates, agentID)
	metrics.AgentsTotal.WithLabelValues("activated").Dec()
}

// ActivateSlave/DeactivateSlave mark an agent eligible/ineligible for
// new allocations without removing its bookkeeping.
func (c *Core) ActivateSlave(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[agentID]; ok {
		a.Activated = true
	}
}

func (c *Core) DeactivateSlave(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[agentID]; ok {
		a.Activated = false
	}
}

// AddFramework registers a framework and activates its sorters for
// every declared role.
func (c *Core) AddFramework(fw *types.Framework) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.frameworks[fw.ID]; exists {
		panic("allocator: invariant violation: addFramework called twice for " + fw.ID)
	}
	c.frameworks[fw.ID] = fw
	for role := range fw.Roles {
		c.trackRole(role, fw.ID)
	}
	metrics.FrameworksTotal.WithLabelValues("active").Inc()
}

func (c *Core) trackRole(role types.Role, frameworkID string) {
	if c.roles[role] == nil {
		c.roles[role] = make(map[string]bool)
	}
	c.roles[role][frameworkID] = true

	fs, ok := c.frameworkSorters[role]
	if !ok {
		fs = sorter.New()
		for agentID, agent := range c.agents {
			fs.AddAgent(agentID, agent.Total)
		}
		c.frameworkSorters[role] = fs
	}
	fs.Add(frameworkID)
	fs.Activate(frameworkID)

	c.roleSorter.Add(string(role))
	c.roleSorter.Activate(string(role))
}

// RemoveFramework unregisters a framework, removing it from every role
// sorter it participated in.
func (c *Core) RemoveFramework(frameworkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fw, ok := c.frameworks[frameworkID]
	if !ok {
		return
	}
	for role := range fw.Roles {
		if fs, ok := c.frameworkSorters[role]; ok {
			fs.Remove(frameworkID)
		}
		delete(c.roles[role], frameworkID)
		if len(c.roles[role]) == 0 {
			delete(c.roles, role)
		}
	}
	delete(c.frameworks, frameworkID)
	delete(c.filters, frameworkID)
	metrics.FrameworksTotal.WithLabelValues("active").Dec()
}

// Activate/Deactivate toggle a framework's active flag, which the
// allocation stages consult before offering to it.
func (c *Core) Activate(frameworkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fw, ok := c.frameworks[frameworkID]; ok {
		fw.Active = true
	}
}

func (c *Core) Deactivate(frameworkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fw, ok := c.frameworks[frameworkID]; ok {
		fw.Active = false
	}
}

// UpdateFramework applies the role/suppression diff semantics: roles
// removed or newly suppressed are deactivated in their sorters; roles
// added or revived are activated; a role stops being tracked only once
// it is both unsubscribed and its allocation is empty.
func (c *Core) UpdateFramework(frameworkID string, roles map[types.Role]bool, suppressed map[types.Role]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fw, ok := c.frameworks[frameworkID]
	if !ok {
		panic("allocator: invariant violation: updateFramework on unknown framework " + frameworkID)
	}

	removedRoles := diffRoles(fw.Roles, roles)
	addedRoles := diffRoles(roles, fw.Roles)
	newSuppressed := diffRoles(suppressed, fw.SuppressedRoles)
	newRevived := diffRoles(fw.SuppressedRoles, suppressed)

	for role := range removedRoles {
		c.deactivateFrameworkRole(frameworkID, role)
	}
	for role := range newSuppressed {
		if _, stillPresent := roles[role]; stillPresent {
			c.deactivateFrameworkRole(frameworkID, role)
		}
	}
	for role := range addedRoles {
		c.trackRole(role, frameworkID)
	}
	for role := range newRevived {
		if fs, ok := c.frameworkSorters[role]; ok {
			fs.Activate(frameworkID)
		}
	}

	for role := range removedRoles {
		if ff, ok := c.filters[frameworkID]; ok {
			delete(ff.byRoleAgent, role)
		}
		c.maybeUntrackRole(role, frameworkID)
	}

	fw.Roles = roles
	fw.SuppressedRoles = suppressed
}

func (c *Core) deactivateFrameworkRole(frameworkID string, role types.Role) {
	if fs, ok := c.frameworkSorters[role]; ok {
		fs.Deactivate(frameworkID)
	}
}

func (c *Core) maybeUntrackRole(role types.Role, frameworkID string) {
	fs, ok := c.frameworkSorters[role]
	if !ok {
		return
	}
	alloc := fs.AllocationScalarQuantities(frameworkID)
	if len(alloc) == 0 {
		fs.Remove(frameworkID)
		delete(c.roles[role], frameworkID)
	}
}

func diffRoles(a, b map[types.Role]bool) map[types.Role]bool {
	diff := make(map[types.Role]bool)
	for role := range a {
		if !b[role] {
			diff[role] = true
		}
	}
	return diff
}

// SetQuota moves role into the quota sorter, replaying its existing
// allocations so quota accounting is immediately consistent. Quota
// changes take effect at the next allocation cycle, not immediately.
func (c *Core) SetQuota(role types.Role, guarantee types.Resources) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.quotas[role] = types.Quota{Role: role, Guarantee: guarantee.Stripped()}
	c.quotaRoleSorter.Add(string(role))
	c.quotaRoleSorter.Activate(string(role))

	for agentID, resources := range c.roleSorter.Allocation(string(role)) {
		c.quotaRoleSorter.Allocated(string(role), agentID, resources.NonRevocable())
	}
}

// RemoveQuota removes role's guarantee; it keeps its place in the plain
// role sorter but is dropped from the quota sorter.
func (c *Core) RemoveQuota(role types.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.quotas, role)
	c.quotaRoleSorter.Remove(string(role))
}

// Recover implements the pause/resume-on-recovery rule: with declared
// quotas, allocation pauses until either 80% of the expected agent
// count has re-registered or a 10-minute timeout elapses, whichever
// comes first.
func (c *Core) Recover(expectedAgentCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.quotas) == 0 {
		return
	}
	c.expectedAgentCount = int(float64(expectedAgentCount) * 0.8)
	c.paused = true
	c.pauseResumeDeadline = time.Now().Add(10 * time.Minute)
}

// RecoverResources does not trigger an allocation cycle itself: it only
// marks agentID as an allocation candidate, so the recovered resources
// are considered on the next scheduled tick.
func (c *Core) RecoverResources(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocationCandidates[agentID] = true
}

// shuffle returns a randomly ordered copy of ids.
func shuffle(ids []string) []string {
	out := append([]string(nil), ids...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
