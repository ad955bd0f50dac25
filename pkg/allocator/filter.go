package allocator

import (
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// filtered applies the per-(framework, role, agent) exclusion rules:
// capability mismatches, GPU/region policy, and any active offer filter
// whose refused-resources set is a superset of the agent's current
// offerable resources.
func (c *Core) filtered(fw *types.Framework, role types.Role, agent *types.Agent, current types.Resources) bool {
	if fw.HasCapability(types.CapabilityMultiRole) != agent.HasCapability(types.CapabilityMultiRole) && fw.HasCapability(types.CapabilityMultiRole) {
		return true
	}
	if role.IsHierarchical() && !agent.HasCapability(types.CapabilityHierarchicalRole) {
		return true
	}
	if !fw.HasCapability(types.CapabilityGPUAware) && c.cfg.FilterGPUResources && hasGPU(agent.Total) {
		return true
	}
	if !fw.HasCapability(types.CapabilityRegionAware) && agent.Domain != c.cfg.MasterRegion {
		return true
	}

	ff, ok := c.filters[fw.ID]
	if !ok {
		return false
	}
	byAgent, ok := ff.byRoleAgent[role]
	if !ok {
		return false
	}
	for _, f := range byAgent[agent.ID] {
		if f.Filters(current) {
			return true
		}
	}
	return false
}

func hasGPU(resources types.Resources) bool {
	return resources.ScalarSum("gpus") > 0
}

// AddOfferFilter installs a RefusedResources filter for (framework,
// role, agent), scheduled to expire at max(allocationInterval,
// filterTimeout) after now so a filter never expires before the next
// allocation cycle runs.
func (c *Core) AddOfferFilter(frameworkID string, role types.Role, agentID string, refused types.Resources, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := c.filterExpiry(timeout)
	ff := c.frameworkFilterSet(frameworkID)
	if ff.byRoleAgent[role] == nil {
		ff.byRoleAgent[role] = make(map[string][]types.OfferFilter)
	}
	ff.byRoleAgent[role][agentID] = append(ff.byRoleAgent[role][agentID], types.OfferFilter{
		Kind:     types.OfferFilterRefusedResources,
		Refused:  refused,
		Deadline: expiry,
	})
}

// AddInverseOfferFilter installs a time-based inverse-offer filter for
// (framework, agent).
func (c *Core) AddInverseOfferFilter(frameworkID, agentID string, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := c.filterExpiry(timeout)
	ff := c.frameworkFilterSet(frameworkID)
	if ff.inverse == nil {
		ff.inverse = make(map[string][]types.InverseOfferFilter)
	}
	ff.inverse[agentID] = append(ff.inverse[agentID], types.InverseOfferFilter{Deadline: expiry})
}

func (c *Core) filterExpiry(timeout time.Duration) time.Time {
	d := c.cfg.AllocationInterval
	if timeout > d {
		d = timeout
	}
	return time.Now().Add(d)
}

func (c *Core) frameworkFilterSet(frameworkID string) *frameworkFilters {
	ff, ok := c.filters[frameworkID]
	if !ok {
		ff = &frameworkFilters{
			byRoleAgent: make(map[types.Role]map[string][]types.OfferFilter),
			inverse:     make(map[string][]types.InverseOfferFilter),
		}
		c.filters[frameworkID] = ff
	}
	return ff
}

// expireFilters drops every installed filter whose scheduled expiry has
// passed. Filters of a role dropped from a framework, and of a removed
// framework, are erased at removal time by UpdateFramework and
// RemoveFramework, not here.
func (c *Core) expireFilters() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ff := range c.filters {
		for role, byAgent := range ff.byRoleAgent {
			for agentID, filters := range byAgent {
				kept := filters[:0]
				for _, f := range filters {
					if !f.Expired() {
						kept = append(kept, f)
					}
				}
				if len(kept) == 0 {
					delete(byAgent, agentID)
				} else {
					byAgent[agentID] = kept
				}
			}
			if len(byAgent) == 0 {
				delete(ff.byRoleAgent, role)
			}
		}
		for agentID, filters := range ff.inverse {
			kept := filters[:0]
			for _, f := range filters {
				if !f.Expired() {
					kept = append(kept, f)
				}
			}
			if len(kept) == 0 {
				delete(ff.inverse, agentID)
			} else {
				ff.inverse[agentID] = kept
			}
		}
	}
}
