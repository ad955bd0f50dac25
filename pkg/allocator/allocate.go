package allocator

import (
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
)

// allocate runs one two-stage allocation cycle. candidates (if non-empty)
// restricts the sweep to the agents that changed since the last cycle;
// an empty candidate set sweeps every known agent, which is what the
// first cycle after startup does.
func (c *Core) allocate(candidates map[string]bool) ([]Offer, []InverseOffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agentIDs := c.candidateAgentIDs(candidates)
	agentIDs = shuffle(agentIDs)

	offerable := make(map[string]map[types.Role]map[string]types.Resources) // fw -> role -> agent -> resources
	offeredShared := make(map[string]map[string]bool)                       // agent -> shared-resource-name -> framework already offered? (tracked per framework below)

	requiredHeadroom := c.requiredHeadroom()
	availableHeadroom := c.availableHeadroom()

	c.stage1QuotaAllocation(agentIDs, offerable, offeredShared, &requiredHeadroom, &availableHeadroom)
	c.stage2FairShareAllocation(agentIDs, offerable, offeredShared, &requiredHeadroom, &availableHeadroom)

	offers := flattenOffers(offerable)
	inverse := c.collectInverseOffers()
	return offers, inverse
}

func (c *Core) candidateAgentIDs(candidates map[string]bool) []string {
	if len(candidates) == 0 {
		ids := make([]string, 0, len(c.agents))
		for id := range c.agents {
			ids = append(ids, id)
		}
		return ids
	}
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		if _, ok := c.agents[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// reservedTotalForRole sums, across every known agent, the stripped
// scalar quantity reserved for role (statically or dynamically) at
// agent registration time. Reservations count against a role's quota
// whether or not they are currently allocated to a framework.
func (c *Core) reservedTotalForRole(role types.Role) types.Resources {
	var total types.Resources
	for _, agent := range c.agents {
		total = total.Add(agent.Total.Reserved(role).Stripped())
	}
	return total
}

// requiredHeadroom sums, across every quota'd role, the portion of its
// guarantee not yet covered by what it has allocated — the amount the
// quota stage still needs reserved headroom to satisfy. Resources
// already reserved for the role but not yet allocated reduce this need
// directly, since they satisfy the guarantee without drawing on the
// shared unreserved pool.
func (c *Core) requiredHeadroom() types.Resources {
	var headroom types.Resources
	for role, quota := range c.quotas {
		allocated := c.quotaRoleSorter.AllocationScalarQuantities(string(role))
		unmet := subtractFloor(quota.Guarantee, allocated)
		unmet = subtractFloor(unmet, c.unallocatedReservedForRole(role))
		headroom = headroom.Add(unmet)
	}
	return headroom
}

// availableHeadroom is the scalar capacity left in the cluster once
// allocations, resources already reserved to some role (but not yet
// allocated), and unallocated revocable capacity are excluded — none of
// those three are available to satisfy an unreserved quota shortfall.
func (c *Core) availableHeadroom() types.Resources {
	total := c.roleSorter.TotalScalarQuantities()
	var allocated types.Resources
	for role := range c.roles {
		allocated = allocated.Add(c.roleSorter.AllocationScalarQuantities(string(role)))
	}
	headroom := total.Subtract(allocated)
	headroom = headroom.Subtract(c.unallocatedReservedTotal())
	headroom = headroom.Subtract(c.unallocatedRevocableTotal())
	return headroom
}

// unallocatedReservedForRole sums the reserved-but-not-yet-allocated
// resources on every agent that role (or an ancestor role) can draw on.
func (c *Core) unallocatedReservedForRole(role types.Role) types.Resources {
	var total types.Resources
	for _, agent := range c.agents {
		remaining := agent.Total.Subtract(agent.Allocated)
		total = total.Add(remaining.Reserved(role).Stripped())
	}
	return total
}

// unallocatedReservedTotal sums reserved-but-not-yet-allocated resources
// across every agent and role.
func (c *Core) unallocatedReservedTotal() types.Resources {
	var total types.Resources
	for _, agent := range c.agents {
		remaining := agent.Total.Subtract(agent.Allocated)
		total = total.Add(reservedOnly(remaining).Stripped())
	}
	return total
}

// unallocatedRevocableTotal sums revocable-but-not-yet-allocated
// resources across every agent.
func (c *Core) unallocatedRevocableTotal() types.Resources {
	var total types.Resources
	for _, agent := range c.agents {
		remaining := agent.Total.Subtract(agent.Allocated)
		total = total.Add(remaining.Revocable().Stripped())
	}
	return total
}

// reservedOnly returns the subset of rs carrying any reservation,
// regardless of which role it's reserved for.
func reservedOnly(rs types.Resources) types.Resources {
	out := make(types.Resources, 0, len(rs))
	for _, r := range rs {
		if r.IsReserved() {
			out = append(out, r)
		}
	}
	return out
}

// subtractFloor computes max(0, a - b) per scalar resource name.
func subtractFloor(a, b types.Resources) types.Resources {
	out := make(types.Resources, 0, len(a))
	for _, r := range a {
		remaining := r.Scalar - b.ScalarSum(r.Name)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, types.Resource{Name: r.Name, Type: types.ValueScalar, Scalar: remaining})
	}
	return out
}

func (c *Core) stage1QuotaAllocation(
	agentIDs []string,
	offerable map[string]map[types.Role]map[string]types.Resources,
	offeredShared map[string]map[string]bool,
	requiredHeadroom, availableHeadroom *types.Resources,
) {
	quotaRoles := c.quotaRoleSorter.Sort()

	for _, agentID := range agentIDs {
		agent := c.agents[agentID]
		if !agent.Activated {
			continue
		}

		for _, roleStr := range quotaRoles {
			role := types.Role(roleStr)
			quota := c.quotas[role]

			chargedAgainstQuota := c.reservedTotalForRole(role).Add(c.quotaRoleSorter.AllocationScalarQuantities(roleStr))
			unsatisfiedQuota := subtractFloor(quota.Guarantee, chargedAgainstQuota)
			if len(unsatisfiedQuota) == 0 {
				continue
			}

			fs, ok := c.frameworkSorters[role]
			if !ok {
				continue
			}
			for _, frameworkID := range fs.Sort() {
				fw := c.frameworks[frameworkID]
				if !fw.Active || fw.RoleSuppressed(role) {
					continue
				}

				available := c.availableOnAgent(agent, fw, offerable, offeredShared)
				resources := available.Reserved(role).NonRevocable()

				for _, name := range available.Unreserved().Names() {
					qty := available.Unreserved().ScalarSum(name)
					if qty <= 0 {
						continue
					}
					var chop float64
					if _, hasQuotaEntry := quotaEntry(quota.Guarantee, name); hasQuotaEntry {
						chop = min(qty, unsatisfiedQuota.ScalarSum(name))
					} else {
						chop = min(qty, availableHeadroom.ScalarSum(name)-requiredHeadroom.ScalarSum(name))
					}
					if chop <= 0 {
						continue
					}
					resources = resources.Add(types.Resources{{Name: name, Type: types.ValueScalar, Scalar: chop}})
				}

				if !fw.HasCapability(types.CapabilityReservationRefinement) {
					resources = dropRefined(resources)
				}

				if c.filtered(fw, role, agent, resources) {
					continue
				}
				if !resources.Allocatable() {
					break
				}

				c.commitOffer(agent, fw, role, resources, offerable, offeredShared)
				unsatisfiedQuota = subtractFloor(unsatisfiedQuota, resources.Stripped())
				*requiredHeadroom = subtractFloor(*requiredHeadroom, resources.Unreserved().NonRevocable().Stripped())
				*availableHeadroom = availableHeadroom.Subtract(resources.Unreserved().NonRevocable().Stripped())
			}
		}
	}
}

func (c *Core) stage2FairShareAllocation(
	agentIDs []string,
	offerable map[string]map[types.Role]map[string]types.Resources,
	offeredShared map[string]map[string]bool,
	requiredHeadroom, availableHeadroom *types.Resources,
) {
	nonQuotaRoles := make([]string, 0)
	for _, roleStr := range c.roleSorter.Sort() {
		if _, hasQuota := c.quotas[types.Role(roleStr)]; !hasQuota {
			nonQuotaRoles = append(nonQuotaRoles, roleStr)
		}
	}

	for _, agentID := range agentIDs {
		agent := c.agents[agentID]
		if !agent.Activated {
			continue
		}

		for _, roleStr := range nonQuotaRoles {
			role := types.Role(roleStr)
			fs, ok := c.frameworkSorters[role]
			if !ok {
				continue
			}

			for _, frameworkID := range fs.Sort() {
				fw := c.frameworks[frameworkID]
				if !fw.Active || fw.RoleSuppressed(role) {
					continue
				}

				available := c.availableOnAgent(agent, fw, offerable, offeredShared)
				resources := available.AllocatableTo(role)

				if !fw.HasCapability(types.CapabilityRevocableAware) {
					resources = resources.NonRevocable()
				}
				if !fw.HasCapability(types.CapabilityReservationRefinement) {
					resources = dropRefined(resources)
				}

				headroomPortion := resources.Unreserved().NonRevocable().Stripped()
				if availableHeadroom.Subtract(headroomPortion).ScalarSum("cpus") < requiredHeadroom.ScalarSum("cpus") {
					resources = resources.Subtract(headroomPortion)
				}

				if c.filtered(fw, role, agent, resources) {
					continue
				}
				if !resources.Allocatable() {
					continue
				}

				c.commitOffer(agent, fw, role, resources, offerable, offeredShared)
				*availableHeadroom = availableHeadroom.Subtract(resources.Unreserved().NonRevocable().Stripped())
				break // coarse-grained: the rest of this agent goes to one framework per role
			}
		}
	}
}

// availableOnAgent computes what's left on the agent, minus what's
// already tentatively offered this cycle, honoring the shared-resource
// once-per-framework-per-cycle rule.
func (c *Core) availableOnAgent(
	agent *types.Agent,
	fw *types.Framework,
	offerable map[string]map[types.Role]map[string]types.Resources,
	offeredShared map[string]map[string]bool,
) types.Resources {
	remaining := agent.Total.Subtract(agent.Allocated).NonShared()

	if fw.HasCapability(types.CapabilitySharedResources) {
		already := offeredShared[agent.ID]
		for _, r := range agent.Total.SharedOnly() {
			if already != nil && already[r.Name+"/"+fw.ID] {
				continue
			}
			remaining = append(remaining, r)
		}
	}

	for _, byAgent := range offerable[fw.ID] {
		remaining = remaining.Subtract(byAgent[agent.ID])
	}
	return remaining
}

func (c *Core) commitOffer(
	agent *types.Agent,
	fw *types.Framework,
	role types.Role,
	resources types.Resources,
	offerable map[string]map[types.Role]map[string]types.Resources,
	offeredShared map[string]map[string]bool,
) {
	if offerable[fw.ID] == nil {
		offerable[fw.ID] = make(map[types.Role]map[string]types.Resources)
	}
	if offerable[fw.ID][role] == nil {
		offerable[fw.ID][role] = make(map[string]types.Resources)
	}
	offerable[fw.ID][role][agent.ID] = offerable[fw.ID][role][agent.ID].Add(resources)

	agent.Allocated = agent.Allocated.Add(resources.NonShared())
	for _, r := range resources.SharedOnly() {
		if offeredShared[agent.ID] == nil {
			offeredShared[agent.ID] = make(map[string]bool)
		}
		offeredShared[agent.ID][r.Name+"/"+fw.ID] = true
	}

	c.roleSorter.Allocated(string(role), agent.ID, resources)
	c.quotaRoleSorter.Allocated(string(role), agent.ID, resources.NonRevocable())
	if fs, ok := c.frameworkSorters[role]; ok {
		fs.Allocated(fw.ID, agent.ID, resources)
	}

	metrics.OffersGeneratedTotal.WithLabelValues(string(role)).Inc()
}

func (c *Core) collectInverseOffers() []InverseOffer {
	var out []InverseOffer
	for agentID, agent := range c.agents {
		if agent.Maintenance == nil {
			continue
		}
		for frameworkID, fw := range c.frameworks {
			if len(fw.Roles) == 0 {
				continue
			}
			hasAllocation := false
			for role := range fw.Roles {
				if fs, ok := c.frameworkSorters[role]; ok {
					if alloc, ok := fs.Allocation(frameworkID)[agentID]; ok && len(alloc) > 0 {
						hasAllocation = true
						break
					}
				}
			}
			if !hasAllocation {
				continue
			}
			if agent.Maintenance.OutstandingInverseOffers != nil && agent.Maintenance.OutstandingInverseOffers[frameworkID] {
				continue
			}
			if c.inverseFiltered(frameworkID, agentID) {
				continue
			}
			if agent.Maintenance.OutstandingInverseOffers == nil {
				agent.Maintenance.OutstandingInverseOffers = make(map[string]bool)
			}
			agent.Maintenance.OutstandingInverseOffers[frameworkID] = true
			out = append(out, InverseOffer{
				FrameworkID: frameworkID,
				AgentID:     agentID,
				Resources:   agent.Allocated,
				Deadline:    agent.Maintenance.Start,
			})
			metrics.InverseOffersGeneratedTotal.Inc()
		}
	}
	return out
}

func (c *Core) inverseFiltered(frameworkID, agentID string) bool {
	ff, ok := c.filters[frameworkID]
	if !ok {
		return false
	}
	for _, f := range ff.inverse[agentID] {
		if f.Filters() {
			return true
		}
	}
	return false
}

// RecordInverseOfferResponse stores a framework's response to an
// inverse offer. A None response (timeout or rescind) just clears the
// outstanding record.
func (c *Core) RecordInverseOfferResponse(frameworkID, agentID string, response types.InverseOfferResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok || agent.Maintenance == nil {
		return
	}
	if agent.Maintenance.LastResponses == nil {
		agent.Maintenance.LastResponses = make(map[string]types.InverseOfferResponse)
	}
	agent.Maintenance.LastResponses[frameworkID] = response
	if agent.Maintenance.OutstandingInverseOffers != nil {
		delete(agent.Maintenance.OutstandingInverseOffers, frameworkID)
	}
}

func flattenOffers(offerable map[string]map[types.Role]map[string]types.Resources) []Offer {
	var offers []Offer
	for frameworkID, byRole := range offerable {
		for role, byAgent := range byRole {
			for agentID, resources := range byAgent {
				offers = append(offers, Offer{
					FrameworkID: frameworkID,
					Role:        role,
					AgentID:     agentID,
					Resources:   resources,
				})
			}
		}
	}
	return offers
}

func dropRefined(resources types.Resources) types.Resources {
	out := make(types.Resources, 0, len(resources))
	for _, r := range resources {
		if len(r.ReservationStack) > 1 {
			continue
		}
		out = append(out, r)
	}
	return out
}

func quotaEntry(guarantee types.Resources, name string) (types.Resource, bool) {
	for _, r := range guarantee {
		if r.Name == name {
			return r, true
		}
	}
	return types.Resource{}, false
}
