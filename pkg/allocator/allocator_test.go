package allocator

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cpuMem(cpus, mem float64) types.Resources {
	return types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: cpus},
		{Name: "mem", Type: types.ValueScalar, Scalar: mem},
	}
}

func newTestCore() *Core {
	return New(DefaultConfig(), nil, nil)
}

func addActiveAgent(t *testing.T, c *Core, id string, total types.Resources) {
	t.Helper()
	c.AddSlave(&types.Agent{ID: id, Activated: true, Total: total})
}

func addActiveFramework(t *testing.T, c *Core, id string, roles ...types.Role) *types.Framework {
	t.Helper()
	roleSet := make(map[types.Role]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	fw := &types.Framework{ID: id, Roles: roleSet, Active: true}
	c.AddFramework(fw)
	return fw
}

func TestAllocateGivesWholeAgentToOneFrameworkPerRole(t *testing.T) {
	c := newTestCore()
	addActiveAgent(t, c, "agent-1", cpuMem(4, 4096))
	addActiveFramework(t, c, "fw-a", "role-a")

	offers, _ := c.allocate(nil)
	require.Len(t, offers, 1)
	assert.Equal(t, "fw-a", offers[0].FrameworkID)
	assert.Equal(t, "agent-1", offers[0].AgentID)
	assert.Equal(t, 4.0, offers[0].Resources.ScalarSum("cpus"))
}

func TestAllocateSplitsAcrossFrameworksByDominantShare(t *testing.T) {
	c := newTestCore()
	addActiveAgent(t, c, "agent-1", cpuMem(4, 4096))
	addActiveAgent(t, c, "agent-2", cpuMem(4, 4096))
	addActiveFramework(t, c, "fw-a", "role-a")
	addActiveFramework(t, c, "fw-b", "role-a")

	offers, _ := c.allocate(nil)
	byFramework := map[string]int{}
	for _, o := range offers {
		byFramework[o.FrameworkID]++
	}
	assert.Len(t, byFramework, 2, "both frameworks should receive an agent's worth of offers")
}

func TestAllocateQuotaStageSatisfiesGuaranteeFirst(t *testing.T) {
	c := newTestCore()
	addActiveAgent(t, c, "agent-1", cpuMem(8, 8192))
	addActiveFramework(t, c, "fw-quota", "role-quota")
	addActiveFramework(t, c, "fw-best-effort", "role-best-effort")
	c.SetQuota("role-quota", cpuMem(2, 2048))

	offers, _ := c.allocate(nil)
	var quotaOffered float64
	for _, o := range offers {
		if o.FrameworkID == "fw-quota" {
			quotaOffered += o.Resources.ScalarSum("cpus")
		}
	}
	assert.GreaterOrEqual(t, quotaOffered, 2.0, "role-quota's guarantee must be met before fair-share offers")
}

func TestAllocateHonorsDeactivatedFramework(t *testing.T) {
	c := newTestCore()
	addActiveAgent(t, c, "agent-1", cpuMem(4, 4096))
	addActiveFramework(t, c, "fw-a", "role-a")
	c.Deactivate("fw-a")

	offers, _ := c.allocate(nil)
	assert.Empty(t, offers)
}

func TestAllocateSkipsDeactivatedAgent(t *testing.T) {
	c := newTestCore()
	addActiveAgent(t, c, "agent-1", cpuMem(4, 4096))
	addActiveFramework(t, c, "fw-a", "role-a")
	c.DeactivateSlave("agent-1")

	offers, _ := c.allocate(nil)
	assert.Empty(t, offers)
}

func TestOfferFilterSuppressesRefusedResourcesUntilExpiry(t *testing.T) {
	c := newTestCore()
	addActiveAgent(t, c, "agent-1", cpuMem(4, 4096))
	addActiveFramework(t, c, "fw-a", "role-a")

	offers, _ := c.allocate(nil)
	require.Len(t, offers, 1)

	// A framework that declines an offer frees its agent-side allocation
	// back to the pool but installs a filter so the allocator won't
	// immediately re-offer the same resources to it.
	c.mu.Lock()
	c.agents["agent-1"].Allocated = nil
	c.mu.Unlock()
	c.AddOfferFilter("fw-a", "role-a", "agent-1", offers[0].Resources, 10*time.Second)

	offers, _ = c.allocate(nil)
	assert.Empty(t, offers, "a matching RefusedResources filter suppresses the offer")

	c.mu.Lock()
	for _, ff := range c.filters {
		for _, byAgent := range ff.byRoleAgent {
			for agentID, filters := range byAgent {
				for i := range filters {
					filters[i].Deadline = time.Now().Add(-time.Second)
				}
				byAgent[agentID] = filters
			}
		}
	}
	c.mu.Unlock()
	c.expireFilters()

	offers, _ = c.allocate(nil)
	assert.Len(t, offers, 1, "an expired filter no longer suppresses the offer")
}

func TestSharedResourceOfferedOncePerFrameworkPerCycle(t *testing.T) {
	c := newTestCore()
	total := cpuMem(4, 4096)
	total = append(total, types.Resource{Name: "disk", Type: types.ValueScalar, Scalar: 100, Shared: true})
	addActiveAgent(t, c, "agent-1", total)
	fw := addActiveFramework(t, c, "fw-a", "role-a")
	fw.Capabilities = map[types.Capability]bool{types.CapabilitySharedResources: true}

	offers, _ := c.allocate(nil)
	require.Len(t, offers, 1)
	assert.Equal(t, 100.0, offers[0].Resources.ScalarSum("disk"))
}

func TestInverseOfferGeneratedForAllocatedMaintenanceAgent(t *testing.T) {
	c := newTestCore()
	addActiveAgent(t, c, "agent-1", cpuMem(4, 4096))
	addActiveFramework(t, c, "fw-a", "role-a")

	offers, _ := c.allocate(nil)
	require.Len(t, offers, 1)

	c.mu.Lock()
	c.agents["agent-1"].Maintenance = &types.MaintenanceWindow{Start: time.Now().Add(time.Hour)}
	c.mu.Unlock()

	_, inverse := c.allocate(nil)
	require.Len(t, inverse, 1)
	assert.Equal(t, "agent-1", inverse[0].AgentID)
}

func TestGPUResourcesFilteredFromNonGPUAwareFramework(t *testing.T) {
	c := New(Config{AllocationInterval: time.Second, FilterTimeout: 5 * time.Second, FilterGPUResources: true}, nil, nil)
	addActiveAgent(t, c, "agent-1", types.Resources{
		{Name: "cpus", Type: types.ValueScalar, Scalar: 4},
		{Name: "gpus", Type: types.ValueScalar, Scalar: 2},
	})
	addActiveFramework(t, c, "fw-a", "role-a")

	offers, _ := c.allocate(nil)
	assert.Empty(t, offers, "agents advertising gpus are filtered from frameworks lacking GPU_RESOURCES")
}
