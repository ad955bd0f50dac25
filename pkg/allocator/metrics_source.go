package allocator

// AgentCounts implements metrics.Source.
func (c *Core) AgentCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := map[string]int{"activated": 0, "deactivated": 0}
	for _, agent := range c.agents {
		if agent.Activated {
			counts["activated"]++
		} else {
			counts["deactivated"]++
		}
	}
	return counts
}

// FrameworkCounts implements metrics.Source.
func (c *Core) FrameworkCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := map[string]int{"active": 0, "inactive": 0}
	for _, fw := range c.frameworks {
		if fw.Active {
			counts["active"]++
		} else {
			counts["inactive"]++
		}
	}
	return counts
}

// TaskCounts implements metrics.Source. AllocatorCore does not track
// individual tasks, so it reports none; AgentCore is the authoritative
// source for task-state gauges.
func (c *Core) TaskCounts() map[string]int {
	return nil
}

// ExecutorCounts implements metrics.Source, for the same reason as
// TaskCounts.
func (c *Core) ExecutorCounts() map[string]int {
	return nil
}

// ActiveFilters implements metrics.Source, counting every installed
// offer and inverse-offer filter across all frameworks.
func (c *Core) ActiveFilters() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int
	for _, ff := range c.filters {
		for _, byAgent := range ff.byRoleAgent {
			for _, filters := range byAgent {
				total += len(filters)
			}
		}
		for _, filters := range ff.inverse {
			total += len(filters)
		}
	}
	return total
}
