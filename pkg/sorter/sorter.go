// Package sorter implements weighted Dominant Resource Fairness
// ordering over clients (frameworks or roles) sharing a pool of
// resources spread across agents.
package sorter

import (
	"sort"
	"sync"

	"github.com/cuemby/warren/pkg/types"
)

// DefaultWeight is the weight assigned to a client unless updated.
const DefaultWeight = 1.0

type clientState struct {
	active    bool
	weight    float64
	seq       int // insertion order, for tie-breaking
	allocated map[string]types.Resources // agent id -> allocated resources
}

// Sorter orders active clients by ascending dominant-share-over-weight,
// and tracks per-client, per-agent allocation alongside a pool total.
type Sorter struct {
	mu sync.RWMutex

	// Excluded lists resource names skipped when computing dominant share
	// (e.g. "ports", "disk" when the role has no disk quota).
	Excluded map[string]bool

	clients map[string]*clientState
	seq     int

	total map[string]types.Resources // agent id -> total resources
}

// New creates an empty Sorter.
func New() *Sorter {
	return &Sorter{
		clients: make(map[string]*clientState),
		total:   make(map[string]types.Resources),
	}
}

// Add registers a new client, active by default, with DefaultWeight.
func (s *Sorter) Add(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		return
	}
	s.seq++
	s.clients[client] = &clientState{
		active:    true,
		weight:    DefaultWeight,
		seq:       s.seq,
		allocated: make(map[string]types.Resources),
	}
}

// Remove deletes a client and its allocation bookkeeping entirely. The
// caller is responsible for having already unallocated its resources.
func (s *Sorter) Remove(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, client)
}

// Activate marks a client as participating in sort().
func (s *Sorter) Activate(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[client]; ok {
		c.active = true
	}
}

// Deactivate excludes a client from sort() while retaining its allocation.
func (s *Sorter) Deactivate(client string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[client]; ok {
		c.active = false
	}
}

// UpdateWeight sets a client's weight, used as a divisor on its dominant
// share: a higher weight yields a smaller effective share and thus
// earlier placement in sort() order.
func (s *Sorter) UpdateWeight(client string, weight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[client]; ok {
		c.weight = weight
	}
}

// AddAgent merges resources into the pool total for agent.
func (s *Sorter) AddAgent(agent string, resources types.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total[agent] = s.total[agent].Add(resources)
}

// RemoveAgent removes resources from the pool total for agent. Panics
// with an invariant violation if resources are not present — mirroring
// the source's CHECK-fail-fast contract for bookkeeping corruption.
func (s *Sorter) RemoveAgent(agent string, resources types.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.total[agent]
	if !ok {
		panic("sorter: invariant violation: remove(agent) on unknown agent " + agent)
	}
	if !current.Stripped().Contains(resources.Stripped()) {
		panic("sorter: invariant violation: remove(agent) exceeds agent total for " + agent)
	}
	s.total[agent] = current.Subtract(resources)
}

// Allocated records resources as newly allocated to client on agent.
func (s *Sorter) Allocated(client, agent string, resources types.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.mustClient(client)
	c.allocated[agent] = c.allocated[agent].Add(resources)
}

// Unallocated removes resources previously allocated to client on
// agent. Panics with an invariant violation if the resources are not
// present in the client's allocation on that agent.
func (s *Sorter) Unallocated(client, agent string, resources types.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.mustClient(client)
	current := c.allocated[agent]
	if !current.Stripped().Contains(resources.Stripped()) {
		panic("sorter: invariant violation: unallocated() removes resources not present for " + client + " on " + agent)
	}
	c.allocated[agent] = current.Subtract(resources)
}

// Update replaces old with new in client's allocation on agent — used
// when an operation (e.g. Grow/Shrink) changes the shape of an existing
// allocation without a separate unallocate/allocate pair.
func (s *Sorter) Update(client, agent string, oldResources, newResources types.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.mustClient(client)
	current := c.allocated[agent]
	if !current.Stripped().Contains(oldResources.Stripped()) {
		panic("sorter: invariant violation: update() old resources not present for " + client + " on " + agent)
	}
	c.allocated[agent] = current.Subtract(oldResources).Add(newResources)
}

func (s *Sorter) mustClient(client string) *clientState {
	c, ok := s.clients[client]
	if !ok {
		panic("sorter: invariant violation: unknown client " + client)
	}
	return c
}

// Allocation returns a copy of client's allocation, agent id -> resources.
func (s *Sorter) Allocation(client string) map[string]types.Resources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[client]
	if !ok {
		return nil
	}
	out := make(map[string]types.Resources, len(c.allocated))
	for agent, rs := range c.allocated {
		out[agent] = rs.Clone()
	}
	return out
}

// AllocationOnAgent returns, for the given agent, every client's
// allocation on it: client -> resources.
func (s *Sorter) AllocationOnAgent(agent string) map[string]types.Resources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Resources)
	for client, c := range s.clients {
		if rs, ok := c.allocated[agent]; ok && len(rs) > 0 {
			out[client] = rs.Clone()
		}
	}
	return out
}

// AllocationScalarQuantities returns client's total allocation across all
// agents, stripped to scalar quantities.
func (s *Sorter) AllocationScalarQuantities(client string) types.Resources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[client]
	if !ok {
		return nil
	}
	var all types.Resources
	for _, rs := range c.allocated {
		all = all.Add(rs)
	}
	return all.Stripped()
}

// TotalScalarQuantities returns the pool's total resources across all
// agents, stripped to scalar quantities.
func (s *Sorter) TotalScalarQuantities() types.Resources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all types.Resources
	for _, rs := range s.total {
		all = all.Add(rs)
	}
	return all.Stripped()
}

// dominantShare returns the maximum, over non-excluded resource names in
// the pool total, of allocated_scalar(name) / total_scalar(name). A
// zero total for a name contributes zero share rather than dividing by
// zero.
func (s *Sorter) dominantShare(client string) float64 {
	c := s.clients[client]
	var allocated types.Resources
	for _, rs := range c.allocated {
		allocated = allocated.Add(rs)
	}
	allocated = allocated.Stripped()

	var total types.Resources
	for _, rs := range s.total {
		total = total.Add(rs)
	}
	total = total.Stripped()

	var maxShare float64
	for _, name := range total.Names() {
		if s.Excluded[name] {
			continue
		}
		totalQty := total.ScalarSum(name)
		if totalQty == 0 {
			continue
		}
		share := allocated.ScalarSum(name) / totalQty
		if share > maxShare {
			maxShare = share
		}
	}
	return maxShare
}

// Sort returns active clients ordered by ascending dominantShare/weight,
// ties broken by insertion order.
func (s *Sorter) Sort() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		client string
		share  float64
		seq    int
	}
	entries := make([]entry, 0, len(s.clients))
	for client, c := range s.clients {
		if !c.active {
			continue
		}
		weight := c.weight
		if weight <= 0 {
			weight = DefaultWeight
		}
		share := s.dominantShare(client) / weight
		entries = append(entries, entry{client: client, share: share, seq: c.seq})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].share != entries[j].share {
			return entries[i].share < entries[j].share
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.client
	}
	return out
}
