/*
Package allocator implements AllocatorCore: the periodic two-stage
hierarchical DRF allocator. Agents, frameworks, quotas, and weights are
tracked in-memory and ordered through per-role and per-quota-role
Sorters (see package sorter); offer filters gate which (framework,
role, agent) combinations the allocation stages will reconsider.

Each tick runs at most one allocation cycle: a quota stage that walks
agents in a random order and charges resources against each role's
unmet guarantee first, followed by a fair-share stage that distributes
whatever headroom remains to non-quota'd roles ordered by dominant
share. Agents touched while a cycle is in flight are coalesced into the
next cycle's candidate set rather than triggering a second concurrent
run.

Maintenance windows are handled orthogonally: an agent with allocated
resources and a scheduled window gets one outstanding inverse offer per
framework at a time, rearmed once the framework responds or its
inverse-offer filter expires.
*/
package allocator
