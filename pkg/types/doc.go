/*
Package types defines the shared data model used by the allocator and
the agent: resources and their set algebra, roles, agents, frameworks,
quotas, offer filters, operations, executors, and tasks.

# Core types

Resource model (resources.go):
  - Resource: a single named scalar/range/set value with an optional
    role reservation stack, persistent-volume DiskInfo, shared/revocable
    flags, and resource-provider id.
  - Resources: a bundle of Resource with set algebra — Contains, Add,
    Subtract, Apply(conversions), Stripped, Reserved/Unreserved,
    AllocatableTo(role), Allocatable().

Allocation principals (types.go):
  - Role: a hierarchical string path; Ancestors() walks up the tree for
    reservation inheritance.
  - Agent: a worker host's identity, total/allocated resources,
    activation flag, capability set, and optional MaintenanceWindow.
  - Framework: an external scheduler's roles, suppressed roles,
    capabilities, and per-(role, agent) filter tables.
  - Quota: a per-role scalar guarantee — a floor, never a ceiling.

Filters (filter.go):
  - OfferFilter: a tagged variant of RefusedResources(R) or
    TimeBased(deadline), both pure functions over a candidate offer.
  - InverseOfferFilter: time-based only.

Operations (operation.go):
  - Operation: a uuid-identified resource mutation (Reserve, Unreserve,
    Create, Destroy, Launch, Grow, Shrink, CreateVolume, …) with a
    status history. OperationType.Speculative() reports whether its
    effect on totals is computable without awaiting execution.

Executors and tasks (types.go):
  - Executor: one executor run's lifecycle state and task maps
    (queued/launched/terminated-unacked/completed).
  - Task / TaskGroup: a unit of work under one executor; TaskState has
    an IsTerminal() that every state-transition path must respect.
  - StatusUpdate: a single task state transition carrying a uuid,
    source (SOURCE_SLAVE vs SOURCE_EXECUTOR), and Reason.

# Design notes

Cross-references between frameworks, agents, and sorters are ids, not
pointers — AllocatorCore keeps frameworks/agents/sorters in id-keyed
maps rather than holding direct references to each other's structs.

Resource instance identity (resources.go's instanceKey) groups scalar
resources for summation by name, role, shared/revocable, and provider
id; this is what lets Resources.Add/Subtract treat "2 reserved cpus for
role eng" and "2 unreserved cpus" as distinct buckets that never
silently merge.
*/
package types
