/*
Package metrics provides Prometheus metrics collection and exposition for the
allocator and agent.

Metrics are registered once at package init and exposed via Handler() for
scraping. Components record counters/histograms inline as events happen
(OffersGeneratedTotal.WithLabelValues(role).Inc(), a Timer around an
allocation cycle observed into AllocationCycleDuration); gauges that reflect
a point-in-time count rather than a delta (agents by status, tasks by
state, active filters) are synced periodically by a Collector wrapping a
Source — AllocatorCore and AgentCore each implement Source.

# Metric families

Allocator:
  - clustermgr_agents_total{status}, clustermgr_frameworks_total{status}
  - clustermgr_allocation_cycle_duration_seconds, clustermgr_allocation_cycles_total
  - clustermgr_offers_generated_total{role}, clustermgr_inverse_offers_generated_total
  - clustermgr_quota_unsatisfied{role,resource}
  - clustermgr_filters_active

Agent:
  - clustermgr_agent_tasks_total{state}, clustermgr_agent_executors_total{state}
  - clustermgr_status_updates_in_flight, clustermgr_status_updates_acked_total
  - clustermgr_task_launch_duration_seconds, clustermgr_recovery_duration_seconds
  - clustermgr_operations_pending_total

# Health and readiness

HealthChecker tracks named components ("allocator", "agentcore",
"checkpointstore") as healthy/unhealthy; HealthHandler/ReadyHandler/
LivenessHandler expose the usual /health, /ready, /live JSON endpoints.
Readiness additionally requires the three critical components above to be
registered and healthy before reporting "ready".
*/
package metrics
