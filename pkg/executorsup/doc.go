// Package executorsup implements ExecutorSupervisor: per-executor
// lifecycle (registering/running/terminating/terminated), the
// queued/launched/terminated-but-unacked task maps, the subscribe and
// replay protocol for a reconnecting executor, and container
// termination handling.
package executorsup
