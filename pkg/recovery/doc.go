// Package recovery implements RecoveryEngine: reconstructing AgentCore's
// in-memory state from the on-disk checkpoint tree after a restart,
// reconnecting or cleaning up executors left running from a previous
// incarnation, and handling executor re-registration timeouts.
package recovery
