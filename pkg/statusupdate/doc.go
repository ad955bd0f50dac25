// Package statusupdate implements StatusUpdateManager: reliable,
// per-task ordered delivery of status updates from the agent to the
// master, with optional checkpointing and idempotent acknowledgement
// handling.
package statusupdate
