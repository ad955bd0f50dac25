/*
Package reconciler runs AgentCore's 10-second drift check: for every
non-terminal tracked task it asks Source whether the task's executor is
still alive, and reports a lost task or terminated executor back through
Source when it isn't. This is separate from RecoveryEngine's one-shot
startup recovery — it is the steady-state loop that catches an executor
dying without sending a final status update.
*/
package reconciler
