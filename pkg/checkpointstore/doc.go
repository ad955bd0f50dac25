/*
Package checkpointstore implements Store on a single bbolt file per agent,
one bucket each for meta (boot ID, resources target/committed, agent
info), executors, tasks, and in-flight operations.

Target/Commit are separate keys rather than a single value: SaveResourcesTarget
records what the agent was told to become before it acts, CommitResources
records what was actually brought into effect (by AgentCore's checkpoint
step, or by recovery). On recovery, RecoveryEngine commits a pending
target after syncing persistent volumes and otherwise uses the committed
value; the boot ID and the reconfiguration policy apply to the agent-info
comparison, not to resources.
*/
package checkpointstore
