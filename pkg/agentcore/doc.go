// Package agentcore implements AgentCore: the agent-side state machine
// that registers with the master, launches and kills tasks under
// per-framework executors, forwards status updates, and applies
// resource operations against the agent's checkpointed totals.
//
// State moves RECOVERING -> DISCONNECTED -> RUNNING -> TERMINATING.
// Executor lifecycle (queueing, subscribe/replay, termination) is
// delegated to package executorsup; AgentCore owns the framework and
// task tables and the registration/ping state machine described in
// the component design.
package agentcore
