// Package core provides the foundational domain types and interfaces shared
// by every agentflow subsystem. It defines:
//
//   - Agent identity (AgentID) and message envelopes exchanged over the bus
//   - Goals and tasks tracked by per-agent goal engines
//   - Teams formed and re-shaped by the team coordinator
//   - Workflow definitions, executions, snapshots and logs
//   - The WorkflowStore persistence contract and the error taxonomy
//
// The package keeps implementation concerns (routing, scheduling, storage
// drivers) out of scope so the subsystems can depend on each other only
// through these small types.
package core
