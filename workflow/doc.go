// Package workflow runs long-lived, resumable workflows.
//
// A core.WorkflowDefinition compiles to a state machine whose states are
// step ids plus the terminal completed and failed states. Each execution is
// driven by a single goroutine that runs one step at a time, persisting the
// execution and its log through a core.WorkflowStore after every step.
// Executions can be paused, resumed, cancelled, snapshotted, restored from a
// snapshot and recovered after a crash.
//
// Six step kinds are supported:
//
//   - agent-task: hand a goal to a pooled executor agent and wait for it
//   - parallel: run sibling steps concurrently, bounded by maxConcurrency
//   - condition: evaluate an expression and branch to then or else
//   - loop: repeat a body step while a condition holds
//   - http: call an HTTP endpoint with templated url, headers and body
//   - script: run a sandboxed Go script
package workflow
