// Package agent contains the agent runtime built on the message bus:
//
//  1. State machine and lifecycle plumbing (BaseAgent)
//  2. Coordinator: hands complex goals to a team and delegates simple ones
//  3. Executor: runs tasks from a bounded FIFO queue with a fixed worker count
//  4. Pool: spawns and reuses executors for workflow agent-task steps
//
// Every agent owns a goal engine and a bus registration. Agents talk to each
// other only through the bus: task.execute and task.assigned commands go
// to executors, task.completed and task.failed reports go back to the
// requester.
package agent
