// Package bus implements the in-process message bus agents use to talk to
// each other.
//
// Every registered agent owns a bounded priority queue. A message sent to an
// agent with a live handler is handed to that handler (serialized per
// recipient) and the sender waits for it; otherwise the message is queued
// until the agent subscribes or pulls it with Receive. Routing is decided by
// a stateless Router: broadcast, direct, multicast and topic fallback.
//
// On top of plain delivery the bus offers coordination primitives: Request
// (correlated request/response), Barrier, Consensus and Pipeline. Each takes
// an explicit timeout which fails the call, never the bus.
package bus
