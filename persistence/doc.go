// Package persistence provides core.WorkflowStore implementations: a
// volatile in-memory store for tests and single-process use, and a durable
// SQLite store.
package persistence
