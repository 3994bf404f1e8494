// Package logging provides a minimal logging interface and adapters for agentflow.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the bus, the workflow engine, teams and agents use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - FlowLogger with contextual clones (component, agent, execution)
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	b := bus.New(func(o *bus.Options) { o.Logger = logger.WithComponent("bus") })
//
// Arguments after the message are slog style key/value pairs.
package logging
