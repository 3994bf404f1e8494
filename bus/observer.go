package bus

import "github.com/hupe1980/agentflow/core"

// Observer receives per-recipient delivery outcomes. Implementations must be
// fast and must not send on the bus synchronously.
type Observer interface {
	MessageDelivered(msg core.Message, recipient core.AgentID)
	MessageQueued(msg core.Message, recipient core.AgentID)
	// MessageUndeliverable is called for unroutable recipients, handler
	// failures and full queues. reason is never nil.
	MessageUndeliverable(msg core.Message, recipient core.AgentID, reason error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnDelivered     func(msg core.Message, recipient core.AgentID)
	OnQueued        func(msg core.Message, recipient core.AgentID)
	OnUndeliverable func(msg core.Message, recipient core.AgentID, reason error)
}

func (o ObserverFuncs) MessageDelivered(msg core.Message, recipient core.AgentID) {
	if o.OnDelivered != nil {
		o.OnDelivered(msg, recipient)
	}
}

func (o ObserverFuncs) MessageQueued(msg core.Message, recipient core.AgentID) {
	if o.OnQueued != nil {
		o.OnQueued(msg, recipient)
	}
}

func (o ObserverFuncs) MessageUndeliverable(msg core.Message, recipient core.AgentID, reason error) {
	if o.OnUndeliverable != nil {
		o.OnUndeliverable(msg, recipient, reason)
	}
}

var _ Observer = ObserverFuncs{}
