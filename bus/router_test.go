package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentflow/core"
)

type staticDirectory struct {
	agents []core.AgentID
	topics map[string][]core.AgentID
}

func (d staticDirectory) Registered(id core.AgentID) bool {
	for _, a := range d.agents {
		if a.Equal(id) {
			return true
		}
	}
	return false
}

func (d staticDirectory) Agents() []core.AgentID { return d.agents }

func (d staticDirectory) TopicSubscribers(topic string) []core.AgentID { return d.topics[topic] }

func TestRouter_Route(t *testing.T) {
	a := core.NewAgentID("", "a")
	b := core.NewAgentID("", "b")
	c := core.NewAgentID("", "c")
	ghost := core.NewAgentID("", "ghost")
	dir := staticDirectory{
		agents: []core.AgentID{a, b, c},
		topics: map[string][]core.AgentID{"alerts": {c}},
	}

	tests := []struct {
		name          string
		msg           core.Message
		kind          RouteKind
		recipients    []core.AgentID
		undeliverable []core.AgentID
	}{
		{
			name:       "broadcast skips sender",
			msg:        core.NewBroadcastMessage(a, "hello", nil),
			kind:       RouteBroadcast,
			recipients: []core.AgentID{b, c},
		},
		{
			name:       "direct",
			msg:        core.NewMessage(a, b, core.MessageTypeInform, "", nil),
			kind:       RouteDirect,
			recipients: []core.AgentID{b},
		},
		{
			name:          "multicast with one unknown",
			msg:           core.NewMulticastMessage(a, []core.AgentID{b, ghost}, core.MessageTypeInform, "", nil),
			kind:          RouteMulticast,
			recipients:    []core.AgentID{b},
			undeliverable: []core.AgentID{ghost},
		},
		{
			name:       "unknown target falls back to topic",
			msg:        core.NewMessage(a, ghost, core.MessageTypeInform, "alerts", nil),
			kind:       RouteTopic,
			recipients: []core.AgentID{c},
		},
		{
			name:          "nothing matches",
			msg:           core.NewMessage(a, ghost, core.MessageTypeInform, "nobody", nil),
			kind:          RouteNone,
			undeliverable: []core.AgentID{ghost},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Router{}.Route(tt.msg, dir)
			assert.Equal(t, tt.kind, r.Kind)
			assert.Equal(t, tt.recipients, r.Recipients)
			assert.Equal(t, tt.undeliverable, r.Undeliverable)
		})
	}
}
