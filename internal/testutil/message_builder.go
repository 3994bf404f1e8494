package testutil

import (
	"time"

	"github.com/hupe1980/agentflow/core"
)

// MessageBuilder provides a fluent helper for constructing messages in tests.
// Example:
//
//	msg := NewMessageBuilder().From("a").To("b").Topic("ping").Build()
type MessageBuilder struct {
	msg core.Message
}

// NewMessageBuilder creates a builder for an INFORM message from test:sender.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{msg: core.Message{
		ID:        core.NewID(),
		From:      core.NewAgentID("test", "sender"),
		Type:      core.MessageTypeInform,
		Priority:  core.PriorityNormal,
		Timestamp: time.Now(),
	}}
}

// ID overrides the generated message id.
func (b *MessageBuilder) ID(id string) *MessageBuilder { b.msg.ID = id; return b }

// From sets the sender in the test namespace.
func (b *MessageBuilder) From(id string) *MessageBuilder {
	b.msg.From = core.NewAgentID("test", id)
	return b
}

// To appends recipients in the test namespace. Two or more make the message
// a multicast.
func (b *MessageBuilder) To(ids ...string) *MessageBuilder {
	for _, id := range ids {
		b.msg.To = append(b.msg.To, core.NewAgentID("test", id))
	}
	b.msg.Multicast = len(b.msg.To) > 1
	return b
}

// Type sets the message type.
func (b *MessageBuilder) Type(t core.MessageType) *MessageBuilder { b.msg.Type = t; return b }

// Topic sets the content topic.
func (b *MessageBuilder) Topic(topic string) *MessageBuilder { b.msg.Content.Topic = topic; return b }

// Body sets the content body.
func (b *MessageBuilder) Body(body any) *MessageBuilder { b.msg.Content.Body = body; return b }

// Priority sets the priority.
func (b *MessageBuilder) Priority(p core.MessagePriority) *MessageBuilder {
	b.msg.Priority = p
	return b
}

// At sets the timestamp.
func (b *MessageBuilder) At(ts time.Time) *MessageBuilder { b.msg.Timestamp = ts; return b }

// TTL sets the time to live.
func (b *MessageBuilder) TTL(d time.Duration) *MessageBuilder { b.msg.TTL = d; return b }

// Build returns the message.
func (b *MessageBuilder) Build() core.Message { return b.msg }
