package core

import (
	"fmt"
	"strings"
	"time"
)

// MessageType classifies a message by its conversational intent.
type MessageType string

const (
	MessageTypeRequest     MessageType = "REQUEST"
	MessageTypeResponse    MessageType = "RESPONSE"
	MessageTypeInform      MessageType = "INFORM"
	MessageTypeQuery       MessageType = "QUERY"
	MessageTypeCommand     MessageType = "COMMAND"
	MessageTypeBroadcast   MessageType = "BROADCAST"
	MessageTypeNegotiate   MessageType = "NEGOTIATE"
	MessageTypeAcknowledge MessageType = "ACKNOWLEDGE"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeInform, MessageTypeQuery,
		MessageTypeCommand, MessageTypeBroadcast, MessageTypeNegotiate, MessageTypeAcknowledge:
		return true
	}
	return false
}

// MessagePriority orders messages inside agent queues. Higher values are
// delivered first. The zero value is unset and is sent as PriorityNormal.
type MessagePriority int

const (
	PriorityLow MessagePriority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var messagePriorityNames = map[MessagePriority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

func (p MessagePriority) String() string {
	if s, ok := messagePriorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// MarshalText renders the priority name so JSON and YAML stay readable.
func (p MessagePriority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses a priority name (case-insensitive).
func (p *MessagePriority) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for v, s := range messagePriorityNames {
		if s == name {
			*p = v
			return nil
		}
	}
	return NewValidationError("parse message priority", fmt.Sprintf("unknown priority %q", string(text)))
}

// MessageContent is the payload of a message. Topic drives topic routing and
// the coordination primitives; Body is opaque to the bus.
type MessageContent struct {
	Topic string `json:"topic"`
	Body  any    `json:"body,omitempty"`
}

// Message is the envelope exchanged over the bus. It must be treated as
// immutable once sent.
//
// Addressing:
//   - To empty: broadcast to every registered agent except the sender
//   - To with one entry and Multicast unset: direct
//   - otherwise: multicast to each listed agent
type Message struct {
	ID        string          `json:"id"`
	From      AgentID         `json:"from"`
	To        []AgentID       `json:"to" validate:"dive"`
	Multicast bool            `json:"multicast,omitempty"`
	Type      MessageType     `json:"type" validate:"required"`
	Content   MessageContent  `json:"content"`
	Priority  MessagePriority `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       time.Duration   `json:"ttl,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`
}

// IsBroadcast reports whether the message uses the broadcast sentinel.
func (m Message) IsBroadcast() bool { return len(m.To) == 0 }

// IsDirect reports whether the message targets exactly one agent.
func (m Message) IsDirect() bool { return len(m.To) == 1 && !m.Multicast }

// Expired reports whether the message TTL has elapsed at now.
func (m Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.Timestamp.Add(m.TTL))
}

// Addressed reports whether id is one of the explicit recipients.
func (m Message) Addressed(id AgentID) bool {
	for _, to := range m.To {
		if to.Equal(id) {
			return true
		}
	}
	return false
}

// NewMessage builds a direct message with NORMAL priority.
func NewMessage(from, to AgentID, typ MessageType, topic string, body any) Message {
	return Message{
		ID:        NewID(),
		From:      from,
		To:        []AgentID{to},
		Type:      typ,
		Content:   MessageContent{Topic: topic, Body: body},
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
}

// NewMulticastMessage builds a message addressed to every listed agent.
func NewMulticastMessage(from AgentID, to []AgentID, typ MessageType, topic string, body any) Message {
	m := NewMessage(from, AgentID{}, typ, topic, body)
	m.To = append([]AgentID(nil), to...)
	m.Multicast = true
	return m
}

// NewBroadcastMessage builds a broadcast (empty recipient list) message.
func NewBroadcastMessage(from AgentID, topic string, body any) Message {
	m := NewMessage(from, AgentID{}, MessageTypeBroadcast, topic, body)
	m.To = nil
	return m
}
