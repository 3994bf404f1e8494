package bus

import (
	"sync"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// DefaultHistorySize is the number of messages retained by default.
const DefaultHistorySize = 1000

// Filter selects messages from the history. Zero fields match everything.
type Filter struct {
	From  *core.AgentID
	To    *core.AgentID
	Type  core.MessageType
	Topic string
	Since time.Time
	Limit int
}

func (f Filter) match(m core.Message) bool {
	if f.From != nil && !m.From.Equal(*f.From) {
		return false
	}
	if f.To != nil && !m.IsBroadcast() && !m.Addressed(*f.To) {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Topic != "" && m.Content.Topic != f.Topic {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// History is a bounded ring of sent messages.
type History struct {
	mu    sync.RWMutex
	ring  []core.Message
	next  int
	count int
}

// NewHistory creates a ring holding the last size messages.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{ring: make([]core.Message, size)}
}

// Add records a message, overwriting the oldest when full.
func (h *History) Add(m core.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = m
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
}

// Query returns matching messages oldest first. With a Limit the most recent
// matches are kept.
func (h *History) Query(f Filter) []core.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := (h.next - h.count + len(h.ring)) % len(h.ring)
	out := make([]core.Message, 0, h.count)
	for i := 0; i < h.count; i++ {
		m := h.ring[(start+i)%len(h.ring)]
		if f.match(m) {
			out = append(out, m)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
