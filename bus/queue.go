package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/pqueue"
)

// DefaultQueueSize is the per-agent queue capacity used when none is configured.
const DefaultQueueSize = 1000

// MessageQueue is a bounded per-agent priority queue. Messages are ordered by
// priority (URGENT first), then by timestamp, then by arrival. Expired
// messages are evicted lazily.
type MessageQueue struct {
	mu       sync.Mutex
	items    *pqueue.Queue[core.Message]
	capacity int
	now      func() time.Time
}

func messageLess(a, b core.Message) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Timestamp.Before(b.Timestamp)
}

// NewMessageQueue creates a queue holding at most capacity messages.
func NewMessageQueue(capacity int, now func() time.Time) *MessageQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if now == nil {
		now = time.Now
	}
	return &MessageQueue{items: pqueue.New(messageLess), capacity: capacity, now: now}
}

// Enqueue adds a message. A full queue (after evicting expired messages)
// returns a capacity error.
func (q *MessageQueue) Enqueue(msg core.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() >= q.capacity {
		q.evictExpiredLocked()
	}
	if q.items.Len() >= q.capacity {
		return core.NewCapacityError("bus.enqueue", fmt.Sprintf("queue full (%d messages)", q.capacity))
	}
	q.items.Push(msg)
	return nil
}

// Dequeue returns the highest priority unexpired message.
func (q *MessageQueue) Dequeue() (core.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for {
		msg, ok := q.items.Pop()
		if !ok {
			return core.Message{}, false
		}
		if !msg.Expired(now) {
			return msg, true
		}
	}
}

// Drain removes and returns every unexpired message in delivery order.
func (q *MessageQueue) Drain() []core.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked()
	return q.items.Drain()
}

// EvictExpired drops expired messages and returns how many were removed.
func (q *MessageQueue) EvictExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictExpiredLocked()
}

func (q *MessageQueue) evictExpiredLocked() int {
	now := q.now()
	return q.items.RemoveFunc(func(m core.Message) bool { return m.Expired(now) })
}

// Len returns the number of queued messages, expired ones included.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
