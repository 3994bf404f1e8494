package api

import (
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
)

// Delivery outcomes carried by stream events.
const (
	EventDelivered     = "delivered"
	EventQueued        = "queued"
	EventUndeliverable = "undeliverable"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Event is one per-recipient delivery outcome pushed to stream clients.
type Event struct {
	Type      string       `json:"type"`
	Recipient core.AgentID `json:"recipient"`
	Message   core.Message `json:"message"`
	Reason    string       `json:"reason,omitempty"`
}

type subscriber struct {
	events chan Event
	topic  string
}

// Stream fans bus deliveries out to websocket subscribers. Slow
// subscribers lose events instead of blocking the bus.
type Stream struct {
	buffer int

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewStream creates a stream with the given per-subscriber buffer.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{buffer: buffer, subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber. topic is a path.Match pattern applied
// to the message topic; empty matches everything. The returned channel is
// closed by the cancel func or Close.
func (s *Stream) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscriber{events: make(chan Event, s.buffer), topic: topic}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.events)
		return sub.events, func() {}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[sub]; ok {
				delete(s.subs, sub)
				close(sub.events)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close disconnects every subscriber.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.events)
	}
}

func (s *Stream) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.topic != "" {
			if ok, _ := path.Match(sub.topic, ev.Message.Content.Topic); !ok {
				continue
			}
		}
		select {
		case sub.events <- ev:
		default:
		}
	}
}

func (s *Stream) MessageDelivered(msg core.Message, recipient core.AgentID) {
	s.publish(Event{Type: EventDelivered, Recipient: recipient, Message: msg})
}

func (s *Stream) MessageQueued(msg core.Message, recipient core.AgentID) {
	s.publish(Event{Type: EventQueued, Recipient: recipient, Message: msg})
}

func (s *Stream) MessageUndeliverable(msg core.Message, recipient core.AgentID, reason error) {
	s.publish(Event{Type: EventUndeliverable, Recipient: recipient, Message: msg, Reason: reason.Error()})
}

var _ bus.Observer = (*Stream)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) streamMessages(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	events, cancel := s.stream.Subscribe(c.Query("topic"))
	defer cancel()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.opts.Logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
