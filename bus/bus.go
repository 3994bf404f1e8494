package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
)

var validate = validator.New()

// Handler consumes a message delivered to an agent. Handlers of one agent
// never run concurrently.
type Handler func(ctx context.Context, msg core.Message) error

// Options configures a Bus.
type Options struct {
	Logger      logging.Logger
	QueueSize   int
	HistorySize int
	Observers   []Observer
	// Now is the clock used for timestamps and TTL eviction.
	Now func() time.Time
}

// Report summarizes the per-recipient outcome of a Send.
type Report struct {
	MessageID     string
	Route         RouteKind
	Delivered     []core.AgentID
	Queued        []core.AgentID
	Failed        []core.AgentID
	Undeliverable []core.AgentID
}

// Reached reports whether at least one recipient got or queued the message.
func (r Report) Reached() bool { return len(r.Delivered)+len(r.Queued) > 0 }

type mailbox struct {
	id      core.AgentID
	queue   *MessageQueue
	handler Handler    // guarded by Bus.mu
	deliver sync.Mutex // serializes handler invocations
}

type waiter struct {
	ch chan core.Message
}

// Bus routes messages between registered agents.
type Bus struct {
	opts    Options
	router  Router
	history *History

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	topics    map[string]map[string]core.AgentID
	waiters   map[string]*waiter
	observers []Observer
}

// New creates a Bus.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		Logger:      logging.NoOpLogger{},
		QueueSize:   DefaultQueueSize,
		HistorySize: DefaultHistorySize,
		Now:         time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		opts:      opts,
		history:   NewHistory(opts.HistorySize),
		mailboxes: make(map[string]*mailbox),
		topics:    make(map[string]map[string]core.AgentID),
		waiters:   make(map[string]*waiter),
		observers: append([]Observer(nil), opts.Observers...),
	}
}

// AddObserver registers an additional delivery observer.
func (b *Bus) AddObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// RegisterAgent creates the agent's queue. Registering an active key again
// fails with an already-exists error.
func (b *Bus) RegisterAgent(id core.AgentID) error {
	id = id.Normalize()
	if id.IsZero() {
		return core.NewValidationError("bus.register", "agent id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[id.Key()]; ok {
		return core.NewAlreadyExistsError("agent", id.Key())
	}
	b.mailboxes[id.Key()] = &mailbox{id: id, queue: NewMessageQueue(b.opts.QueueSize, b.opts.Now)}
	b.opts.Logger.Debug("agent registered", "agent_id", id.Key())
	return nil
}

// UnregisterAgent drops the agent's queue, handler and topic subscriptions.
// Unknown agents are ignored.
func (b *Bus) UnregisterAgent(id core.AgentID) {
	key := id.Key()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[key]; !ok {
		return
	}
	delete(b.mailboxes, key)
	for topic, subs := range b.topics {
		delete(subs, key)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.opts.Logger.Debug("agent unregistered", "agent_id", key)
}

// Registered reports whether the agent has a queue on the bus.
func (b *Bus) Registered(id core.AgentID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.mailboxes[id.Key()]
	return ok
}

// Agents returns the registered agents sorted by key.
func (b *Bus) Agents() []core.AgentID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]core.AgentID, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		ids = append(ids, mb.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	return ids
}

// TopicSubscribers returns the registered agents subscribed to topic.
func (b *Bus) TopicSubscribers(topic string) []core.AgentID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.topics[topic]
	ids := make([]core.AgentID, 0, len(subs))
	for _, id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	return ids
}

// Subscribe installs a live handler for the agent and flushes its queued
// backlog to it in priority order.
func (b *Bus) Subscribe(ctx context.Context, id core.AgentID, h Handler) error {
	if h == nil {
		return core.NewValidationError("bus.subscribe", "handler is required")
	}
	b.mu.Lock()
	mb, ok := b.mailboxes[id.Key()]
	if ok {
		mb.handler = h
	}
	b.mu.Unlock()
	if !ok {
		return core.NewNotFoundError("agent", id.Key())
	}
	mb.deliver.Lock()
	defer mb.deliver.Unlock()
	b.flushLocked(ctx, mb)
	return nil
}

// Unsubscribe removes the agent's handler; later messages are queued again.
func (b *Bus) Unsubscribe(id core.AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.mailboxes[id.Key()]; ok {
		mb.handler = nil
	}
}

// SubscribeTopic adds the agent to the topic's fallback subscribers.
func (b *Bus) SubscribeTopic(topic string, id core.AgentID) error {
	id = id.Normalize()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[id.Key()]; !ok {
		return core.NewNotFoundError("agent", id.Key())
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]core.AgentID)
		b.topics[topic] = subs
	}
	subs[id.Key()] = id
	return nil
}

// UnsubscribeTopic removes the agent from the topic.
func (b *Bus) UnsubscribeTopic(topic string, id core.AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, id.Key())
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *Bus) validateMessage(msg core.Message) error {
	if err := validate.Struct(msg); err != nil {
		return core.NewValidationError("bus.send", err.Error())
	}
	if !msg.Type.Valid() {
		return core.NewValidationError("bus.send", fmt.Sprintf("unknown message type %q", msg.Type))
	}
	if msg.Priority < core.PriorityLow || msg.Priority > core.PriorityUrgent {
		return core.NewValidationError("bus.send", fmt.Sprintf("unknown priority %d", msg.Priority))
	}
	if msg.TTL < 0 {
		return core.NewValidationError("bus.send", "ttl must not be negative")
	}
	return nil
}

// Send validates, records and routes a message. Per-recipient failures are
// reported, never returned; the error is reserved for invalid messages.
func (b *Bus) Send(ctx context.Context, msg core.Message) (Report, error) {
	if msg.Priority == 0 {
		msg.Priority = core.PriorityNormal
	}
	if err := b.validateMessage(msg); err != nil {
		return Report{}, err
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.opts.Now().UTC()
	}
	msg.From = msg.From.Normalize()
	if len(msg.To) > 0 {
		to := make([]core.AgentID, len(msg.To))
		for i, id := range msg.To {
			to[i] = id.Normalize()
		}
		msg.To = to
	}

	b.history.Add(msg)
	b.notifyWaiter(msg)

	route := b.router.Route(msg, b)
	report := Report{MessageID: msg.ID, Route: route.Kind}
	for _, id := range route.Undeliverable {
		report.Undeliverable = append(report.Undeliverable, id)
		b.emitUndeliverable(msg, id, core.NewNotFoundError("agent", id.Key()))
	}
	for _, id := range route.Recipients {
		switch res, err := b.deliver(ctx, msg, id); res {
		case outcomeDelivered:
			report.Delivered = append(report.Delivered, id)
		case outcomeQueued:
			report.Queued = append(report.Queued, id)
		case outcomeFailed:
			report.Failed = append(report.Failed, id)
			b.emitUndeliverable(msg, id, err)
		case outcomeUnknown:
			report.Undeliverable = append(report.Undeliverable, id)
			b.emitUndeliverable(msg, id, err)
		}
	}
	return report, nil
}

// Broadcast sends a BROADCAST message to every registered agent except from.
func (b *Bus) Broadcast(ctx context.Context, from core.AgentID, content core.MessageContent) (Report, error) {
	return b.Send(ctx, core.NewBroadcastMessage(from, content.Topic, content.Body))
}

// Reply sends a RESPONSE to the sender of original.
func (b *Bus) Reply(ctx context.Context, original core.Message, from core.AgentID, content core.MessageContent) (Report, error) {
	msg := core.NewMessage(from, original.From, core.MessageTypeResponse, content.Topic, content.Body)
	msg.ReplyTo = original.ID
	msg.Priority = original.Priority
	return b.Send(ctx, msg)
}

// Receive pulls the next queued message for an agent without a handler.
func (b *Bus) Receive(id core.AgentID) (core.Message, bool) {
	b.mu.RLock()
	mb, ok := b.mailboxes[id.Key()]
	b.mu.RUnlock()
	if !ok {
		return core.Message{}, false
	}
	return mb.queue.Dequeue()
}

// Pending returns the number of queued messages for an agent.
func (b *Bus) Pending(id core.AgentID) int {
	b.mu.RLock()
	mb, ok := b.mailboxes[id.Key()]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return mb.queue.Len()
}

// History returns recorded messages matching f.
func (b *Bus) History(f Filter) []core.Message {
	return b.history.Query(f)
}

// Close removes every handler and pending reply waiter. Registered queues
// stay readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, mb := range b.mailboxes {
		mb.handler = nil
	}
	b.waiters = make(map[string]*waiter)
}

type outcome int

const (
	outcomeUnknown outcome = iota
	outcomeDelivered
	outcomeQueued
	outcomeFailed
)

type deliveringKey struct{}

// delivering returns the set of agent keys whose handler is on the current
// call stack.
func delivering(ctx context.Context) map[string]bool {
	set, _ := ctx.Value(deliveringKey{}).(map[string]bool)
	return set
}

func withDelivering(ctx context.Context, key string) context.Context {
	prev := delivering(ctx)
	set := make(map[string]bool, len(prev)+1)
	for k := range prev {
		set[k] = true
	}
	set[key] = true
	return context.WithValue(ctx, deliveringKey{}, set)
}

func (b *Bus) deliver(ctx context.Context, msg core.Message, id core.AgentID) (outcome, error) {
	b.mu.RLock()
	mb, ok := b.mailboxes[id.Key()]
	var h Handler
	if ok {
		h = mb.handler
	}
	b.mu.RUnlock()
	if !ok {
		return outcomeUnknown, core.NewNotFoundError("agent", id.Key())
	}

	// A handler sending to its own agent, directly or through a chain of
	// handlers, would deadlock on mb.deliver. Those messages are queued and
	// flushed once the running handler returns.
	self := delivering(ctx)[mb.id.Key()]
	if h == nil || self {
		if err := mb.queue.Enqueue(msg); err != nil {
			b.logDelivery(msg, id, "failed", err)
			return outcomeFailed, err
		}
		b.logDelivery(msg, id, "queued", nil)
		b.emit(func(o Observer) { o.MessageQueued(msg, id) })
		// A Subscribe between the handler lookup and Enqueue may already
		// have flushed an empty queue.
		if !self && b.handler(mb) != nil {
			mb.deliver.Lock()
			b.flushLocked(ctx, mb)
			mb.deliver.Unlock()
		}
		return outcomeQueued, nil
	}

	mb.deliver.Lock()
	defer mb.deliver.Unlock()
	err := b.invoke(ctx, mb, h, msg)
	b.flushLocked(ctx, mb)
	if err != nil {
		b.logDelivery(msg, id, "failed", err)
		return outcomeFailed, err
	}
	b.logDelivery(msg, id, "delivered", nil)
	b.emit(func(o Observer) { o.MessageDelivered(msg, id) })
	return outcomeDelivered, nil
}

func (b *Bus) handler(mb *mailbox) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return mb.handler
}

// flushLocked hands queued messages to the current handler. mb.deliver must
// be held.
func (b *Bus) flushLocked(ctx context.Context, mb *mailbox) {
	for {
		h := b.handler(mb)
		if h == nil {
			return
		}
		msg, ok := mb.queue.Dequeue()
		if !ok {
			return
		}
		if err := b.invoke(ctx, mb, h, msg); err != nil {
			b.logDelivery(msg, mb.id, "failed", err)
			b.emitUndeliverable(msg, mb.id, err)
			continue
		}
		b.logDelivery(msg, mb.id, "delivered", nil)
		b.emit(func(o Observer) { o.MessageDelivered(msg, mb.id) })
	}
}

func (b *Bus) invoke(ctx context.Context, mb *mailbox, h Handler, msg core.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewExecutionError("bus.handler", fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(withDelivering(ctx, mb.id.Key()), msg)
}

func (b *Bus) notifyWaiter(msg core.Message) {
	if msg.ReplyTo == "" {
		return
	}
	b.mu.RLock()
	w, ok := b.waiters[msg.ReplyTo]
	b.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.ch <- msg:
	default:
		b.opts.Logger.Warn("reply dropped, waiter full", "reply_to", msg.ReplyTo, "message_id", msg.ID)
	}
}

// await registers a reply waiter for requestID. The returned cancel func
// must be called once the caller stops listening.
func (b *Bus) await(requestID string, buffer int) (<-chan core.Message, func()) {
	w := &waiter{ch: make(chan core.Message, buffer)}
	b.mu.Lock()
	b.waiters[requestID] = w
	b.mu.Unlock()
	return w.ch, func() {
		b.mu.Lock()
		if b.waiters[requestID] == w {
			delete(b.waiters, requestID)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) emit(fn func(o Observer)) {
	b.mu.RLock()
	obs := b.observers
	b.mu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}

func (b *Bus) emitUndeliverable(msg core.Message, id core.AgentID, reason error) {
	b.emit(func(o Observer) { o.MessageUndeliverable(msg, id, reason) })
}

func (b *Bus) logDelivery(msg core.Message, id core.AgentID, outcome string, err error) {
	if fl, ok := b.opts.Logger.(*logging.FlowLogger); ok {
		fl.LogDelivery(msg.ID, id.Key(), outcome, err)
		return
	}
	if err != nil {
		b.opts.Logger.Warn("message delivery failed", "message_id", msg.ID, "recipient", id.Key(), "error", err)
		return
	}
	b.opts.Logger.Debug("message delivery", "message_id", msg.ID, "recipient", id.Key(), "outcome", outcome)
}

var _ Directory = (*Bus)(nil)
