package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
)

func agent(id string) core.AgentID { return core.NewAgentID("", id) }

func newBus(t *testing.T, ids ...string) *Bus {
	t.Helper()
	b := New()
	for _, id := range ids {
		require.NoError(t, b.RegisterAgent(agent(id)))
	}
	return b
}

type recordingObserver struct {
	mu            sync.Mutex
	delivered     int
	queued        int
	undeliverable []error
}

func (o *recordingObserver) MessageDelivered(core.Message, core.AgentID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered++
}

func (o *recordingObserver) MessageQueued(core.Message, core.AgentID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued++
}

func (o *recordingObserver) MessageUndeliverable(_ core.Message, _ core.AgentID, reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.undeliverable = append(o.undeliverable, reason)
}

func TestBus_RegisterAndUnregister(t *testing.T) {
	b := newBus(t, "a")

	err := b.RegisterAgent(agent("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAlreadyExists))

	err = b.RegisterAgent(core.AgentID{})
	assert.True(t, errors.Is(err, core.ErrValidation))

	require.NoError(t, b.SubscribeTopic("news", agent("a")))
	b.UnregisterAgent(agent("a"))
	b.UnregisterAgent(agent("a"))
	b.UnregisterAgent(agent("never"))
	assert.False(t, b.Registered(agent("a")))
	assert.Empty(t, b.TopicSubscribers("news"))

	require.NoError(t, b.RegisterAgent(agent("a")), "key is free again after unregister")
}

func TestBus_DirectDeliveryPreservesIdentity(t *testing.T) {
	b := newBus(t, "sender", "receiver")
	var got []core.Message
	require.NoError(t, b.Subscribe(context.Background(), agent("receiver"), func(_ context.Context, m core.Message) error {
		got = append(got, m)
		return nil
	}))

	msg := core.NewMessage(agent("sender"), agent("receiver"), core.MessageTypeRequest, "greet", map[string]any{"x": 1})
	report, err := b.Send(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, RouteDirect, report.Route)
	assert.Equal(t, []core.AgentID{agent("receiver")}, report.Delivered)
	require.Len(t, got, 1, "handler runs exactly once before Send returns")
	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, msg.From, got[0].From)
	assert.Equal(t, msg.Content, got[0].Content)
}

func TestBus_QueuedMessagesComeOutByPriority(t *testing.T) {
	b := newBus(t, "s", "r")
	base := time.Now()
	prios := []core.MessagePriority{core.PriorityLow, core.PriorityUrgent, core.PriorityNormal, core.PriorityHigh}
	for i, p := range prios {
		m := core.NewMessage(agent("s"), agent("r"), core.MessageTypeInform, "", i)
		m.Priority = p
		m.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
		report, err := b.Send(context.Background(), m)
		require.NoError(t, err)
		assert.Len(t, report.Queued, 1)
	}
	tie := core.NewMessage(agent("s"), agent("r"), core.MessageTypeInform, "", "later-normal")
	tie.Timestamp = base.Add(time.Second)
	_, err := b.Send(context.Background(), tie)
	require.NoError(t, err)

	var order []core.MessagePriority
	var bodies []any
	for {
		m, ok := b.Receive(agent("r"))
		if !ok {
			break
		}
		order = append(order, m.Priority)
		bodies = append(bodies, m.Content.Body)
	}
	assert.Equal(t, []core.MessagePriority{core.PriorityUrgent, core.PriorityHigh, core.PriorityNormal, core.PriorityNormal, core.PriorityLow}, order)
	assert.Equal(t, 2, bodies[2], "earlier timestamp wins among equal priorities")
	assert.Equal(t, "later-normal", bodies[3])
}

func TestBus_SubscribeFlushesBacklog(t *testing.T) {
	b := newBus(t, "s", "r")
	for _, p := range []core.MessagePriority{core.PriorityLow, core.PriorityHigh} {
		m := core.NewMessage(agent("s"), agent("r"), core.MessageTypeInform, "", p.String())
		m.Priority = p
		_, err := b.Send(context.Background(), m)
		require.NoError(t, err)
	}
	var bodies []any
	require.NoError(t, b.Subscribe(context.Background(), agent("r"), func(_ context.Context, m core.Message) error {
		bodies = append(bodies, m.Content.Body)
		return nil
	}))
	assert.Equal(t, []any{"HIGH", "LOW"}, bodies)
	assert.Equal(t, 0, b.Pending(agent("r")))

	err := b.Subscribe(context.Background(), agent("ghost"), func(context.Context, core.Message) error { return nil })
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestBus_MessageLiteralDefaultsToNormalPriority(t *testing.T) {
	b := newBus(t, "s", "r")
	base := time.Now()
	low := core.NewMessage(agent("s"), agent("r"), core.MessageTypeInform, "", "low")
	low.Priority = core.PriorityLow
	low.Timestamp = base
	_, err := b.Send(context.Background(), low)
	require.NoError(t, err)
	_, err = b.Send(context.Background(), core.Message{
		From:      agent("s"),
		To:        []core.AgentID{agent("r")},
		Type:      core.MessageTypeInform,
		Content:   core.MessageContent{Body: "plain"},
		Timestamp: base.Add(time.Second),
	})
	require.NoError(t, err)

	first, ok := b.Receive(agent("r"))
	require.True(t, ok)
	assert.Equal(t, "plain", first.Content.Body)
	assert.Equal(t, core.PriorityNormal, first.Priority)
	assert.Equal(t, 1, b.Pending(agent("r")))
}

func TestBus_ConcurrentSendAndSubscribeStrandNothing(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := newBus(t, "s", "r")
		var mu sync.Mutex
		var got int
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := b.Send(context.Background(), core.NewMessage(agent("s"), agent("r"), core.MessageTypeInform, "", i))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Subscribe(context.Background(), agent("r"), func(context.Context, core.Message) error {
				mu.Lock()
				got++
				mu.Unlock()
				return nil
			}))
		}()
		wg.Wait()

		mu.Lock()
		assert.Equal(t, 1, got)
		mu.Unlock()
		assert.Equal(t, 0, b.Pending(agent("r")))
	}
}

func TestBus_BroadcastQueuesForEveryoneButSender(t *testing.T) {
	b := newBus(t, "s", "a1", "a2", "a3")
	obs := &recordingObserver{}
	b.AddObserver(obs)

	report, err := b.Broadcast(context.Background(), agent("s"), core.MessageContent{Topic: "hello"})
	require.NoError(t, err)

	assert.Equal(t, RouteBroadcast, report.Route)
	assert.Len(t, report.Queued, 3)
	assert.Empty(t, report.Delivered)
	assert.Equal(t, 0, b.Pending(agent("s")))
	for _, id := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, 1, b.Pending(agent(id)))
	}
	assert.Equal(t, 3, obs.queued)
}

func TestBus_FailuresAreContainedPerRecipient(t *testing.T) {
	b := newBus(t, "s", "bad", "panics", "good")
	obs := &recordingObserver{}
	b.AddObserver(obs)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, agent("bad"), func(context.Context, core.Message) error { return errors.New("nope") }))
	require.NoError(t, b.Subscribe(ctx, agent("panics"), func(context.Context, core.Message) error { panic("boom") }))
	require.NoError(t, b.Subscribe(ctx, agent("good"), func(context.Context, core.Message) error { return nil }))

	msg := core.NewMulticastMessage(agent("s"), []core.AgentID{agent("bad"), agent("panics"), agent("good"), agent("ghost")}, core.MessageTypeInform, "", nil)
	report, err := b.Send(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, RouteMulticast, report.Route)
	assert.Equal(t, []core.AgentID{agent("good")}, report.Delivered)
	assert.ElementsMatch(t, []core.AgentID{agent("bad"), agent("panics")}, report.Failed)
	assert.Equal(t, []core.AgentID{agent("ghost")}, report.Undeliverable)
	assert.Len(t, obs.undeliverable, 3)
}

func TestBus_SendValidation(t *testing.T) {
	b := newBus(t, "s")
	tests := []struct {
		name string
		msg  core.Message
	}{
		{"missing sender", core.Message{Type: core.MessageTypeInform}},
		{"missing type", core.Message{From: agent("s")}},
		{"unknown type", core.Message{From: agent("s"), Type: "SHOUT"}},
		{"bad priority", core.Message{From: agent("s"), Type: core.MessageTypeInform, Priority: 9}},
		{"empty recipient", core.Message{From: agent("s"), Type: core.MessageTypeInform, To: []core.AgentID{{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Send(context.Background(), tt.msg)
			assert.True(t, errors.Is(err, core.ErrValidation), err)
		})
	}
	assert.Zero(t, len(b.History(Filter{})), "rejected messages are not recorded")
}

func TestBus_TopicFallback(t *testing.T) {
	b := newBus(t, "s", "watcher")
	require.NoError(t, b.SubscribeTopic("alerts", agent("watcher")))

	report, err := b.Send(context.Background(), core.NewMessage(agent("s"), agent("offline"), core.MessageTypeInform, "alerts", "disk full"))
	require.NoError(t, err)
	assert.Equal(t, RouteTopic, report.Route)
	assert.Equal(t, []core.AgentID{agent("watcher")}, report.Queued)

	b.UnsubscribeTopic("alerts", agent("watcher"))
	report, err = b.Send(context.Background(), core.NewMessage(agent("s"), agent("offline"), core.MessageTypeInform, "alerts", "again"))
	require.NoError(t, err)
	assert.Equal(t, RouteNone, report.Route)
	assert.Equal(t, []core.AgentID{agent("offline")}, report.Undeliverable)
}

func TestBus_ReentrantSendDoesNotDeadlock(t *testing.T) {
	b := newBus(t, "a", "b")
	ctx := context.Background()
	var aSeen, bSeen []string

	require.NoError(t, b.Subscribe(ctx, agent("a"), func(ctx context.Context, m core.Message) error {
		aSeen = append(aSeen, m.Content.Topic)
		if m.Content.Topic == "ping" {
			_, err := b.Send(ctx, core.NewMessage(agent("a"), agent("b"), core.MessageTypeInform, "pong", nil))
			return err
		}
		return nil
	}))
	require.NoError(t, b.Subscribe(ctx, agent("b"), func(ctx context.Context, m core.Message) error {
		bSeen = append(bSeen, m.Content.Topic)
		if m.Content.Topic == "pong" {
			_, err := b.Send(ctx, core.NewMessage(agent("b"), agent("a"), core.MessageTypeInform, "done", nil))
			return err
		}
		return nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := b.Send(ctx, core.NewMessage(agent("b"), agent("a"), core.MessageTypeInform, "ping", nil))
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send deadlocked")
	}
	assert.Equal(t, []string{"ping", "done"}, aSeen)
	assert.Equal(t, []string{"pong"}, bSeen)
}

func TestBus_HistoryFilter(t *testing.T) {
	b := New(func(o *Options) { o.HistorySize = 3 })
	require.NoError(t, b.RegisterAgent(agent("s")))
	require.NoError(t, b.RegisterAgent(agent("r")))
	ctx := context.Background()
	for i, topic := range []string{"t1", "t2", "t1", "t3"} {
		typ := core.MessageTypeInform
		if i == 2 {
			typ = core.MessageTypeQuery
		}
		_, err := b.Send(ctx, core.NewMessage(agent("s"), agent("r"), typ, topic, i))
		require.NoError(t, err)
	}

	all := b.History(Filter{})
	require.Len(t, all, 3, "ring keeps the last three")
	assert.Equal(t, 1, all[0].Content.Body)

	assert.Len(t, b.History(Filter{Topic: "t1"}), 1)
	assert.Len(t, b.History(Filter{Type: core.MessageTypeQuery}), 1)
	r := agent("r")
	last := b.History(Filter{To: &r, Limit: 1})
	require.Len(t, last, 1)
	assert.Equal(t, 3, last[0].Content.Body)
}
