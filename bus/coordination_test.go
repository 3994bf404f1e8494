package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
)

func TestBus_RequestCorrelatesReply(t *testing.T) {
	b := newBus(t, "client", "server")
	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, agent("server"), func(ctx context.Context, m core.Message) error {
		// an unrelated response must not satisfy the request
		noise := core.NewMessage(agent("server"), m.From, core.MessageTypeResponse, "noise", nil)
		noise.ReplyTo = "something-else"
		if _, err := b.Send(ctx, noise); err != nil {
			return err
		}
		_, err := b.Reply(ctx, m, agent("server"), core.MessageContent{Topic: "answer", Body: fmt.Sprint(m.Content.Body, "!")})
		return err
	}))

	reply, err := b.Request(ctx, agent("client"), agent("server"), core.MessageContent{Topic: "q", Body: "hi"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.MessageTypeResponse, reply.Type)
	assert.Equal(t, "hi!", reply.Content.Body)
}

func TestBus_RequestTimeoutAndUnknownTarget(t *testing.T) {
	b := newBus(t, "client", "silent")

	_, err := b.Request(context.Background(), agent("client"), agent("silent"), core.MessageContent{Topic: "q"}, 20*time.Millisecond)
	assert.True(t, errors.Is(err, core.ErrTimeout), err)

	_, err = b.Request(context.Background(), agent("client"), agent("ghost"), core.MessageContent{Topic: "q"}, 20*time.Millisecond)
	assert.True(t, errors.Is(err, core.ErrNotFound), err)
}

func subscribeBarrierParticipants(t *testing.T, b *Bus, ids ...string) {
	t.Helper()
	for _, id := range ids {
		self := agent(id)
		require.NoError(t, b.Subscribe(context.Background(), self, func(ctx context.Context, m core.Message) error {
			if m.Content.Topic == TopicBarrier && m.Type == core.MessageTypeCommand {
				return ArriveAt(ctx, b, self, m)
			}
			return nil
		}))
	}
}

func TestBus_BarrierReleasesWhenAllArrive(t *testing.T) {
	b := newBus(t, "coord", "p1", "p2", "p3")
	subscribeBarrierParticipants(t, b, "p1", "p2", "p3")

	arrived, err := b.Barrier(context.Background(), agent("coord"), "sync-1", []core.AgentID{agent("p1"), agent("p2"), agent("p3")}, time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []core.AgentID{agent("p1"), agent("p2"), agent("p3")}, arrived)
}

func TestBus_BarrierTimesOutWithPartialArrivals(t *testing.T) {
	b := newBus(t, "coord", "p1", "p2", "p3")
	subscribeBarrierParticipants(t, b, "p1", "p2")

	start := time.Now()
	arrived, err := b.Barrier(context.Background(), agent("coord"), "sync-2", []core.AgentID{agent("p1"), agent("p2"), agent("p3")}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.ElementsMatch(t, []core.AgentID{agent("p1"), agent("p2")}, arrived)
}

func subscribeVoters(t *testing.T, b *Bus, votes map[string]Vote) {
	t.Helper()
	for id, vote := range votes {
		self, v := agent(id), vote
		require.NoError(t, b.Subscribe(context.Background(), self, func(ctx context.Context, m core.Message) error {
			if m.Type == core.MessageTypeNegotiate {
				return CastVote(ctx, b, self, m, v)
			}
			return nil
		}))
	}
}

func TestBus_Consensus(t *testing.T) {
	participants := []core.AgentID{agent("v1"), agent("v2"), agent("v3")}

	t.Run("two of three reaches 0.67", func(t *testing.T) {
		b := newBus(t, "coord", "v1", "v2", "v3")
		subscribeVoters(t, b, map[string]Vote{
			"v1": {Approve: true, Value: "plan-a"},
			"v2": {Approve: true, Value: "plan-a"},
			"v3": {Approve: false, Value: "plan-b"},
		})
		res, err := b.Consensus(context.Background(), agent("coord"), "adopt plan", participants, 0.67, time.Second)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 2, res.Approvals)
		assert.Equal(t, 3, res.Responses)
		assert.InDelta(t, 0.67, res.Ratio, 1e-9)
		assert.Equal(t, "plan-a", res.Value)
		assert.False(t, res.TimedOut)
	})

	t.Run("one of three fails", func(t *testing.T) {
		b := newBus(t, "coord", "v1", "v2", "v3")
		subscribeVoters(t, b, map[string]Vote{
			"v1": {Approve: true},
			"v2": {Approve: false},
			"v3": {Approve: false},
		})
		res, err := b.Consensus(context.Background(), agent("coord"), "adopt plan", participants, 0.67, time.Second)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 1, res.Approvals)
		assert.Nil(t, res.Value)
	})

	t.Run("timeout evaluates arrived votes", func(t *testing.T) {
		b := newBus(t, "coord", "v1", "v2", "v3")
		subscribeVoters(t, b, map[string]Vote{
			"v1": {Approve: true},
			"v2": {Approve: true},
		})
		res, err := b.Consensus(context.Background(), agent("coord"), "adopt plan", participants, 0.67, 30*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.Equal(t, 2, res.Responses)
		assert.True(t, res.Success)
	})
}

func TestBus_Pipeline(t *testing.T) {
	b := newBus(t, "client", "upper", "exclaim", "broken")
	ctx := context.Background()
	stage := func(self string, fn func(string) (core.MessageContent, error)) {
		require.NoError(t, b.Subscribe(ctx, agent(self), func(ctx context.Context, m core.Message) error {
			content, err := fn(m.Content.Body.(string))
			if err != nil {
				return err
			}
			_, err = b.Reply(ctx, m, agent(self), content)
			return err
		}))
	}
	stage("upper", func(s string) (core.MessageContent, error) {
		return core.MessageContent{Topic: TopicPipeline, Body: s + "-upper"}, nil
	})
	stage("exclaim", func(s string) (core.MessageContent, error) {
		return core.MessageContent{Topic: TopicPipeline, Body: s + "!"}, nil
	})
	stage("broken", func(string) (core.MessageContent, error) {
		return core.MessageContent{Topic: TopicError, Body: "cannot process"}, nil
	})

	out, err := b.Pipeline(ctx, agent("client"), []core.AgentID{agent("upper"), agent("exclaim")}, "in", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "in-upper!", out)

	_, err = b.Pipeline(ctx, agent("client"), []core.AgentID{agent("upper"), agent("broken"), agent("exclaim")}, "in", time.Second)
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, 1, stageErr.Index)
	assert.Equal(t, agent("broken"), stageErr.Agent)
	assert.True(t, errors.Is(err, core.ErrExecution))
}
