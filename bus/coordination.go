package bus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/hupe1980/agentflow/core"
)

// Topics used by the coordination primitives.
const (
	TopicBarrier   = "barrier"
	TopicConsensus = "consensus"
	TopicPipeline  = "pipeline"
	// TopicError marks a response as a failure; pipelines abort on it.
	TopicError = "error"
)

// Request sends a REQUEST to one agent and waits for the response whose
// ReplyTo matches it. Replies arriving after the timeout are dropped.
func (b *Bus) Request(ctx context.Context, from, to core.AgentID, content core.MessageContent, timeout time.Duration) (core.Message, error) {
	if timeout <= 0 {
		return core.Message{}, core.NewValidationError("bus.request", "timeout must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := core.NewMessage(from, to, core.MessageTypeRequest, content.Topic, content.Body)
	replies, stop := b.await(msg.ID, 1)
	defer stop()

	report, err := b.Send(ctx, msg)
	if err != nil {
		return core.Message{}, err
	}
	if !report.Reached() {
		select {
		case reply := <-replies:
			return reply, nil
		default:
		}
		if len(report.Failed) > 0 {
			return core.Message{}, core.NewExecutionError("bus.request", fmt.Errorf("request to %s failed", to.Key()))
		}
		return core.Message{}, core.NewNotFoundError("agent", to.Key())
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return core.Message{}, core.NewTimeoutError("bus.request", timeout)
	}
}

// BarrierSetup is the body of the COMMAND that opens a barrier.
type BarrierSetup struct {
	BarrierID    string         `json:"barrier_id"`
	Participants []core.AgentID `json:"participants"`
}

// ArriveAt acknowledges a barrier setup message on behalf of agent.
func ArriveAt(ctx context.Context, b *Bus, agent core.AgentID, setup core.Message) error {
	msg := core.NewMessage(agent, setup.From, core.MessageTypeAcknowledge, TopicBarrier, setup.Content.Body)
	msg.ReplyTo = setup.ID
	_, err := b.Send(ctx, msg)
	return err
}

// Barrier multicasts a setup command to participants and waits until every
// one of them has acknowledged it. On timeout the agents that did arrive are
// returned together with a timeout error.
func (b *Bus) Barrier(ctx context.Context, from core.AgentID, barrierID string, participants []core.AgentID, timeout time.Duration) ([]core.AgentID, error) {
	if len(participants) == 0 {
		return nil, core.NewValidationError("bus.barrier", "participants are required")
	}
	if timeout <= 0 {
		return nil, core.NewValidationError("bus.barrier", "timeout must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	expected := make(map[string]core.AgentID, len(participants))
	for _, p := range participants {
		expected[p.Key()] = p.Normalize()
	}

	setup := core.NewMulticastMessage(from, participants, core.MessageTypeCommand, TopicBarrier,
		BarrierSetup{BarrierID: barrierID, Participants: participants})
	acks, stop := b.await(setup.ID, 2*len(participants))
	defer stop()

	if _, err := b.Send(ctx, setup); err != nil {
		return nil, err
	}

	arrived := make(map[string]bool, len(expected))
	var order []core.AgentID
	for len(arrived) < len(expected) {
		select {
		case ack := <-acks:
			key := ack.From.Key()
			if _, ok := expected[key]; ok && !arrived[key] {
				arrived[key] = true
				order = append(order, expected[key])
			}
		case <-ctx.Done():
			return order, core.NewTimeoutError("bus.barrier", timeout)
		}
	}
	return order, nil
}

// Vote is a participant's answer to a consensus proposal.
type Vote struct {
	Approve bool `json:"approve"`
	Value   any  `json:"value,omitempty"`
}

// CastVote replies to a consensus proposal on behalf of agent.
func CastVote(ctx context.Context, b *Bus, agent core.AgentID, proposal core.Message, vote Vote) error {
	_, err := b.Reply(ctx, proposal, agent, core.MessageContent{Topic: TopicConsensus, Body: vote})
	return err
}

// ConsensusResult is the outcome of a consensus round.
type ConsensusResult struct {
	Success   bool            `json:"success"`
	Approvals int             `json:"approvals"`
	Responses int             `json:"responses"`
	Total     int             `json:"total"`
	Ratio     float64         `json:"ratio"`
	Value     any             `json:"value,omitempty"`
	Votes     map[string]Vote `json:"votes"`
	TimedOut  bool            `json:"timed_out"`
}

func voteFromBody(body any) (Vote, bool) {
	switch v := body.(type) {
	case Vote:
		return v, true
	case *Vote:
		if v == nil {
			return Vote{}, false
		}
		return *v, true
	case bool:
		return Vote{Approve: v}, true
	case map[string]any:
		approve, ok := v["approve"].(bool)
		if !ok {
			return Vote{}, false
		}
		return Vote{Approve: approve, Value: v["value"]}, true
	}
	return Vote{}, false
}

// Consensus multicasts a NEGOTIATE proposal and collects one vote per
// participant. The round succeeds when the approving fraction, rounded to two
// decimals, reaches threshold. On timeout the fraction is computed over the
// votes that arrived. On success Value is the most common vote value.
func (b *Bus) Consensus(ctx context.Context, from core.AgentID, proposal any, participants []core.AgentID, threshold float64, timeout time.Duration) (ConsensusResult, error) {
	if len(participants) == 0 {
		return ConsensusResult{}, core.NewValidationError("bus.consensus", "participants are required")
	}
	if threshold < 0 || threshold > 1 {
		return ConsensusResult{}, core.NewValidationError("bus.consensus", "threshold must be within [0,1]")
	}
	if timeout <= 0 {
		return ConsensusResult{}, core.NewValidationError("bus.consensus", "timeout must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	expected := make(map[string]bool, len(participants))
	for _, p := range participants {
		expected[p.Key()] = true
	}

	msg := core.NewMulticastMessage(from, participants, core.MessageTypeNegotiate, TopicConsensus, proposal)
	replies, stop := b.await(msg.ID, 2*len(participants))
	defer stop()

	if _, err := b.Send(ctx, msg); err != nil {
		return ConsensusResult{}, err
	}

	res := ConsensusResult{Total: len(expected), Votes: make(map[string]Vote, len(expected))}
	var order []string
collect:
	for len(res.Votes) < len(expected) {
		select {
		case reply := <-replies:
			key := reply.From.Key()
			if !expected[key] {
				continue
			}
			if _, dup := res.Votes[key]; dup {
				continue
			}
			vote, ok := voteFromBody(reply.Content.Body)
			if !ok {
				b.opts.Logger.Warn("ignoring malformed vote", "from", key, "proposal_id", msg.ID)
				continue
			}
			res.Votes[key] = vote
			order = append(order, key)
		case <-ctx.Done():
			res.TimedOut = true
			break collect
		}
	}

	res.Responses = len(res.Votes)
	for _, v := range res.Votes {
		if v.Approve {
			res.Approvals++
		}
	}
	if res.Responses > 0 {
		res.Ratio = math.Round(float64(res.Approvals)/float64(res.Responses)*100) / 100
		res.Success = res.Ratio >= threshold
	}
	if res.Success {
		res.Value = pluralityValue(order, res.Votes)
	}
	return res, nil
}

func pluralityValue(order []string, votes map[string]Vote) any {
	type bucket struct {
		value any
		count int
	}
	var buckets []*bucket
	for _, key := range order {
		v := votes[key].Value
		if v == nil {
			continue
		}
		found := false
		for _, bk := range buckets {
			if reflect.DeepEqual(bk.value, v) {
				bk.count++
				found = true
				break
			}
		}
		if !found {
			buckets = append(buckets, &bucket{value: v, count: 1})
		}
	}
	var best *bucket
	for _, bk := range buckets {
		if best == nil || bk.count > best.count {
			best = bk
		}
	}
	if best == nil {
		return nil
	}
	return best.value
}

// StageError reports the pipeline stage that failed.
type StageError struct {
	Index int
	Agent core.AgentID
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %d (%s): %v", e.Index, e.Agent.Key(), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline passes input through stages in order. Each stage gets the
// remaining budget divided by the number of stages left. A stage that times
// out or answers with TopicError aborts the pipeline.
func (b *Bus) Pipeline(ctx context.Context, from core.AgentID, stages []core.AgentID, input any, timeout time.Duration) (any, error) {
	if len(stages) == 0 {
		return nil, core.NewValidationError("bus.pipeline", "stages are required")
	}
	if timeout <= 0 {
		return nil, core.NewValidationError("bus.pipeline", "timeout must be positive")
	}
	deadline := b.opts.Now().Add(timeout)
	current := input
	for i, stage := range stages {
		remaining := deadline.Sub(b.opts.Now())
		if remaining <= 0 {
			return nil, &StageError{Index: i, Agent: stage, Err: core.NewTimeoutError("bus.pipeline", timeout)}
		}
		budget := remaining / time.Duration(len(stages)-i)
		resp, err := b.Request(ctx, from, stage, core.MessageContent{Topic: TopicPipeline, Body: current}, budget)
		if err != nil {
			return nil, &StageError{Index: i, Agent: stage, Err: err}
		}
		if resp.Content.Topic == TopicError {
			return nil, &StageError{Index: i, Agent: stage, Err: core.NewExecutionError("bus.pipeline", stageFailure(resp.Content.Body))}
		}
		current = resp.Content.Body
	}
	return current, nil
}

func stageFailure(body any) error {
	switch v := body.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	case nil:
		return errors.New("stage failed")
	}
	return fmt.Errorf("stage failed: %v", body)
}
