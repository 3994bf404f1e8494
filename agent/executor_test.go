package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/team"
)

type mockWork struct {
	mock.Mock
}

func (m *mockWork) Do(ctx context.Context, task core.Task) (any, error) {
	args := m.Called(ctx, task)
	return args.Get(0), args.Error(1)
}

// recorder is a bus participant collecting every message it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []core.Message
}

func newRecorder(t *testing.T, b *bus.Bus, id core.AgentID) *recorder {
	t.Helper()
	r := &recorder{}
	require.NoError(t, b.RegisterAgent(id))
	require.NoError(t, b.Subscribe(context.Background(), id, func(_ context.Context, msg core.Message) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, msg)
		return nil
	}))
	return r
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Content.Topic)
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestExecutor_TaskExecuteReportsCompletion(t *testing.T) {
	b := bus.New()
	requester := core.NewAgentID("test", "requester")
	rec := newRecorder(t, b, requester)

	work := new(mockWork)
	work.On("Do", mock.Anything, mock.MatchedBy(func(task core.Task) bool {
		return task.Description == "summarize the report"
	})).Return("summary", nil)

	e := NewExecutor(core.NewAgentID("test", "worker"), b, func(o *ExecutorOptions) {
		o.Work = work.Do
	})
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(context.Background()) }()

	task := core.Task{ID: "t1", Description: "summarize the report"}
	_, err := b.Send(context.Background(), core.NewMessage(requester, e.ID(), core.MessageTypeCommand, TopicTaskExecute, task))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TopicTaskCompleted}, rec.topics())

	got, ok := e.Task("t1")
	require.True(t, ok)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	assert.Equal(t, "summary", got.Result)
	assert.Equal(t, requester, got.RequestedBy)
	require.Eventually(t, func() bool { return e.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.Metrics().TasksCompleted)
	work.AssertExpectations(t)
}

func TestExecutor_FailureAndPanicAreReported(t *testing.T) {
	b := bus.New()
	requester := core.NewAgentID("test", "requester")
	rec := newRecorder(t, b, requester)

	e := NewExecutor(core.NewAgentID("test", "worker"), b, func(o *ExecutorOptions) {
		o.Work = func(_ context.Context, task core.Task) (any, error) {
			if task.ID == "boom" {
				panic("kaput")
			}
			return nil, errors.New("no luck")
		}
	})
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(context.Background()) }()

	for _, id := range []string{"fail", "boom"} {
		require.NoError(t, e.Submit(core.Task{ID: id, Description: "do " + id, RequestedBy: requester}))
	}

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TopicTaskFailed, TopicTaskFailed}, rec.topics())

	boom, _ := e.Task("boom")
	assert.Contains(t, boom.Error, "kaput")
	assert.Equal(t, 2, e.Metrics().TasksFailed)
	assert.NotEqual(t, StateError, e.State())
}

func TestExecutor_FaultedAgentLogsRejectedTransition(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := logging.NewSlogAdapter(slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, nil)))
	b := bus.New()
	e := NewExecutor(core.NewAgentID("test", "faulty"), b, func(o *ExecutorOptions) { o.Logger = logger })
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(context.Background()) }()

	e.Fault(assert.AnError)
	require.NoError(t, e.Submit(core.Task{ID: "t1", Description: "still runs"}))

	require.Eventually(t, func() bool {
		task, ok := e.Task("t1")
		return ok && task.Status == core.TaskStatusCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateError, e.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), "task runs without executing state")
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestExecutor_SubmitFullQueue(t *testing.T) {
	b := bus.New()
	release := make(chan struct{})
	e := NewExecutor(core.NewAgentID("test", "worker"), b, func(o *ExecutorOptions) {
		o.QueueSize = 1
		o.Work = func(ctx context.Context, _ core.Task) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		}
	})
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(context.Background()) }()

	require.NoError(t, e.Submit(core.Task{Description: "first"}))
	require.Eventually(t, func() bool { return e.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Submit(core.Task{Description: "second"}))

	err := e.Submit(core.Task{Description: "third"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCapacity)
	close(release)
}

func TestExecutor_AssignGoalCompletesGoal(t *testing.T) {
	b := bus.New()
	e := NewExecutor(core.NewAgentID("test", "worker"), b, func(o *ExecutorOptions) {
		o.Workers = 2
		o.Work = func(_ context.Context, task core.Task) (any, error) { return task.Description, nil }
	})
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(context.Background()) }()

	g, err := e.AssignGoal(context.Background(), core.Goal{Description: "1. collect the data\n2. write the report"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, ok := e.Outcome(g.ID)
		return ok && out.Status == core.GoalStatusCompleted
	}, time.Second, 5*time.Millisecond)
	out, _ := e.Outcome(g.ID)
	assert.ElementsMatch(t, []any{"collect the data", "write the report"}, out.Results)
}

func TestExecutor_AssignGoalFailsOnTaskFailure(t *testing.T) {
	b := bus.New()
	e := NewExecutor(core.NewAgentID("test", "worker"), b, func(o *ExecutorOptions) {
		o.Work = func(context.Context, core.Task) (any, error) { return nil, errors.New("disk full") }
	})
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(context.Background()) }()

	g, err := e.AssignGoal(context.Background(), core.Goal{Description: "archive the logs"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, _ := e.Outcome(g.ID)
		return out.Status == core.GoalStatusFailed
	}, time.Second, 5*time.Millisecond)
	out, _ := e.Outcome(g.ID)
	assert.Equal(t, "disk full", out.Error)
}

func TestExecutor_TaskAssignedFromTeam(t *testing.T) {
	b := bus.New()
	lead := core.NewAgentID("test", "lead")
	rec := newRecorder(t, b, lead)

	e := NewExecutor(core.NewAgentID("test", "worker"), b)
	require.NoError(t, e.Start(context.Background()))
	defer func() { _ = e.Stop(context.Background()) }()

	body := team.TaskAssignment{TeamID: "t", Goal: core.Goal{ID: "g1", Description: "test the parser"}, Role: team.RoleMember}
	_, err := b.Send(context.Background(), core.NewMessage(lead, e.ID(), core.MessageTypeCommand, team.TopicTaskAssigned, body))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	report, ok := rec.msgs[0].Content.Body.(TaskReport)
	rec.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "g1", report.Task.GoalID)
	assert.Equal(t, []string{"testing"}, report.Task.Capabilities)
}

func TestExecutor_StopTerminates(t *testing.T) {
	b := bus.New()
	e := NewExecutor(core.NewAgentID("test", "worker"), b)
	require.NoError(t, e.Start(context.Background()))
	require.True(t, b.Registered(e.ID()))

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateTerminated, e.State())
	assert.False(t, b.Registered(e.ID()))
	assert.Error(t, e.Stop(context.Background()))
	assert.Error(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Submit(core.Task{Description: "late"}), core.ErrValidation)
}
