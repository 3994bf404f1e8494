package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/agentflow/bus"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/team"
	"github.com/hupe1980/agentflow/workflow"
)

// Options configures Metrics.
type Options struct {
	Namespace string
	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool
}

// Metrics owns a private registry and the agentflow collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages         *prometheus.CounterVec
	executions       *prometheus.CounterVec
	running          prometheus.Gauge
	stepDuration     *prometheus.HistogramVec
	stepRetries      *prometheus.CounterVec
	assignments      *prometheus.CounterVec
	formationChanges *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New(optFns ...func(o *Options)) *Metrics {
	opts := Options{Namespace: "agentflow", RuntimeCollectors: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	reg := prometheus.NewRegistry()
	if opts.RuntimeCollectors {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "bus_deliveries_total",
			Help:      "Per-recipient message delivery outcomes.",
		}, []string{"type", "priority", "outcome"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "workflow_executions_total",
			Help:      "Workflow executions by terminal status.",
		}, []string{"workflow", "status"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Name:      "workflow_executions_running",
			Help:      "Workflow executions started and not yet finished in this process.",
		}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Latency distribution of workflow steps.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"kind", "success"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "workflow_step_retries_total",
			Help:      "Additional attempts made by retried workflow steps.",
		}, []string{"kind"}),
		assignments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "team_assignments_total",
			Help:      "Goal assignments by formation strategy and role.",
		}, []string{"strategy", "role"}),
		formationChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "team_formation_changes_total",
			Help:      "Team formation switches made by the optimizer.",
		}, []string{"from", "to"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// BusObserver counts delivery outcomes.
func (m *Metrics) BusObserver() bus.Observer {
	count := func(msg core.Message, outcome string) {
		m.messages.WithLabelValues(string(msg.Type), msg.Priority.String(), outcome).Inc()
	}
	return bus.ObserverFuncs{
		OnDelivered:     func(msg core.Message, _ core.AgentID) { count(msg, "delivered") },
		OnQueued:        func(msg core.Message, _ core.AgentID) { count(msg, "queued") },
		OnUndeliverable: func(msg core.Message, _ core.AgentID, _ error) { count(msg, "undeliverable") },
	}
}

// WorkflowObserver tracks executions and step latency.
func (m *Metrics) WorkflowObserver() workflow.Observer {
	return workflow.ObserverFuncs{
		OnStarted: func(*core.WorkflowExecution) { m.running.Inc() },
		OnStepFinished: func(_, _ string, step core.Step, res core.StepResult) {
			kind := string(step.Type)
			m.stepDuration.WithLabelValues(kind, strconv.FormatBool(res.Success)).Observe(res.Duration.Seconds())
			if res.Attempts > 1 {
				m.stepRetries.WithLabelValues(kind).Add(float64(res.Attempts - 1))
			}
		},
		OnFinished: func(exec *core.WorkflowExecution) {
			m.running.Dec()
			m.executions.WithLabelValues(exec.WorkflowID, string(exec.Status)).Inc()
		},
	}
}

// TeamObserver counts assignments and formation switches.
func (m *Metrics) TeamObserver() team.Observer { return teamObserver{m} }

type teamObserver struct{ m *Metrics }

func (o teamObserver) GoalAssigned(_ string, strategy core.Formation, a team.Assignment) {
	o.m.assignments.WithLabelValues(string(strategy), a.Role).Inc()
}

func (o teamObserver) FormationChanged(_ string, from, to core.Formation) {
	o.m.formationChanges.WithLabelValues(string(from), string(to)).Inc()
}

var _ team.Observer = teamObserver{}
