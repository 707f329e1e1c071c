package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine holds the orchestration engine's metrics. A nil *Engine is valid and
// records nothing.
type Engine struct {
	jobSubmissions  Counter
	hostFailures    CounterVec
	pipelineNodes   CounterVec
	flowTransitions CounterVec
	activeRuns      Gauge
	tickets         GaugeVec
}

// NewEngine registers the engine metrics with reg.
func NewEngine(reg Registry) (*Engine, error) {
	submissions, err := reg.NewCounter(prometheus.CounterOpts{
		Name: "job_submissions_total",
		Help: "Jobs submitted to the job-execution service.",
	})
	if err != nil {
		return nil, fmt.Errorf("creating job submissions counter: %w", err)
	}

	hostFailures, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "job_host_failures_total",
		Help: "Target hosts that finished with a non-success status.",
	}, []string{"status"})
	if err != nil {
		return nil, fmt.Errorf("creating host failures counter: %w", err)
	}

	nodes, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_nodes_total",
		Help: "Pipeline nodes that reached a final status.",
	}, []string{"status"})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline nodes counter: %w", err)
	}

	transitions, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_transitions_total",
		Help: "Ticket flow status transitions.",
	}, []string{"type", "status"})
	if err != nil {
		return nil, fmt.Errorf("creating flow transitions counter: %w", err)
	}

	activeRuns, err := reg.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_runs_active",
		Help: "Pipeline runs currently executing.",
	})
	if err != nil {
		return nil, fmt.Errorf("creating active runs gauge: %w", err)
	}

	tickets, err := reg.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickets",
		Help: "Tickets by status.",
	}, []string{"status"})
	if err != nil {
		return nil, fmt.Errorf("creating tickets gauge: %w", err)
	}

	return &Engine{
		jobSubmissions:  submissions,
		hostFailures:    hostFailures,
		pipelineNodes:   nodes,
		flowTransitions: transitions,
		activeRuns:      activeRuns,
		tickets:         tickets,
	}, nil
}

// JobSubmitted counts one accepted job submission.
func (e *Engine) JobSubmitted() {
	if e == nil {
		return
	}
	e.jobSubmissions.Inc()
}

// HostFailed counts one failed host by its status text.
func (e *Engine) HostFailed(status string) {
	if e == nil {
		return
	}
	e.hostFailures.With(prometheus.Labels{"status": status}).Inc()
}

// NodeFinished counts one node reaching a final status.
func (e *Engine) NodeFinished(status string) {
	if e == nil {
		return
	}
	e.pipelineNodes.With(prometheus.Labels{"status": status}).Inc()
}

// FlowTransition counts a flow of type flowType moving to status.
func (e *Engine) FlowTransition(flowType, status string) {
	if e == nil {
		return
	}
	e.flowTransitions.With(prometheus.Labels{"type": flowType, "status": status}).Inc()
}

// ActiveRuns sets the number of executing pipeline runs.
func (e *Engine) ActiveRuns(n int) {
	if e == nil {
		return
	}
	e.activeRuns.Set(float64(n))
}

// TicketCounts sets the ticket gauge for every status in counts.
func (e *Engine) TicketCounts(counts map[string]int) {
	if e == nil {
		return
	}
	for status, n := range counts {
		e.tickets.With(prometheus.Labels{"status": status}).Set(float64(n))
	}
}
