package ticket

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nomis52/dbflow/pipeline"
)

// CreateRequest is what an operator submits.
type CreateRequest struct {
	Type       TicketType      `json:"type"`
	Requester  string          `json:"requester"`
	BizID      int64           `json:"biz_id"`
	ClusterIDs []int64         `json:"cluster_ids,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// FlowSpec describes one flow of a plan. Params must encode to a JSON object.
type FlowSpec struct {
	Type   FlowType
	Params any
	Retry  RetryPolicy
}

// PlanFunc turns a request into the ordered flows of a ticket.
type PlanFunc func(req CreateRequest) ([]FlowSpec, error)

// PipelineFactory builds the pipeline of a pipeline flow. It is invoked each
// time the flow is entered, including on retry, and must build the same graph
// from the same params.
type PipelineFactory func(t *Ticket, params PipelineParams) (*pipeline.Builder, error)

// Registry maps ticket types to flow plans and pipeline names to factories.
type Registry struct {
	mu        sync.RWMutex
	plans     map[TicketType]PlanFunc
	pipelines map[string]PipelineFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plans:     make(map[TicketType]PlanFunc),
		pipelines: make(map[string]PipelineFactory),
	}
}

// RegisterTicketType adds the plan for tt.
func (r *Registry) RegisterTicketType(tt TicketType, plan PlanFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tt == "" || plan == nil {
		return fmt.Errorf("ticket type and plan are required")
	}
	if _, ok := r.plans[tt]; ok {
		return fmt.Errorf("ticket type %q already registered", tt)
	}
	r.plans[tt] = plan
	return nil
}

// RegisterPipeline adds the factory for name.
func (r *Registry) RegisterPipeline(name string, f PipelineFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || f == nil {
		return fmt.Errorf("pipeline name and factory are required")
	}
	if _, ok := r.pipelines[name]; ok {
		return fmt.Errorf("pipeline %q already registered", name)
	}
	r.pipelines[name] = f
	return nil
}

// Plan returns the plan for tt.
func (r *Registry) Plan(tt TicketType) (PlanFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plans[tt]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTicketType, tt)
	}
	return p, nil
}

// Pipeline returns the factory for name.
func (r *Registry) Pipeline(name string) (PipelineFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}
	return f, nil
}

// TicketTypes returns the registered ticket types, sorted.
func (r *Registry) TicketTypes() []TicketType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TicketType, 0, len(r.plans))
	for tt := range r.plans {
		out = append(out, tt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// buildFlows encodes specs into flows and checks that every pipeline flow
// names a registered pipeline.
func (r *Registry) buildFlows(specs []FlowSpec) ([]*Flow, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("plan has no flows")
	}

	flows := make([]*Flow, len(specs))
	for i, spec := range specs {
		params, err := json.Marshal(spec.Params)
		if err != nil {
			return nil, fmt.Errorf("flow %d params: %w", i, err)
		}
		if spec.Params == nil {
			params = json.RawMessage(`{}`)
		}

		retry := spec.Retry
		if retry == "" {
			retry = RetryNone
		}
		f := &Flow{
			Index:  i,
			Type:   spec.Type,
			Status: FlowStatusPending,
			Params: params,
			Retry:  retry,
		}

		switch spec.Type {
		case FlowApproval, FlowPause:
		case FlowTimer:
			var p TimerParams
			if err := decodeParams(f, &p); err != nil {
				return nil, err
			}
			if p.TriggerAt == nil && p.Cron == "" {
				return nil, fmt.Errorf("timer flow %d needs trigger_at or cron", i)
			}
			if p.Cron != "" {
				if _, err := cronParser.Parse(p.Cron); err != nil {
					return nil, fmt.Errorf("timer flow %d: invalid cron %q: %w", i, p.Cron, err)
				}
			}
		case FlowResource:
			var p ResourceParams
			if err := decodeParams(f, &p); err != nil {
				return nil, err
			}
		case FlowPipeline:
			var p PipelineParams
			if err := decodeParams(f, &p); err != nil {
				return nil, err
			}
			if _, err := r.Pipeline(p.Pipeline); err != nil {
				return nil, fmt.Errorf("flow %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("flow %d: unknown flow type %q", i, spec.Type)
		}
		flows[i] = f
	}
	return flows, nil
}
