package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/record"
)

// Builder assembles a pipeline graph. Nothing is executed while building.
type Builder struct {
	name   string
	global flowctx.Data
	steps  []*Node
	names  map[string]bool
}

// NewBuilder creates a builder. global is copied.
func NewBuilder(name string, global flowctx.Data) *Builder {
	if global == nil {
		global = flowctx.Data{}
	}
	return &Builder{
		name:   name,
		global: global.Clone(),
		names:  make(map[string]bool),
	}
}

// Name returns the pipeline name.
func (b *Builder) Name() string { return b.name }

// AddActivity appends one activity to the sequence.
func (b *Builder) AddActivity(name string, component Activity, kwargs map[string]any) error {
	n, err := newActivityNode(name, component, kwargs)
	if err != nil {
		return err
	}
	if err := b.claim(name); err != nil {
		return err
	}
	b.steps = append(b.steps, n)
	return nil
}

// AddParallelActivities appends a fan-out/fan-in node running every spec together.
func (b *Builder) AddParallelActivities(specs ...ActivitySpec) error {
	if len(specs) == 0 {
		return errors.New("parallel set needs at least one activity")
	}

	seen := make(map[string]bool, len(specs))
	children := make([]*Node, 0, len(specs))
	for _, spec := range specs {
		if seen[spec.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateName, spec.Name)
		}
		seen[spec.Name] = true

		n, err := newActivityNode(spec.Name, spec.Component, spec.Kwargs)
		if err != nil {
			return err
		}
		n.bestEffort = spec.BestEffort
		children = append(children, n)
	}

	name := parallelName(children)
	if err := b.claim(name); err != nil {
		return err
	}
	b.steps = append(b.steps, &Node{name: name, kind: record.KindParallel, children: children})
	return nil
}

// AddSubPipeline builds child and appends it as a single node.
func (b *Builder) AddSubPipeline(child *Builder) error {
	n, err := newSubNode(child)
	if err != nil {
		return err
	}
	if err := b.claim(n.name); err != nil {
		return err
	}
	b.steps = append(b.steps, n)
	return nil
}

// AddParallelSubPipelines builds every child and appends them as one parallel set.
func (b *Builder) AddParallelSubPipelines(children ...*Builder) error {
	if len(children) == 0 {
		return errors.New("parallel set needs at least one sub-pipeline")
	}

	seen := make(map[string]bool, len(children))
	nodes := make([]*Node, 0, len(children))
	for _, child := range children {
		if seen[child.name] {
			return fmt.Errorf("%w: %q", ErrDuplicateName, child.name)
		}
		seen[child.name] = true

		n, err := newSubNode(child)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	name := parallelName(nodes)
	if err := b.claim(name); err != nil {
		return err
	}
	b.steps = append(b.steps, &Node{name: name, kind: record.KindParallel, children: nodes})
	return nil
}

// Build returns the graph and an execution context seeded with the global data.
func (b *Builder) Build() (*Graph, *flowctx.Context, error) {
	if len(b.steps) == 0 {
		return nil, nil, fmt.Errorf("pipeline %q has no steps", b.name)
	}

	g := &Graph{name: b.name, nodes: place(b.steps, "")}

	var errs []error
	g.Walk(func(n *Node) {
		if n.kind == record.KindParallel {
			if err := checkParallelWrites(n); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}

	return g, flowctx.New(b.global), nil
}

func (b *Builder) claim(name string) error {
	if b.names[name] {
		return fmt.Errorf("%w: %q in pipeline %q", ErrDuplicateName, name, b.name)
	}
	b.names[name] = true
	return nil
}

func newActivityNode(name string, component Activity, kwargs map[string]any) (*Node, error) {
	if name == "" {
		return nil, errors.New("activity name is required")
	}
	if component == nil {
		return nil, fmt.Errorf("activity %q has no component", name)
	}

	data, err := flowctx.NewData(kwargs)
	if err != nil {
		return nil, fmt.Errorf("%w: activity %q: %v", ErrInvalidKwargs, name, err)
	}
	if v, ok := component.(KwargsValidator); ok {
		if err := v.ValidateKwargs(data); err != nil {
			return nil, fmt.Errorf("%w: activity %q: %v", ErrInvalidKwargs, name, err)
		}
	}

	return &Node{
		name:     name,
		kind:     record.KindActivity,
		activity: component,
		kwargs:   data,
	}, nil
}

func newSubNode(child *Builder) (*Node, error) {
	if child == nil {
		return nil, errors.New("sub-pipeline is nil")
	}
	g, _, err := child.Build()
	if err != nil {
		return nil, fmt.Errorf("building sub-pipeline %q: %w", child.name, err)
	}
	return &Node{
		name:     child.name,
		kind:     record.KindSubPipeline,
		global:   child.global.Clone(),
		children: g.nodes,
	}, nil
}

func parallelName(children []*Node) string {
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.name
	}
	return "parallel[" + strings.Join(names, ",") + "]"
}

// checkParallelWrites rejects a key overwritten by one member of the set and
// written in any mode by another.
func checkParallelWrites(n *Node) error {
	type writer struct {
		member string
		mode   flowctx.WriteMode
	}
	byKey := make(map[string][]writer)
	for _, c := range n.children {
		modes := make(map[string]flowctx.WriteMode)
		for _, d := range c.writes() {
			if prev, ok := modes[d.Key]; ok && prev == flowctx.Overwrite {
				continue
			}
			modes[d.Key] = d.Mode
		}
		for key, mode := range modes {
			byKey[key] = append(byKey[key], writer{member: c.name, mode: mode})
		}
	}

	var conflicts []string
	for key, writers := range byKey {
		if len(writers) < 2 {
			continue
		}
		for _, w := range writers {
			if w.mode == flowctx.Overwrite {
				members := make([]string, len(writers))
				for i, w := range writers {
					members[i] = w.member
				}
				sort.Strings(members)
				conflicts = append(conflicts, fmt.Sprintf("%q by %s", key, strings.Join(members, ", ")))
				break
			}
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	sort.Strings(conflicts)
	return fmt.Errorf("%w in %s: %s", ErrOverwriteConflict, n.name, strings.Join(conflicts, "; "))
}
