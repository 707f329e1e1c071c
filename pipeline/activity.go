package pipeline

import (
	"context"

	"github.com/nomis52/dbflow/flowctx"
)

// Activity is the smallest schedulable unit of a pipeline.
type Activity interface {
	// Execute performs the work. ec is bound to the node the activity runs as.
	Execute(ctx context.Context, ec *flowctx.Context) error
}

// ActivityFunc adapts a function to Activity.
type ActivityFunc func(ctx context.Context, ec *flowctx.Context) error

// Execute calls f.
func (f ActivityFunc) Execute(ctx context.Context, ec *flowctx.Context) error {
	return f(ctx, ec)
}

// KwargsValidator is implemented by activities that check their kwargs at build time.
type KwargsValidator interface {
	ValidateKwargs(kwargs flowctx.Data) error
}

// ContextWriter is implemented by activities that write trans keys. The
// declarations are used to reject conflicting parallel writes at build time.
type ContextWriter interface {
	Writes() []flowctx.Decl
}

// ActivitySpec describes one member of a parallel set.
type ActivitySpec struct {
	Name      string
	Component Activity
	Kwargs    map[string]any
	// BestEffort marks a child whose failure does not fail the set.
	BestEffort bool
}
