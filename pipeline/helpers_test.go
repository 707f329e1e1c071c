package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/nomis52/dbflow/flowctx"
)

// fakeActivity counts executions and runs an optional function.
type fakeActivity struct {
	decls []flowctx.Decl
	fn    func(ctx context.Context, ec *flowctx.Context) error
	calls atomic.Int32
}

func (a *fakeActivity) Execute(ctx context.Context, ec *flowctx.Context) error {
	a.calls.Add(1)
	if a.fn == nil {
		return nil
	}
	return a.fn(ctx, ec)
}

func (a *fakeActivity) Writes() []flowctx.Decl {
	return a.decls
}

func writer(decls ...flowctx.Decl) *fakeActivity {
	return &fakeActivity{decls: decls}
}

func noop() *fakeActivity {
	return &fakeActivity{}
}
