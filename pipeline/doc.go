// Package pipeline builds and executes graphs of activities.
//
// # Building
//
// A Builder assembles a graph from declarative calls:
//
//	b := pipeline.NewBuilder("mysql_install", global)
//	b.AddActivity("precheck", precheck, nil)
//	b.AddParallelActivities(
//	    pipeline.ActivitySpec{Name: "install-1", Component: install, Kwargs: map[string]any{"host": "10.0.0.1"}},
//	    pipeline.ActivitySpec{Name: "install-2", Component: install, Kwargs: map[string]any{"host": "10.0.0.2"}},
//	)
//	b.AddSubPipeline(grants)
//	g, ec, err := b.Build()
//
// Nodes get positional ids ("0", "1.0", "2.3.1") so that a graph rebuilt from
// the same parameters maps onto an existing execution record. Parallel members
// have no defined start order.
//
// Build rejects a parallel set in which one member overwrites a trans key that
// another member (or any descendant of another member) also writes. Append
// writes to a shared key are allowed because they are merged per host.
//
// Sub-pipelines run with a copy of the parent's global data with their own
// global data layered on top. Trans data is shared with the parent so that
// later steps can read what a sub-pipeline produced.
//
// # Executing
//
// An Executor creates the run record (Create), runs it (Run) and, after a
// failure, resumes it (Resume). Resume resets failed, terminated and skipped
// nodes to pending, restores the trans data saved by succeeded nodes, and
// starts again from the first node that has not succeeded.
//
// A failing activity fails its node and every enclosing node up to the run.
// Members of a parallel set that already succeeded keep their status. A member
// marked BestEffort may fail without failing the set.
//
// Cancelling the context passed to Run, or calling Terminate, stops execution.
// The running nodes are recorded as terminated and later nodes stay pending.
package pipeline
