package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/record"
	"github.com/nomis52/dbflow/ticket"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTicket(w io.Writer, t *ticket.Ticket) {
	fmt.Fprintf(w, "Ticket %s (%s) requested by %s: %s\n", t.ID, t.Type, t.Requester, t.Status)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Type", "Status", "Run", "Operator", "Error"})
	for _, f := range t.Flows {
		marker := strconv.Itoa(f.Index)
		if f.Index == t.Current && !t.Status.Terminal() {
			marker += "*"
		}
		tw.AppendRow(table.Row{marker, f.Type, f.Status, f.RunID, f.Operator, firstLine(f.Err)})
	}
	tw.Render()
}

func renderTickets(w io.Writer, tickets []ticket.Ticket) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Type", "Requester", "Status", "Flow", "Created"})
	for _, t := range tickets {
		flow := "-"
		if f := t.CurrentFlow(); f != nil {
			flow = fmt.Sprintf("%d %s (%s)", f.Index, f.Type, f.Status)
		}
		tw.AppendRow(table.Row{t.ID, t.Type, t.Requester, t.Status, flow, t.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

func renderRun(w io.Writer, run *record.Run) {
	fmt.Fprintf(w, "Run %s (%s): %s\n", run.ID, run.Pipeline, run.Status)

	nodes := make([]*record.Node, 0, len(run.Nodes))
	for _, n := range run.Nodes {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b *record.Node) int { return compareNodeIDs(a.ID, b.ID) })

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Node", "Name", "Kind", "Status", "Job", "Hosts", "Error"})
	for _, n := range nodes {
		indent := strings.Repeat("  ", strings.Count(n.ID, "."))
		tw.AppendRow(table.Row{n.ID, indent + n.Name, n.Kind, n.Status, n.JobHandle, hostSummary(n.HostResults), firstLine(n.Error)})
	}
	tw.Render()
}

func renderRuns(w io.Writer, runs []record.Summary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Pipeline", "Status", "Created"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.Pipeline, r.Status, r.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

// hostSummary renders "ok/total" for job nodes.
func hostSummary(results []flowctx.HostResult) string {
	if len(results) == 0 {
		return ""
	}
	ok := 0
	for _, r := range results {
		if r.Succeeded {
			ok++
		}
	}
	return fmt.Sprintf("%d/%d", ok, len(results))
}

// compareNodeIDs orders positional ids ("0", "1.0", "1.10") numerically per segment.
func compareNodeIDs(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, _ := strconv.Atoi(as[i])
		bi, _ := strconv.Atoi(bs[i])
		if ai != bi {
			return ai - bi
		}
	}
	return len(as) - len(bs)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
