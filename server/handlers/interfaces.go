// Package handlers provides the HTTP handlers of the dbflow server.
//
// Each handler is in its own file and implements http.Handler. Handlers
// reach the engine through the interfaces below.
package handlers

import (
	"context"

	"github.com/nomis52/dbflow/record"
	"github.com/nomis52/dbflow/ticket"
)

// TicketService creates and drives tickets.
type TicketService interface {
	Create(ctx context.Context, req ticket.CreateRequest) (*ticket.Ticket, error)
	Get(ctx context.Context, id string) (*ticket.Ticket, error)
	List(ctx context.Context, f ticket.Filter) ([]*ticket.Ticket, error)
	Approve(ctx context.Context, id string, approved bool, operator string) (*ticket.Ticket, error)
	Continue(ctx context.Context, id string, operator string) (*ticket.Ticket, error)
	Retry(ctx context.Context, id string) (*ticket.Ticket, error)
	Terminate(ctx context.Context, id string, operator string) (*ticket.Ticket, error)
}

// RunProvider reads execution records.
type RunProvider interface {
	GetRun(ctx context.Context, id string) (*record.Run, error)
	Runs(ctx context.Context) ([]record.Summary, error)
}

var (
	_ TicketService = (*ticket.Orchestrator)(nil)
	_ RunProvider   = (record.Store)(nil)
)
