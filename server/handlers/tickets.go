package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nomis52/dbflow/ticket"
)

// OperatorRequest is the body of the continue and terminate callbacks.
type OperatorRequest struct {
	Operator string `json:"operator"`
}

// ApprovalRequest is the body of POST /api/v1/tickets/{id}/approval.
type ApprovalRequest struct {
	Approved bool   `json:"approved"`
	Operator string `json:"operator"`
}

// CreateTicketHandler handles POST /api/v1/tickets.
type CreateTicketHandler struct {
	tickets TicketService
}

// NewCreateTicketHandler creates a CreateTicketHandler.
func NewCreateTicketHandler(tickets TicketService) *CreateTicketHandler {
	return &CreateTicketHandler{tickets: tickets}
}

func (h *CreateTicketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ticket.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "ticket type is required"})
		return
	}

	t, err := h.tickets.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTicketHandler handles GET /api/v1/tickets/{id}.
type GetTicketHandler struct {
	tickets TicketService
}

// NewGetTicketHandler creates a GetTicketHandler.
func NewGetTicketHandler(tickets TicketService) *GetTicketHandler {
	return &GetTicketHandler{tickets: tickets}
}

func (h *GetTicketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t, err := h.tickets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTicketsHandler handles GET /api/v1/tickets?status=.
type ListTicketsHandler struct {
	tickets TicketService
}

// NewListTicketsHandler creates a ListTicketsHandler.
func NewListTicketsHandler(tickets TicketService) *ListTicketsHandler {
	return &ListTicketsHandler{tickets: tickets}
}

func (h *ListTicketsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	list, err := h.tickets.List(r.Context(), ticket.Filter{Status: ticket.Status(r.URL.Query().Get("status"))})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// TicketActionHandler handles the operator callbacks on a ticket: approval,
// continue, retry and terminate.
type TicketActionHandler struct {
	action func(r *http.Request, id string) (*ticket.Ticket, error)
}

func (h *TicketActionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t, err := h.action(r, chi.URLParam(r, "id"))
	if err != nil {
		var bad badRequest
		if errors.As(err, &bad) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: bad.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// NewApprovalHandler resolves a waiting approval flow.
func NewApprovalHandler(tickets TicketService) *TicketActionHandler {
	return &TicketActionHandler{action: func(r *http.Request, id string) (*ticket.Ticket, error) {
		var req ApprovalRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, badRequest{err}
		}
		if req.Operator == "" {
			return nil, badRequest{fmt.Errorf("operator is required")}
		}
		return tickets.Approve(r.Context(), id, req.Approved, req.Operator)
	}}
}

// NewContinueHandler resumes a waiting pause flow.
func NewContinueHandler(tickets TicketService) *TicketActionHandler {
	return &TicketActionHandler{action: func(r *http.Request, id string) (*ticket.Ticket, error) {
		var req OperatorRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, badRequest{err}
		}
		return tickets.Continue(r.Context(), id, req.Operator)
	}}
}

// NewRetryHandler retries the failed current flow.
func NewRetryHandler(tickets TicketService) *TicketActionHandler {
	return &TicketActionHandler{action: func(r *http.Request, id string) (*ticket.Ticket, error) {
		return tickets.Retry(r.Context(), id)
	}}
}

// NewTerminateHandler terminates a ticket.
func NewTerminateHandler(tickets TicketService) *TicketActionHandler {
	return &TicketActionHandler{action: func(r *http.Request, id string) (*ticket.Ticket, error) {
		var req OperatorRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, badRequest{err}
		}
		return tickets.Terminate(r.Context(), id, req.Operator)
	}}
}

type badRequest struct {
	err error
}

func (b badRequest) Error() string { return "invalid request: " + b.err.Error() }
