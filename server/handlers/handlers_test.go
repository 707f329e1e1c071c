package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dbflow/buildinfo"
	"github.com/nomis52/dbflow/record"
	"github.com/nomis52/dbflow/ticket"
)

type fakeTickets struct {
	tickets map[string]*ticket.Ticket
	created []ticket.CreateRequest
	calls   []string
	err     error
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{tickets: map[string]*ticket.Ticket{
		"t1": {ID: "t1", Type: "mysql_install", Status: ticket.StatusRunning},
	}}
}

func (f *fakeTickets) Create(_ context.Context, req ticket.CreateRequest) (*ticket.Ticket, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	return &ticket.Ticket{ID: "new", Type: req.Type, Status: ticket.StatusRunning}, nil
}

func (f *fakeTickets) Get(_ context.Context, id string) (*ticket.Ticket, error) {
	t, ok := f.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ticket.ErrNotFound, id)
	}
	return t, nil
}

func (f *fakeTickets) List(_ context.Context, filter ticket.Filter) ([]*ticket.Ticket, error) {
	var out []*ticket.Ticket
	for _, t := range f.tickets {
		if filter.Status == "" || t.Status == filter.Status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTickets) action(name, id string) (*ticket.Ticket, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	return f.Get(context.Background(), id)
}

func (f *fakeTickets) Approve(_ context.Context, id string, approved bool, operator string) (*ticket.Ticket, error) {
	return f.action(fmt.Sprintf("approve:%t:%s", approved, operator), id)
}

func (f *fakeTickets) Continue(_ context.Context, id string, operator string) (*ticket.Ticket, error) {
	return f.action("continue:"+operator, id)
}

func (f *fakeTickets) Retry(_ context.Context, id string) (*ticket.Ticket, error) {
	return f.action("retry", id)
}

func (f *fakeTickets) Terminate(_ context.Context, id string, operator string) (*ticket.Ticket, error) {
	return f.action("terminate:"+operator, id)
}

func router(tickets TicketService, runs RunProvider) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", HandleHealth)
	r.Method(http.MethodPost, "/tickets", NewCreateTicketHandler(tickets))
	r.Method(http.MethodGet, "/tickets", NewListTicketsHandler(tickets))
	r.Method(http.MethodGet, "/tickets/{id}", NewGetTicketHandler(tickets))
	r.Method(http.MethodPost, "/tickets/{id}/approval", NewApprovalHandler(tickets))
	r.Method(http.MethodPost, "/tickets/{id}/continue", NewContinueHandler(tickets))
	r.Method(http.MethodPost, "/tickets/{id}/retry", NewRetryHandler(tickets))
	r.Method(http.MethodPost, "/tickets/{id}/terminate", NewTerminateHandler(tickets))
	if runs != nil {
		r.Method(http.MethodGet, "/runs", NewListRunsHandler(runs))
		r.Method(http.MethodGet, "/runs/{id}", NewGetRunHandler(runs))
	}
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	rec := do(t, router(newFakeTickets(), nil), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, buildinfo.Get(), resp.Build)
}

func TestCreateTicketHandler(t *testing.T) {
	tickets := newFakeTickets()
	h := router(tickets, nil)

	rec := do(t, h, http.MethodPost, "/tickets", `{"type":"mysql_install","requester":"alice","biz_id":3,"details":{"version":"8.0.36"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, tickets.created, 1)
	assert.Equal(t, ticket.TicketType("mysql_install"), tickets.created[0].Type)
	assert.Equal(t, int64(3), tickets.created[0].BizID)
	assert.JSONEq(t, `{"version":"8.0.36"}`, string(tickets.created[0].Details))

	var got ticket.Ticket
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "new", got.ID)
}

func TestCreateTicketHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "malformed", body: `{"type":`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"type":"x","bogus":1}`, want: http.StatusBadRequest},
		{name: "missing type", body: `{"requester":"alice"}`, want: http.StatusBadRequest},
		{name: "unknown type", body: `{"type":"nope"}`, err: fmt.Errorf("%w: %q", ticket.ErrUnknownTicketType, "nope"), want: http.StatusBadRequest},
		{name: "store failure", body: `{"type":"x"}`, err: fmt.Errorf("disk full"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tickets := newFakeTickets()
			tickets.err = tt.err
			rec := do(t, router(tickets, nil), http.MethodPost, "/tickets", tt.body)
			assert.Equal(t, tt.want, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestGetTicketHandler(t *testing.T) {
	h := router(newFakeTickets(), nil)

	rec := do(t, h, http.MethodGet, "/tickets/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got ticket.Ticket
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "t1", got.ID)

	rec = do(t, h, http.MethodGet, "/tickets/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTicketsHandler(t *testing.T) {
	tickets := newFakeTickets()
	tickets.tickets["t2"] = &ticket.Ticket{ID: "t2", Status: ticket.StatusFailed}
	h := router(tickets, nil)

	rec := do(t, h, http.MethodGet, "/tickets?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []ticket.Ticket
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "t2", got[0].ID)
}

func TestTicketActionHandlers(t *testing.T) {
	tests := []struct {
		path string
		body string
		want string
	}{
		{path: "/tickets/t1/approval", body: `{"approved":true,"operator":"bob"}`, want: "approve:true:bob"},
		{path: "/tickets/t1/approval", body: `{"approved":false,"operator":"bob"}`, want: "approve:false:bob"},
		{path: "/tickets/t1/continue", body: `{"operator":"carol"}`, want: "continue:carol"},
		{path: "/tickets/t1/continue", want: "continue:"},
		{path: "/tickets/t1/retry", want: "retry"},
		{path: "/tickets/t1/terminate", body: `{"operator":"dave"}`, want: "terminate:dave"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			tickets := newFakeTickets()
			rec := do(t, router(tickets, nil), http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, []string{tt.want}, tickets.calls)
		})
	}
}

func TestApprovalHandler_RequiresOperator(t *testing.T) {
	tickets := newFakeTickets()
	rec := do(t, router(tickets, nil), http.MethodPost, "/tickets/t1/approval", `{"approved":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, tickets.calls)
}

func TestTicketActionHandlers_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: ticket.ErrNotFound, want: http.StatusNotFound},
		{err: fmt.Errorf("flow 2: %w", ticket.ErrInvalidState), want: http.StatusConflict},
		{err: ticket.ErrNotRetryable, want: http.StatusConflict},
		{err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			tickets := newFakeTickets()
			tickets.err = tt.err
			rec := do(t, router(tickets, nil), http.MethodPost, "/tickets/t1/retry", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRunHandlers(t *testing.T) {
	store := record.NewMemoryStore()
	run := &record.Run{
		ID:       "r1",
		Pipeline: "mysql_install",
		Status:   record.StatusPending,
		Nodes:    map[string]*record.Node{"0": {ID: "0", Name: "precheck", Kind: record.KindActivity, Status: record.StatusPending}},
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	h := router(newFakeTickets(), store)

	rec := do(t, h, http.MethodGet, "/runs/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got record.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "mysql_install", got.Pipeline)
	assert.Contains(t, got.Nodes, "0")

	rec = do(t, h, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []record.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
