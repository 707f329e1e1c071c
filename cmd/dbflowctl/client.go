package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nomis52/dbflow/record"
	"github.com/nomis52/dbflow/server/handlers"
	"github.com/nomis52/dbflow/ticket"
)

// apiClient talks to the dbflow HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) CreateTicket(ctx context.Context, req ticket.CreateRequest) (*ticket.Ticket, error) {
	var t ticket.Ticket
	return &t, c.do(ctx, http.MethodPost, "/api/v1/tickets", req, &t)
}

func (c *apiClient) Ticket(ctx context.Context, id string) (*ticket.Ticket, error) {
	var t ticket.Ticket
	return &t, c.do(ctx, http.MethodGet, "/api/v1/tickets/"+url.PathEscape(id), nil, &t)
}

func (c *apiClient) Tickets(ctx context.Context, status string) ([]ticket.Ticket, error) {
	path := "/api/v1/tickets"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []ticket.Ticket
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// TicketAction posts one of the operator callbacks: approval, continue, retry or terminate.
func (c *apiClient) TicketAction(ctx context.Context, id, action string, body any) (*ticket.Ticket, error) {
	var t ticket.Ticket
	return &t, c.do(ctx, http.MethodPost, "/api/v1/tickets/"+url.PathEscape(id)+"/"+action, body, &t)
}

func (c *apiClient) Run(ctx context.Context, id string) (*record.Run, error) {
	var r record.Run
	return &r, c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &r)
}

func (c *apiClient) Runs(ctx context.Context) ([]record.Summary, error) {
	var out []record.Summary
	return out, c.do(ctx, http.MethodGet, "/api/v1/runs", nil, &out)
}

func (c *apiClient) Health(ctx context.Context) (*handlers.HealthResponse, error) {
	var h handlers.HealthResponse
	return &h, c.do(ctx, http.MethodGet, "/health", nil, &h)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e handlers.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: unexpected status code: %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
