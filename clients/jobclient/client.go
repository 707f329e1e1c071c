// Package jobclient is a client for the job-execution service that runs
// scripts on database hosts.
//
// Example usage:
//
//	client, err := jobclient.New(jobclient.Config{BaseURL: "https://jobs.example.com", AppCode: "dbflow"})
//	id, err := client.Submit(ctx, jobclient.SubmitRequest{Targets: targets, Script: script})
//	status, err := client.Status(ctx, id)
package jobclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second

	headerAppCode   = "X-App-Code"
	headerAppSecret = "X-App-Secret"
)

// Service is what the job runtime needs from a job-execution backend.
type Service interface {
	// Submit starts a job and returns its instance id.
	Submit(ctx context.Context, req SubmitRequest) (int64, error)
	// Status returns the current state of a job.
	Status(ctx context.Context, jobID int64) (*JobStatus, error)
	// HostLog returns the raw output of one host of one step.
	HostLog(ctx context.Context, jobID, stepID int64, target Target) (string, error)
}

// Config configures a Client.
type Config struct {
	BaseURL   string `yaml:"base_url"`
	AppCode   string `yaml:"app_code"`
	AppSecret string `yaml:"app_secret"`
	// Token is sent as a bearer token when set.
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Body)
}

// Client talks to the job-execution service over HTTP.
type Client struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client
}

var _ Service = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type submitBody struct {
	Targets []Target `json:"targets"`
	Script  string   `json:"script"`
	Account string   `json:"account"`
	Timeout int      `json:"timeout"`
}

type submitResponse struct {
	JobInstanceID int64 `json:"job_instance_id"`
}

// Submit starts a job.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (int64, error) {
	if len(req.Targets) == 0 {
		return 0, fmt.Errorf("job has no targets")
	}
	body := submitBody{
		Targets: req.Targets,
		Script:  base64.StdEncoding.EncodeToString([]byte(req.Script)),
		Account: req.Account,
		Timeout: req.TimeoutSeconds,
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", body, &resp); err != nil {
		return 0, err
	}
	if resp.JobInstanceID == 0 {
		return 0, fmt.Errorf("service returned no job instance id")
	}
	return resp.JobInstanceID, nil
}

// Status fetches the state of a job.
func (c *Client) Status(ctx context.Context, jobID int64) (*JobStatus, error) {
	var status JobStatus
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", jobID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type logResponse struct {
	Log string `json:"log"`
}

// HostLog fetches the raw output of one host.
func (c *Client) HostLog(ctx context.Context, jobID, stepID int64, target Target) (string, error) {
	path := fmt.Sprintf("/api/v1/jobs/%d/steps/%d/hosts/%s/log", jobID, stepID, url.PathEscape(target.Key()))
	var resp logResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Log, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.AppCode != "" {
		req.Header.Set(headerAppCode, c.cfg.AppCode)
	}
	if c.cfg.AppSecret != "" {
		req.Header.Set(headerAppSecret, c.cfg.AppSecret)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
