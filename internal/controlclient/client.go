// Package controlclient is the HTTP client of the batch classification
// control endpoint, used by the ctl commands and external schedulers.
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openomy/issue-analysis/internal/domain/model"
)

// Sentinel errors matched by APIError.Unwrap.
var (
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

// APIError is a non-2xx response of the control server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code to a sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrBadRequest
	}
	return nil
}

// StartResponse is the body returned by the start action.
type StartResponse struct {
	Message                string `json:"message"`
	RunID                  string `json:"runId"`
	TotalCount             int    `json:"totalCount"`
	QueueLength            int    `json:"queueLength"`
	OriginalTotalCount     int    `json:"originalTotalCount"`
	AlreadyClassifiedCount int    `json:"alreadyClassifiedCount"`
	Concurrency            int    `json:"concurrency"`
}

// StatusResponse is the body returned by the status action. Message is only
// set when no run exists.
type StatusResponse struct {
	model.RunStatus
	RemainingCount int    `json:"remainingCount"`
	Message        string `json:"message,omitempty"`
}

// ControlResponse is the body returned by cancel, pause, resume and retry.
type ControlResponse struct {
	Message        string         `json:"message"`
	Action         model.Action   `json:"action"`
	State          model.RunState `json:"status"`
	TotalCount     int            `json:"totalCount"`
	ProcessedCount int            `json:"processedCount"`
	SuccessCount   int            `json:"successCount"`
	ErrorCount     int            `json:"errorCount"`
	RemainingCount int            `json:"remainingCount"`
	RetriedCount   int            `json:"retriedCount"`
}

// DedupeResponse is the body returned by the dedupe endpoint.
type DedupeResponse struct {
	Message   string `json:"message"`
	Removed   int    `json:"removed"`
	Malformed int    `json:"malformed,omitempty"`
	Remaining int    `json:"remaining"`
}

// Repo is a watched repository as returned by the repos endpoints.
type Repo struct {
	FullName string `json:"full_name"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	AddedAt  string `json:"added_at"`
}

// Client talks to one control server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the server at baseURL. A nil httpClient uses a
// client with a 60s timeout; start can take a while on large repositories.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type commandRequest struct {
	RunKey string `json:"runKey"`
	Action string `json:"action"`
}

// Start starts a run for runKey.
func (c *Client) Start(ctx context.Context, runKey string) (*StartResponse, error) {
	var resp StartResponse
	if err := c.post(ctx, "/api/v1/batch-classification", commandRequest{RunKey: runKey, Action: string(model.ActionStart)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the reconciled status of the run of runKey.
func (c *Client) Status(ctx context.Context, runKey string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.post(ctx, "/api/v1/batch-classification", commandRequest{RunKey: runKey, Action: string(model.ActionStatus)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Control sends cancel, pause, resume or retry.
func (c *Client) Control(ctx context.Context, runKey string, action model.Action) (*ControlResponse, error) {
	var resp ControlResponse
	if err := c.post(ctx, "/api/v1/batch-classification", commandRequest{RunKey: runKey, Action: string(action)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dedupe removes repeated items from the queue of runKey.
func (c *Client) Dedupe(ctx context.Context, runKey string) (*DedupeResponse, error) {
	var resp DedupeResponse
	if err := c.post(ctx, "/api/v1/batch-classification/dedupe", map[string]string{"runKey": runKey}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRepos returns the repositories the scheduler starts runs for.
func (c *Client) ListRepos(ctx context.Context) ([]Repo, error) {
	var repos []Repo
	if err := c.do(ctx, http.MethodGet, "/api/v1/repos", nil, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// GetRepo returns one watched repository. A repository that is not watched
// yields an error wrapping ErrNotFound.
func (c *Client) GetRepo(ctx context.Context, fullName string) (*Repo, error) {
	var repo Repo
	if err := c.do(ctx, http.MethodGet, "/api/v1/repos/"+fullName, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// AddRepo adds fullName to the watched repositories.
func (c *Client) AddRepo(ctx context.Context, fullName string) (*Repo, error) {
	var repo Repo
	if err := c.post(ctx, "/api/v1/repos", map[string]string{"full_name": fullName}, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// RemoveRepo removes fullName from the watched repositories.
func (c *Client) RemoveRepo(ctx context.Context, fullName string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/repos/"+fullName, nil, nil)
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("building url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
