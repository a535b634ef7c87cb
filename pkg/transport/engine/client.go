// Package engine implements the transport contract against the workflow
// engine's public REST API.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// APIKeyHeader carries the engine API key.
	APIKeyHeader = "X-N8N-API-KEY"

	defaultTimeout  = 30 * time.Second
	apiPrefix       = "/api/v1"
	maxErrorBodyLen = 512
)

// Client talks to the engine. It never retries: a repeated deploy is the
// caller's decision.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates an engine client for baseURL.
func NewClient(logger *slog.Logger, baseURL, apiKey string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid engine url %q", baseURL)
	}

	client := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
		logger: logger.With("module", "engine_transport"),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// workflowPayload is the body accepted by the engine's update endpoint; it
// rejects read-only fields such as id and active.
type workflowPayload struct {
	Name        string             `json:"name"`
	Nodes       []models.Node      `json:"nodes"`
	Connections models.Connections `json:"connections"`
	Settings    map[string]any     `json:"settings"`
}

type workflowList struct {
	Data       []models.WorkflowSummary `json:"data"`
	NextCursor string                   `json:"nextCursor"`
}

type executionWire struct {
	ID         json.Number            `json:"id"`
	WorkflowID string                 `json:"workflowId"`
	Status     models.ExecutionStatus `json:"status"`
	Mode       string                 `json:"mode"`
	StartedAt  time.Time              `json:"startedAt"`
	StoppedAt  *time.Time             `json:"stoppedAt"`
	Finished   bool                   `json:"finished"`
}

type executionList struct {
	Data       []executionWire `json:"data"`
	NextCursor string          `json:"nextCursor"`
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var definition models.WorkflowDefinition

	err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id), nil, &definition)
	if err != nil {
		return nil, err
	}

	return &definition, nil
}

func (c *Client) UpdateWorkflow(ctx context.Context, id string, definition *models.WorkflowDefinition) error {
	settings := definition.Settings
	if settings == nil {
		settings = map[string]any{}
	}

	connections := definition.Connections
	if connections == nil {
		connections = models.Connections{}
	}

	payload := workflowPayload{
		Name:        definition.Name,
		Nodes:       definition.Nodes,
		Connections: connections,
		Settings:    settings,
	}

	return c.do(ctx, http.MethodPut, "/workflows/"+url.PathEscape(id), payload, nil)
}

func (c *Client) ActivateWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/activate", nil, nil)
}

func (c *Client) DeactivateWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/deactivate", nil, nil)
}

func (c *Client) ListWorkflows(ctx context.Context) ([]models.WorkflowSummary, error) {
	workflows := make([]models.WorkflowSummary, 0)
	cursor := ""

	for {
		query := url.Values{}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var page workflowList

		err := c.do(ctx, http.MethodGet, "/workflows?"+query.Encode(), nil, &page)
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, page.Data...)

		if page.NextCursor == "" {
			return workflows, nil
		}

		cursor = page.NextCursor
	}
}

func (c *Client) ListExecutions(ctx context.Context, filter transport.ExecutionFilter) ([]models.Execution, error) {
	query := url.Values{}
	if filter.WorkflowID != "" {
		query.Set("workflowId", filter.WorkflowID)
	}

	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}

	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	var page executionList

	err := c.do(ctx, http.MethodGet, "/executions?"+query.Encode(), nil, &page)
	if err != nil {
		return nil, err
	}

	executions := make([]models.Execution, 0, len(page.Data))
	for _, wire := range page.Data {
		executions = append(executions, models.Execution{
			ID:         wire.ID.String(),
			WorkflowID: wire.WorkflowID,
			Status:     wire.Status,
			Mode:       wire.Mode,
			StartedAt:  wire.StartedAt,
			StoppedAt:  wire.StoppedAt,
		})
	}

	return executions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set(APIKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "Engine request failed", "method", method, "path", path, "error", err)

		return fmt.Errorf("%w: %s %s: %w", transport.ErrEngineUnavailable, method, path, err)
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			c.logger.ErrorContext(ctx, "Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(resp, method, path)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}

	return nil
}

func (c *Client) statusError(resp *http.Response, method, path string) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	message := fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", transport.ErrWorkflowNotFound, message)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", transport.ErrEngineUnavailable, message)
	default:
		return errors.New(message)
	}
}
