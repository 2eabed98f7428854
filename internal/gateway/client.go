package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/store"
)

const defaultTimeout = 15 * time.Second

// Client is the HTTP command gateway. All methods return ErrNotFound,
// *ValidationError, or *TransportError on failure; a failed StartRun leaves
// the caller's view of run state untouched because no run record is returned.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// Option customizes the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAPIKey attaches an X-API-Key header to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New builds a gateway client for the backend at baseURL.
func New(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConfigs fetches configs, optionally filtered by scenario.
func (c *Client) ListConfigs(ctx context.Context, scenarioID string, limit, offset int) ([]run.Config, error) {
	q := url.Values{}
	if scenarioID != "" {
		q.Set("scenario_id", scenarioID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []run.Config
	if err := c.do(ctx, http.MethodGet, "/v1/configs", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConfig registers a new test config and returns the stored record.
func (c *Client) CreateConfig(ctx context.Context, cfg run.Config) (run.Config, error) {
	var out run.Config
	if err := c.do(ctx, http.MethodPost, "/v1/configs", nil, cfg, &out); err != nil {
		return run.Config{}, err
	}
	return out, nil
}

// UpdateConfig applies a partial update to an existing config.
func (c *Client) UpdateConfig(ctx context.Context, id string, upd store.ConfigUpdate) (run.Config, error) {
	var out run.Config
	if err := c.do(ctx, http.MethodPatch, "/v1/configs/"+url.PathEscape(id), nil, upd, &out); err != nil {
		return run.Config{}, err
	}
	return out, nil
}

// DeleteConfig removes a config.
func (c *Client) DeleteConfig(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/configs/"+url.PathEscape(id), nil, nil, nil)
}

// ListRuns fetches a config's run history, newest first.
func (c *Client) ListRuns(ctx context.Context, configID string, limit, offset int) ([]run.Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []run.Run
	if err := c.do(ctx, http.MethodGet, "/v1/configs/"+url.PathEscape(configID)+"/runs", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRun fetches a single run record.
func (c *Client) GetRun(ctx context.Context, id string) (run.Run, error) {
	var out run.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return run.Run{}, err
	}
	return out, nil
}

// StartRun asks the backend to launch a run of the given config. On any
// failure the zero Run is returned, so consumers keep their previous state.
func (c *Client) StartRun(ctx context.Context, cfg run.Config) (run.Run, error) {
	var out run.Run
	path := "/v1/configs/" + url.PathEscape(cfg.ID) + "/runs"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return run.Run{}, err
	}
	return out, nil
}

// errorBody is the backend's JSON error envelope.
type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(buf)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var envelope errorBody
	_ = json.Unmarshal(payload, &envelope)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusConflict:
		msg := envelope.Error
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		return &ValidationError{Message: msg, Fields: envelope.Fields}
	default:
		c.logger.Warn("gateway request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode))
		return &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
}
