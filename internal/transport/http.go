// Package transport executes single-node runs against a remote workflow
// backend over HTTP.
package transport

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
	"strings"
	"time"

	"github.com/rendis/steprun/internal/engine"
	"github.com/rendis/steprun/internal/logging"
	"github.com/rendis/steprun/pkg/schema"
)

const (
	defaultTimeout         = 60 * time.Second
	defaultPollInterval    = 2 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	stopNotifyTimeout      = 5 * time.Second
)

// Config configures an HTTPTransport.
type Config struct {
	// Endpoint is the backend base URL. Runs are posted to
	// {Endpoint}/nodes/{node_id}/run.
	Endpoint string
	// Timeout bounds each HTTP attempt, not a whole polling session.
	Timeout time.Duration
	// PollInterval is used when a waiting response omits retry_in.
	PollInterval    time.Duration
	MaxResponseBody int64
	Headers         map[string]string
	Client          *http.Client
	Logger          *slog.Logger
}

// HTTPTransport implements engine.Transport.
type HTTPTransport struct {
	base    *url.URL
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
}

// New validates cfg and creates an HTTPTransport.
func New(cfg Config) (*HTTPTransport, error) {
	u, err := url.ParseRequestURI(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transport: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		base:    u,
		cfg:     cfg,
		client:  client,
		logger:  logger.With(slog.String("component", "transport")),
		sleepFn: sleepCtx,
	}, nil
}

// runBody is the request sent for each attempt.
type runBody struct {
	RunID   string          `json:"run_id"`
	Kind    schema.NodeKind `json:"kind"`
	Payload map[string]any  `json:"payload"`
}

// runResponse is the backend's answer. Status "waiting" asks a trigger node
// to poll again after RetryIn milliseconds.
type runResponse struct {
	Status      string         `json:"status"`
	RetryIn     int64          `json:"retry_in,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	ElapsedMs   int64          `json:"elapsed_ms,omitempty"`
	TotalTokens int64          `json:"total_tokens,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Traces      []schema.Trace `json:"traces,omitempty"`
}

// Execute posts the run and, for trigger nodes, keeps polling while the
// backend reports it is still waiting for the external event. If ctx is
// cancelled the backend is told to stop the run.
func (t *HTTPTransport) Execute(ctx context.Context, req engine.RunRequest) (*schema.RunResult, error) {
	ctx = logging.WithRunID(logging.WithNodeID(ctx, req.NodeID), req.RunID)
	body, err := json.Marshal(runBody{RunID: req.RunID, Kind: req.Kind, Payload: req.Payload})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "marshal run request").WithNode(req.NodeID).WithCause(err)
	}
	endpoint := t.nodeURL(req.NodeID, "run")

	for attempt := 1; ; attempt++ {
		resp, err := t.post(ctx, endpoint, body)
		if err != nil {
			if ctx.Err() != nil {
				t.notifyStop(req)
				return nil, cancelled(req.NodeID, ctx.Err())
			}
			return nil, withNode(err, req.NodeID)
		}

		if !strings.EqualFold(resp.Status, "waiting") {
			return toResult(req, resp), nil
		}
		if !req.Kind.IsTrigger() {
			return nil, schema.NewErrorf(schema.ErrCodeTransport, "backend answered waiting for non-trigger kind %q", req.Kind).
				WithNode(req.NodeID)
		}

		wait := t.cfg.PollInterval
		if resp.RetryIn > 0 {
			wait = time.Duration(resp.RetryIn) * time.Millisecond
		}
		logging.LogWith(ctx, t.logger).Debug("trigger still listening",
			slog.Int("attempt", attempt), slog.Duration("retry_in", wait))
		if err := t.sleepFn(ctx, wait); err != nil {
			t.notifyStop(req)
			return nil, cancelled(req.NodeID, err)
		}
	}
}

func (t *HTTPTransport) post(ctx context.Context, endpoint string, body []byte) (*runResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "request failed: %v", err).WithCause(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, t.cfg.MaxResponseBody+1))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "read response body").WithCause(err)
	}
	if int64(len(raw)) > t.cfg.MaxResponseBody {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "response exceeds %d bytes", t.cfg.MaxResponseBody).
			WithDetails(map[string]any{"status_code": httpResp.StatusCode, "limit": t.cfg.MaxResponseBody})
	}
	if httpResp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "backend returned %d", httpResp.StatusCode).
			WithDetails(map[string]any{"status_code": httpResp.StatusCode, "body": string(raw)})
	}

	var out runResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "decode run response").WithCause(err)
	}
	return &out, nil
}

// notifyStop asks the backend to abandon a run. Failures are only logged.
func (t *HTTPTransport) notifyStop(req engine.RunRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), stopNotifyTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"run_id": req.RunID})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.nodeURL(req.NodeID, "stop"), bytes.NewReader(body))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.logger.Warn("stop notification failed",
			slog.String("node_id", req.NodeID), slog.String("run_id", req.RunID), slog.String("error", err.Error()))
		return
	}
	_ = resp.Body.Close()
}

func (t *HTTPTransport) nodeURL(nodeID, action string) string {
	return t.base.JoinPath("nodes", nodeID, action).String()
}

func toResult(req engine.RunRequest, resp *runResponse) *schema.RunResult {
	res := &schema.RunResult{
		RunID:       req.RunID,
		NodeID:      req.NodeID,
		Inputs:      resp.Inputs,
		Outputs:     resp.Outputs,
		Error:       resp.Error,
		ElapsedMs:   resp.ElapsedMs,
		TotalTokens: resp.TotalTokens,
		CreatedBy:   resp.CreatedBy,
		Traces:      resp.Traces,
		Status:      schema.RunStatusCompleted,
	}
	switch strings.ToLower(resp.Status) {
	case "failed", "error", "exception", "stopped":
		res.Status = schema.RunStatusFailed
		if res.Error == "" {
			res.Error = fmt.Sprintf("run %s", strings.ToLower(resp.Status))
		}
	}
	if res.Error != "" {
		res.Status = schema.RunStatusFailed
	}
	return res
}

func cancelled(nodeID string, cause error) error {
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(nodeID).WithCause(cause)
}

func withNode(err error, nodeID string) error {
	var se *schema.StepError
	if errors.As(err, &se) && se.NodeID == "" {
		se.NodeID = nodeID
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ engine.Transport = (*HTTPTransport)(nil)
