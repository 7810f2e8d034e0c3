package provider

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

	"github.com/inaiurai/pointsmith/internal/metrics"
)

const maxResponseBytes = 1 << 20

// HTTPClient talks to a provider over its JSON API:
//
//	POST /v1/generate           {kind, input} -> {result_ref, output}
//	POST /v1/operations         {kind, input} -> {operation}
//	GET  /v1/operations/{ref}                 -> {status, result_ref, output, error}
//
// Status is one of running, succeeded or failed.
type HTTPClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(name, baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

var (
	_ Caller        = (*HTTPClient)(nil)
	_ AsyncProvider = (*HTTPClient)(nil)
)

type operationResponse struct {
	Operation string `json:"operation"`
}

type pollResponse struct {
	Status    string          `json:"status"`
	ResultRef string          `json:"result_ref"`
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error"`
}

func (c *HTTPClient) Call(ctx context.Context, req Request) (Result, error) {
	var res Result
	if err := c.do(ctx, "call", http.MethodPost, "/v1/generate", req, &res); err != nil {
		return Result{}, err
	}
	if res.Ref == "" {
		return Result{}, c.permanent("call", 0, errors.New("response has no result_ref"))
	}
	return res, nil
}

func (c *HTTPClient) Start(ctx context.Context, req Request) (string, error) {
	var res operationResponse
	if err := c.do(ctx, "start", http.MethodPost, "/v1/operations", req, &res); err != nil {
		return "", err
	}
	if res.Operation == "" {
		return "", c.permanent("start", 0, errors.New("response has no operation reference"))
	}
	return res.Operation, nil
}

func (c *HTTPClient) Poll(ctx context.Context, ref string) (Status, error) {
	var res pollResponse
	if err := c.do(ctx, "poll", http.MethodGet, "/v1/operations/"+url.PathEscape(ref), nil, &res); err != nil {
		return nil, err
	}
	switch res.Status {
	case "running", "pending", "processing":
		return Pending{}, nil
	case "succeeded":
		if res.ResultRef == "" {
			return nil, c.permanent("poll", 0, errors.New("succeeded without result_ref"))
		}
		return Done{Result: Result{Ref: res.ResultRef, Output: res.Output}}, nil
	case "failed":
		reason := res.Error
		if reason == "" {
			reason = "operation failed"
		}
		return DoneError{Reason: reason}, nil
	default:
		return nil, &Error{Provider: c.name, Op: "poll", Err: fmt.Errorf("%w %q", ErrUnknownStatus, res.Status)}
	}
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return c.permanent(op, 0, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return c.permanent(op, 0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ProviderLatency.WithLabelValues(c.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		return &Error{Provider: c.name, Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Provider: c.name, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout
		return &Error{Provider: c.name, Op: op, StatusCode: resp.StatusCode, Permanent: !transient, Err: errors.New(msg)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.permanent(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *HTTPClient) permanent(op string, status int, err error) error {
	return &Error{Provider: c.name, Op: op, StatusCode: status, Permanent: true, Err: err}
}
