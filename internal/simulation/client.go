package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Request is the body posted to the call generator.
type Request struct {
	NumCalls  int    `json:"num_calls"`
	Scenario  string `json:"scenario"`
	TableName string `json:"table_name,omitempty"`
}

// response mirrors the generator's JSON reply. Proxy-style replies wrap it in a
// string "body" field.
type response struct {
	Message        string            `json:"message"`
	TotalRequested int               `json:"total_requested"`
	Successful     int               `json:"successful"`
	Failed         int               `json:"failed"`
	SampleCalls    []json.RawMessage `json:"sample_calls"`
	Errors         []string          `json:"errors"`
	Body           *string           `json:"body"`
}

// Result is a decoded generator reply.
type Result struct {
	Successful int
	Failed     int
	Message    string
	Samples    []json.RawMessage
	Errors     []string
	Elapsed    time.Duration
}

// Client posts simulation requests. It never retries.
type Client struct {
	http   *resty.Client
	url    string
	table  string
	logger *zap.Logger
}

func NewClient(url, table string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: client, url: url, table: table, logger: logger}
}

// Configured reports whether an endpoint URL is set.
func (c *Client) Configured() bool { return c != nil && c.url != "" }

// Trigger asks the generator for numCalls calls of scenario.
func (c *Client) Trigger(ctx context.Context, scenario string, numCalls int) (Result, error) {
	if !c.Configured() {
		return Result{}, fmt.Errorf("simulation endpoint: %w", ErrNotConfigured)
	}
	req := Request{NumCalls: numCalls, Scenario: scenario, TableName: c.table}
	c.logger.Info("calling simulation endpoint",
		zap.String("scenario", scenario),
		zap.Int("num_calls", numCalls),
	)

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.url)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error("simulation endpoint call failed", zap.Error(err))
		return Result{}, fmt.Errorf("call simulation endpoint: %w", err)
	}
	if resp.IsError() {
		c.logger.Error("simulation endpoint returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.ByteString("body", truncate(resp.Body(), 512)),
		)
		return Result{}, fmt.Errorf("simulation endpoint returned HTTP %d", resp.StatusCode())
	}

	decoded, err := decodeResponse(resp.Body())
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Successful: decoded.Successful,
		Failed:     decoded.Failed,
		Message:    decoded.Message,
		Samples:    decoded.SampleCalls,
		Errors:     decoded.Errors,
		Elapsed:    elapsed,
	}
	if res.Samples == nil {
		res.Samples = []json.RawMessage{}
	}
	c.logger.Info("simulation endpoint replied",
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func decodeResponse(body []byte) (response, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return response{}, fmt.Errorf("decode simulation response: %w", err)
	}
	if r.Body != nil {
		var inner response
		if err := json.Unmarshal([]byte(*r.Body), &inner); err != nil {
			return response{}, fmt.Errorf("decode simulation response body: %w", err)
		}
		return inner, nil
	}
	return r, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
