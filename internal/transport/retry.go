package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// MaxRetries is the number of extra attempts after the first one fails.
	MaxRetries = 2
	// RetryDelay is the fixed wait between attempts.
	RetryDelay = 1000 * time.Millisecond
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Retrying retries a call only when the underlying Doer returns an error.
// Any HTTP response, whatever its status, is returned to the caller as-is.
type Retrying struct {
	client Doer
	logger *slog.Logger
	delay  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRetrying(client Doer, logger *slog.Logger) *Retrying {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Retrying{
		client: client,
		logger: logger,
		delay:  RetryDelay,
		sleep:  sleepCtx,
	}
}

// SetDelay overrides the wait between attempts.
func (t *Retrying) SetDelay(d time.Duration) {
	t.delay = d
}

// Do performs req with up to MaxRetries retries on network-level failure.
func (t *Retrying) Do(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxRetries+1; attempt++ {
		httpReq, err := build(ctx, req)
		if err != nil {
			return nil, err
		}
		resp, err := t.once(httpReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt > MaxRetries {
			break
		}
		t.logger.Warn("outbound call failed, retrying",
			"attempt", attempt,
			"method", req.Method,
			"url", req.URL,
			"error", err,
		)
		if err := t.sleep(ctx, t.delay); err != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
		}
	}
	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", req.Method, req.URL, MaxRetries+1, lastErr)
}

// build makes a fresh *http.Request for each attempt so the body is resent.
// Its errors are never retried.
func build(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}

func (t *Retrying) once(httpReq *http.Request) (*Response, error) {
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
