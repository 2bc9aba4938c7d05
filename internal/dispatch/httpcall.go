package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"hookbeat/internal/core"
)

// CallResult is the recorded outcome of one outbound HTTP delivery.
type CallResult struct {
	Status     core.ExecutionStatus // success, failed or timeout
	HTTPStatus *int
	DurationMs int64
	Body       string
	ErrMsg     *string
}

// Caller performs the outbound HTTP call for a task under its configured
// deadline. Response bodies are truncated to maxBody before recording.
type Caller struct {
	client  *http.Client
	maxBody int
}

func NewCaller(maxBody int) *Caller {
	if maxBody < 1 {
		maxBody = 4096
	}
	return &Caller{
		// No client-level timeout: the per-call context carries the hard
		// deadline, and a second timer would race it.
		client:  &http.Client{},
		maxBody: maxBody,
	}
}

// Call delivers the task's HTTP request. The context deadline is the task's
// timeout_ms; on expiry the transport cancels the in-flight request rather
// than abandoning it.
func (c *Caller) Call(ctx context.Context, task *core.Task) CallResult {
	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	var body io.Reader
	if len(task.Body) > 0 {
		body = bytes.NewReader(task.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, task.Method, task.URL, body)
	if err != nil {
		return failure(start, fmt.Sprintf("build request: %v", err))
	}
	for key, value := range task.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			msg := core.ErrDispatchTimeout.Error()
			return CallResult{
				Status:     core.ExecutionStatusTimeout,
				DurationMs: time.Since(start).Milliseconds(),
				ErrMsg:     &msg,
			}
		}
		return failure(start, fmt.Sprintf("%v: %v", core.ErrDispatchNetwork, err))
	}
	defer resp.Body.Close()

	truncated, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(c.maxBody)))
	result := CallResult{
		HTTPStatus: &resp.StatusCode,
		DurationMs: time.Since(start).Milliseconds(),
		Body:       string(truncated),
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		msg := fmt.Sprintf("read response: %v", readErr)
		result.ErrMsg = &msg
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = core.ExecutionStatusSuccess
		return result
	}
	result.Status = core.ExecutionStatusFailed
	if result.ErrMsg == nil {
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		result.ErrMsg = &msg
	}
	return result
}

func failure(start time.Time, msg string) CallResult {
	return CallResult{
		Status:     core.ExecutionStatusFailed,
		DurationMs: time.Since(start).Milliseconds(),
		ErrMsg:     &msg,
	}
}
