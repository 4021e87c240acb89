package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weftlabs/weft/engine/executor"
)

const defaultUserAgent = "weft/1.0"

// httpHandler performs an outbound request and returns
// {statusCode, body, headers, latency, url, method}. Responses with status
// >= 400 are handler errors carrying the status for the retry classifier;
// transient statuses are retried here with exponential backoff, never by
// the scheduler.
//
// Config: {url, method?, headers?, body?, maxRetries?, retryDelayMs?}.
// Integration nodes share this handler; their connection fields resolve
// into the same url/headers shape.
func httpHandler(deps Deps) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
		target, _ := in.Config["url"].(string)
		if target == "" {
			return nil, fmt.Errorf("http node %q: missing url", in.Node.ID)
		}
		if err := deps.Guard.Check(target); err != nil {
			return nil, fmt.Errorf("http node %q: %w", in.Node.ID, err)
		}

		method, _ := in.Config["method"].(string)
		if method == "" {
			method = http.MethodGet
		}

		body, err := requestBody(in.Config["body"])
		if err != nil {
			return nil, fmt.Errorf("http node %q: %w", in.Node.ID, err)
		}

		maxAttempts := 3
		if n, ok := asCount(in.Config["maxRetries"]); ok && n > 0 {
			maxAttempts = n
		}
		baseDelay := 500 * time.Millisecond
		if ms, ok := asCount(in.Config["retryDelayMs"]); ok && ms > 0 {
			baseDelay = time.Duration(ms) * time.Millisecond
		}

		var out map[string]interface{}
		err = executor.Retry(ctx, maxAttempts, baseDelay, func() error {
			req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", defaultUserAgent)
			if hdrs, ok := in.Config["headers"].(map[string]interface{}); ok {
				for k, v := range hdrs {
					req.Header.Set(k, fmt.Sprintf("%v", v))
				}
			}

			start := time.Now()
			resp, err := deps.HTTPClient.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			latency := time.Since(start).Milliseconds()

			if resp.StatusCode >= 400 {
				return &executor.ExternalError{
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("%s %s returned %d: %s", method, target, resp.StatusCode, truncate(respBody, 200)),
				}
			}

			out = map[string]interface{}{
				"statusCode": resp.StatusCode,
				"body":       parseBody(respBody),
				"headers":    flattenHeader(resp.Header),
				"latency":    latency,
				"url":        target,
				"method":     method,
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("http node %q: %w", in.Node.ID, err)
		}
		return out, nil
	})
}

// requestBody serialises the configured body: strings pass through,
// anything else is marshalled as JSON.
func requestBody(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		return data, nil
	}
}

// parseBody decodes JSON responses; anything else stays a string
func parseBody(raw []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// flattenHeader keeps the first value per header, which is what config
// interpolation paths expect
func flattenHeader(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
