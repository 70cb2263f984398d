package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPExecutor is a built-in executor that performs an HTTP request from a
// Task node's resolved config: {url, method, headers, body}. It is the
// reference implementation of the Executor contract (§6) registered in the
// local scope by default.
type HTTPExecutor struct {
	Client *http.Client
}

// NewHTTPExecutor creates an HTTP executor with a bounded default timeout;
// per-task timeoutMs (§4.5) is additionally enforced by the engine's
// interpreter via ctx.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPExecutor) Name() string { return "http" }

func (e *HTTPExecutor) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	start := time.Now()

	url, _ := ec.Config["url"].(string)
	if url == "" {
		return nil, &TaskError{Message: "http executor requires config.url", Retryable: false, Code: "INVALID_CONFIG"}
	}
	method, _ := ec.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if text, ok := ec.Config["body"].(string); ok && text != "" {
		body = strings.NewReader(text)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &TaskError{Message: fmt.Sprintf("failed to build request: %v", err), Retryable: false, Code: "REQUEST_ERROR"}
	}

	if headers, ok := ec.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		// Network errors are transient by default; the retry ladder decides
		// whether an attempt remains.
		return nil, &TaskError{Message: fmt.Sprintf("http request failed: %v", err), Retryable: true, Code: "HTTP_ERROR"}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TaskError{Message: fmt.Sprintf("failed to read response body: %v", err), Retryable: true, Code: "RESPONSE_ERROR"}
	}

	metadata := map[string]interface{}{
		"httpStatus":  resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
	}

	if resp.StatusCode >= 500 {
		return nil, &TaskError{
			Message:   fmt.Sprintf("http request failed with status %d", resp.StatusCode),
			Retryable: true,
			Code:      fmt.Sprintf("HTTP_%d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return nil, &TaskError{
			Message:   fmt.Sprintf("http request failed with status %d", resp.StatusCode),
			Retryable: false,
			Code:      fmt.Sprintf("HTTP_%d", resp.StatusCode),
		}
	}

	return &Result{
		Output:    string(respBody),
		Metadata:  metadata,
		StartTime: start,
		EndTime:   time.Now(),
	}, nil
}

func (e *HTTPExecutor) HealthCheck(ctx context.Context) (*Health, error) {
	return &Health{Healthy: true}, nil
}
