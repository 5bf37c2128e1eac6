package meter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const httpExecutorTimeout = 30 * time.Second

// maxExecutorResponseBytes bounds what is read back from the upstream service
const maxExecutorResponseBytes = 4 << 20

// executorRequest is the body POSTed to the upstream service
type executorRequest struct {
	AccountID     string            `json:"account_id"`
	Fields        map[string]string `json:"fields"`
	Deterministic bool              `json:"deterministic,omitempty"`
}

// executorResponse is what the upstream service answers with
type executorResponse struct {
	Result        json.RawMessage `json:"result"`
	MatchCount    int             `json:"match_count"`
	Deterministic bool            `json:"deterministic"`
}

// HTTPExecutor runs operations on an upstream service: POST <baseURL>/<kind>
type HTTPExecutor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPExecutor creates an executor for the service at baseURL. A non-empty
// apiKey is sent as a Bearer token.
func NewHTTPExecutor(baseURL, apiKey string, timeout time.Duration) (*HTTPExecutor, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("executor base URL is required")
	}
	if timeout <= 0 {
		timeout = httpExecutorTimeout
	}
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Execute implements Executor. Non-2xx answers are errors and never billed.
func (e *HTTPExecutor) Execute(ctx context.Context, accountID string, req *Request) (*Outcome, error) {
	body, err := json.Marshal(executorRequest{
		AccountID:     accountID,
		Fields:        req.Fields,
		Deterministic: req.Deterministic,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/"+url.PathEscape(req.Kind), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxExecutorResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var out executorResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &Outcome{
		Result:        out.Result,
		MatchCount:    out.MatchCount,
		Deterministic: out.Deterministic || req.Deterministic,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
