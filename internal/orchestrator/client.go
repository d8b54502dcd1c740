package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// maxResponseBytes bounds a stage response held in memory and in the report.
const maxResponseBytes = 64 << 20

// StageClient invokes one stage for a domain and returns its decoded
// response. Any error marks the stage failed.
type StageClient interface {
	Invoke(ctx context.Context, stage config.StageConfig, domain string) (map[string]any, error)
}

// StageFunc adapts a function to StageClient.
type StageFunc func(ctx context.Context, stage config.StageConfig, domain string) (map[string]any, error)

func (f StageFunc) Invoke(ctx context.Context, stage config.StageConfig, domain string) (map[string]any, error) {
	return f(ctx, stage, domain)
}

// HTTPStageClient posts {"domain": ...} to each stage service.
type HTTPStageClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewHTTPStageClient(httpClient *http.Client, baseURL string) *HTTPStageClient {
	if httpClient == nil {
		// stage calls can legitimately run for a long time; the
		// per-stage context deadline bounds them instead
		httpClient = &http.Client{}
	}
	return &HTTPStageClient{http: httpClient, baseURL: baseURL}
}

// WithAPIKey sends key as a Bearer token on every stage call.
func (c *HTTPStageClient) WithAPIKey(key string) *HTTPStageClient {
	c.apiKey = key
	return c
}

func (c *HTTPStageClient) Invoke(ctx context.Context, stage config.StageConfig, domain string) (map[string]any, error) {
	body, err := json.Marshal(map[string]string{"domain": domain})
	if err != nil {
		return nil, err
	}

	endpoint := stage.URL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.Validation(stage.Name, fmt.Sprintf("bad stage url %q: %v", endpoint, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.SourceUnavailable("POST "+endpoint, err)
	}
	defer httpclient.CloseBody(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, types.SourceUnavailable("read "+endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stage %s returned status %d: %s", stage.Name, resp.StatusCode, errorDetail(data))
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, types.MalformedArtifact(stage.Name+" response", err)
	}
	if payload == nil {
		return nil, types.MalformedArtifact(stage.Name+" response", fmt.Errorf("expected a JSON object"))
	}
	return payload, nil
}

// errorDetail prefers the {"error": ...} field of a failed response and
// falls back to a trimmed body.
func errorDetail(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
