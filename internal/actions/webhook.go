package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/casaops/sopflow/pkg/schema"
)

// WebhookConfig configures the webhook action.
type WebhookConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 4 * 1024 * 1024
	defaultWebhookTimeout  = 30 * time.Second
)

const webhookInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "method": {"type": "string", "default": "POST"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "bearer_token": {"type": "string"},
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

const webhookOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "body": {},
    "duration_ms": {"type": "integer"}
  }
}`

// WebhookAction implements the "webhook" action: a JSON call to an external
// system, e.g. a utility provider or vendor portal.
type WebhookAction struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookAction creates a webhook action.
func NewWebhookAction(cfg WebhookConfig) *WebhookAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	return &WebhookAction{
		config: cfg,
		client: &http.Client{},
	}
}

func (a *WebhookAction) Name() string { return "webhook" }

func (a *WebhookAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Send a JSON webhook to an external system.",
		InputSchema:  json.RawMessage(webhookInputSchema),
		OutputSchema: json.RawMessage(webhookOutputSchema),
	}
}

func (a *WebhookAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid url %q", rawURL)
	}
	return nil
}

func (a *WebhookAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "POST"))
	rawURL := stringParam(params, "url", "")
	failOnErrorStatus := boolParam(params, "fail_on_error_status", true)

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "webhook: body is not JSON-encodable: %s", err.Error()).WithCause(err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook: build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := stringParam(params, "bearer_token", ""); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook: request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook: read response: %s", err.Error()).WithCause(err)
	}

	var parsedBody any
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
			parsedBody = string(bodyBytes)
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsedBody,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook: server returned %d", resp.StatusCode).
			WithDetails(result)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "webhook: marshal output: %s", err.Error()).WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}

// --- param helpers shared by all action files ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}
