package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// HTTPClientConfig configures HTTPClient.
type HTTPClientConfig struct {
	ConsoleURL string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client // optional, overrides Timeout
	Logger     *zap.Logger
}

// HTTPClient calls the Higress console REST API. It logs in once, keeps the
// session cookie and re-logs in on a single 401 before giving up.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger

	mu     sync.Mutex
	cookie string
}

// NewHTTPClient creates a console client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.ConsoleURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     hc,
		logger:   logger,
	}
}

type apiRequest struct {
	method string
	path   string
	body   map[string]any
}

func mapToolToAPI(toolName string, args map[string]any) (apiRequest, bool) {
	op, rt, ok := plan.Classify(toolName)
	if !ok {
		return apiRequest{}, false
	}
	collection := "/v1/ai/providers"
	if rt == plan.ResourceRoute {
		collection = "/v1/ai/routes"
	}
	item := collection + "/" + url.PathEscape(plan.StringArg(args, "name"))

	switch op {
	case plan.OpList:
		return apiRequest{method: http.MethodGet, path: collection}, true
	case plan.OpGet:
		return apiRequest{method: http.MethodGet, path: item}, true
	case plan.OpCreate:
		return apiRequest{method: http.MethodPost, path: collection, body: requestBody(rt, args)}, true
	case plan.OpUpdate:
		return apiRequest{method: http.MethodPut, path: item, body: requestBody(rt, args)}, true
	case plan.OpDelete:
		return apiRequest{method: http.MethodDelete, path: item}, true
	}
	return apiRequest{}, false
}

// requestBody adds the rawConfigs block the console expects for providers
// that carry both a type and tokens.
func requestBody(rt plan.ResourceType, args map[string]any) map[string]any {
	body := plan.Clone(args)
	if rt != plan.ResourceProvider {
		return body
	}
	typ := plan.StringArg(args, "type")
	tokens, hasTokens := args["tokens"]
	if typ == "" || !hasTokens || tokens == nil {
		return body
	}
	id := plan.StringArg(args, "name")
	if id == "" {
		id = typ
	}
	body["rawConfigs"] = map[string]any{
		"type":      typ,
		"apiTokens": body["tokens"],
		"id":        id,
	}
	return body
}

func (c *HTTPClient) Invoke(ctx context.Context, toolName string, args map[string]any) Result {
	req, ok := mapToolToAPI(toolName, args)
	if !ok {
		return failure(fmt.Sprintf("unknown tool: %s", toolName))
	}

	c.ensureSession(ctx)
	status, data, err := c.do(ctx, req)
	if err == nil && status == http.StatusUnauthorized {
		c.mu.Lock()
		c.cookie = ""
		c.mu.Unlock()
		if c.ensureSession(ctx) {
			status, data, err = c.do(ctx, req)
		}
	}
	if err != nil {
		return failure(err.Error())
	}
	if req.method != http.MethodGet {
		c.logger.Info("console write",
			zap.String("method", req.method),
			zap.String("path", req.path),
			zap.Int("status", status),
		)
	}
	if status < 200 || status >= 300 {
		raw, _ := json.Marshal(data)
		return failure(fmt.Sprintf("HTTP %d: %s", status, raw))
	}
	return Result{Success: true, Data: envelope(data)}
}

// envelope normalizes a decoded response body to {"data": ...}.
func envelope(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		if _, has := m["data"]; has {
			return m
		}
		return map[string]any{"data": m}
	}
	if v == nil {
		return map[string]any{}
	}
	return map[string]any{"data": v}
}

func (c *HTTPClient) do(ctx context.Context, ar apiRequest) (int, any, error) {
	var body io.Reader
	if ar.body != nil {
		b, err := json.Marshal(ar.body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, ar.method, c.baseURL+ar.path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var data any
	// Empty or non-JSON bodies decode to nil.
	_ = json.NewDecoder(resp.Body).Decode(&data)
	return resp.StatusCode, data, nil
}

// ensureSession logs in when no cookie is held. It reports whether a
// cookie is available afterwards.
func (c *HTTPClient) ensureSession(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cookie != "" {
		return true
	}
	if c.username == "" {
		return false
	}

	b, _ := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/login", bytes.NewReader(b))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("console login failed", zap.Error(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("console login rejected", zap.Int("status", resp.StatusCode))
		return false
	}
	if sc := resp.Header.Get("Set-Cookie"); sc != "" {
		c.cookie, _, _ = strings.Cut(sc, ";")
	}
	c.logger.Info("console session established")
	return c.cookie != ""
}
