package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gzf09/agent-aigateway/internal/auth"
	"github.com/gzf09/agent-aigateway/internal/changelog"
	"github.com/gzf09/agent-aigateway/internal/metrics"
	"github.com/gzf09/agent-aigateway/internal/orchestrator"
	"github.com/gzf09/agent-aigateway/internal/plan"
	"github.com/gzf09/agent-aigateway/internal/resource"
	"github.com/gzf09/agent-aigateway/internal/storage"
)

const testKey = "agw_api_test_key_0123"

type failingClient struct{}

func (failingClient) Invoke(context.Context, string, map[string]any) resource.Result {
	return resource.Result{Success: false, Error: "HTTP 503: console down"}
}

func setupRouter(t *testing.T, client resource.Client) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	reg := prometheus.NewRegistry()
	writer := storage.NewMemoryWriter()
	orch := orchestrator.New(orchestrator.Config{
		Client:    client,
		Changelog: changelog.NewManager(changelog.NewMemoryStore(), zap.NewNop()),
		Writer:    writer,
		Metrics:   metrics.New(reg),
		Logger:    zap.NewNop(),
	})
	return NewRouter(&Dependencies{
		Orchestrator: orch,
		Client:       client,
		Events:       writer,
		Gatherer:     reg,
		Logger:       zap.NewNop(),
	}), orch
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return getWithAuth(t, h, path, "Bearer "+testKey)
}

func getWithAuth(t *testing.T, h http.Handler, path, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type unavailableAuth struct{}

func (unavailableAuth) Authenticate(context.Context, string) (*auth.Operator, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func addProvider(t *testing.T, orch *orchestrator.Orchestrator, session, name string) {
	t.Helper()
	ctx := context.Background()
	turn, err := orch.Submit(ctx, session, []plan.Call{{ToolName: "add-ai-provider", Args: map[string]any{
		"name": name, "type": "openai", "tokens": []any{"sk-abcdefghijklmnop"},
	}}})
	require.NoError(t, err)
	require.Nil(t, turn.Err())
	turn, err = orch.Confirm(ctx, session, "")
	require.NoError(t, err)
	require.True(t, turn.Batch.Success)
}

func TestHealthz(t *testing.T) {
	h, _ := setupRouter(t, resource.NewMemoryClient())
	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflight(t *testing.T) {
	h, _ := setupRouter(t, resource.NewMemoryClient())
	req := httptest.NewRequest(http.MethodOptions, "/api/tools", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTimelineAndVersion(t *testing.T) {
	h, orch := setupRouter(t, resource.NewMemoryClient())
	addProvider(t, orch, "s1", "p1")
	addProvider(t, orch, "s1", "p2")

	rec := get(t, h, "/api/sessions/s1/timeline?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var tl TimelineResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tl))
	require.Equal(t, int64(2), tl.CurrentVersion)
	require.Len(t, tl.Entries, 1)
	require.Equal(t, "p2", tl.Entries[0].ResourceName)

	rec = get(t, h, "/api/sessions/s1/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var v VersionResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, VersionResp{SessionID: "s1", CurrentVersion: 2}, v)
}

func TestTimeline_MasksTokens(t *testing.T) {
	ctx := context.Background()
	client := resource.NewMemoryClient()
	h, orch := setupRouter(t, client)
	addProvider(t, orch, "s1", "p1")

	_, err := orch.Submit(ctx, "s1", []plan.Call{{ToolName: "update-ai-provider", Args: map[string]any{
		"name": "p1", "tokens": []any{"sk-rotatedrotated9"},
	}}})
	require.NoError(t, err)
	turn, err := orch.Confirm(ctx, "s1", "")
	require.NoError(t, err)
	require.True(t, turn.Batch.Success)

	rec := get(t, h, "/api/sessions/s1/timeline")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.NotContains(t, body, "sk-abcdefghijklmnop")
	require.NotContains(t, body, "sk-rotatedrotated9")

	var tl TimelineResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tl))
	require.Len(t, tl.Entries, 2)
	require.Equal(t, []any{"sk-•••ed9"}, tl.Entries[0].AfterState["tokens"])
	require.Equal(t, []any{"sk-•••nop"}, tl.Entries[0].BeforeState["tokens"])

	// Rollback still restores the real key from the stored entry.
	turn, err = orch.RollbackLast(ctx, "s1")
	require.NoError(t, err)
	require.True(t, turn.Rollback.Success)
	got, _, ok := resource.Get(ctx, client, plan.ResourceProvider, "p1")
	require.True(t, ok)
	require.Equal(t, []any{"sk-abcdefghijklmnop"}, got["tokens"])
}

func TestAPI_RequiresAPIKey(t *testing.T) {
	h, orch := setupRouter(t, resource.NewMemoryClient())
	addProvider(t, orch, "s1", "p1")

	for _, path := range []string{"/api/sessions/s1/timeline", "/api/providers", "/api/tools"} {
		rec := getWithAuth(t, h, path, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		require.NotContains(t, rec.Body.String(), "sk-abcdefghijklmnop")

		rec = getWithAuth(t, h, path, "Bearer not-an-agw-key")
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := getWithAuth(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestAPI_AuthBackendUnavailable(t *testing.T) {
	h := NewRouter(&Dependencies{Client: resource.NewMemoryClient(), Auth: unavailableAuth{}})
	rec := get(t, h, "/api/tools")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTimeline_EmptySession(t *testing.T) {
	h, _ := setupRouter(t, resource.NewMemoryClient())
	rec := get(t, h, "/api/sessions/nobody/timeline")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"sessionId":"nobody","currentVersion":0,"entries":[]}`, rec.Body.String())
}

func TestListProviders_MasksTokens(t *testing.T) {
	h, orch := setupRouter(t, resource.NewMemoryClient())
	addProvider(t, orch, "s1", "p1")

	rec := get(t, h, "/api/providers")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "sk-abcdefghijklmnop")

	var out ResourceListResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Total)
	require.Equal(t, "p1", out.Items[0]["name"])
	require.Equal(t, []any{"sk-•••nop"}, out.Items[0]["tokens"])
}

func TestListRoutes_Empty(t *testing.T) {
	h, _ := setupRouter(t, resource.NewMemoryClient())
	rec := get(t, h, "/api/routes")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"items":[],"total":0}`, rec.Body.String())
}

func TestListProviders_GatewayFailure(t *testing.T) {
	h, _ := setupRouter(t, failingClient{})
	rec := get(t, h, "/api/providers")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "console down")
}

func TestListTools(t *testing.T) {
	h, _ := setupRouter(t, resource.NewMemoryClient())
	rec := get(t, h, "/api/tools")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Tools, 10)
}

func TestMetricsEndpoint(t *testing.T) {
	h, orch := setupRouter(t, resource.NewMemoryClient())
	addProvider(t, orch, "s1", "p1")

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "agent_changelog_appends_total 1"), body)
}

func TestListEvents(t *testing.T) {
	h, orch := setupRouter(t, resource.NewMemoryClient())
	addProvider(t, orch, "s1", "p1")

	rec := get(t, h, "/api/sessions/s1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "sk-abcdefghijklmnop")

	var out EventListResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 2, out.Total)
	require.Equal(t, 1, out.Page)

	rec = get(t, h, "/api/sessions/s1/events?kind=executed")
	require.Equal(t, http.StatusOK, rec.Code)
	out = EventListResp{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Total)
	require.Equal(t, storage.KindExecuted, out.Items[0].Kind)
	require.Equal(t, int64(1), out.Items[0].VersionID)
	require.True(t, out.Items[0].Success)
}

func TestListEvents_NotConfigured(t *testing.T) {
	h := NewRouter(&Dependencies{Client: resource.NewMemoryClient()})
	rec := get(t, h, "/api/sessions/s1/events")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
