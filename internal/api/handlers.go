package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gzf09/agent-aigateway/internal/changelog"
	"github.com/gzf09/agent-aigateway/internal/safety"
)

const maxTimelineLimit = 500

func (d *Dependencies) handleTimeline(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	limit := queryInt(r, "limit", 0)
	if limit < 0 {
		limit = 0
	}
	if limit > maxTimelineLimit {
		limit = maxTimelineLimit
	}

	entries, err := d.Orchestrator.Timeline(r.Context(), sessionID, limit)
	if err != nil {
		d.Logger.Error("timeline failed", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to read timeline"})
		return
	}
	current, err := d.Orchestrator.CurrentVersion(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("current version failed", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to read current version"})
		return
	}
	if entries == nil {
		entries = []*changelog.Entry{}
	}
	writeJSON(w, http.StatusOK, TimelineResp{SessionID: sessionID, CurrentVersion: current, Entries: entries})
}

func (d *Dependencies) handleVersion(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	current, err := d.Orchestrator.CurrentVersion(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("current version failed", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to read current version"})
		return
	}
	writeJSON(w, http.StatusOK, VersionResp{SessionID: sessionID, CurrentVersion: current})
}

func (d *Dependencies) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ToolListResp{Tools: d.Orchestrator.Catalog().List()})
}

func (d *Dependencies) handleListProviders(w http.ResponseWriter, r *http.Request) {
	d.listResources(w, r, "list-ai-providers")
}

func (d *Dependencies) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	d.listResources(w, r, "list-ai-routes")
}

// listResources proxies a gateway list tool. Provider tokens are masked.
func (d *Dependencies) listResources(w http.ResponseWriter, r *http.Request, tool string) {
	res := d.Client.Invoke(r.Context(), tool, map[string]any{})
	if !res.Success {
		d.Logger.Warn("gateway list failed", zap.String("tool_name", tool), zap.String("error", res.Error))
		writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: res.Error})
		return
	}
	items := make([]map[string]any, 0)
	for _, item := range res.Resources() {
		items = append(items, safety.RedactArgs(item))
	}
	writeJSON(w, http.StatusOK, ResourceListResp{Items: items, Total: len(items)})
}
