package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gzf09/agent-aigateway/internal/storage"
)

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "audit event store not configured"})
		return
	}

	sessionID := chi.URLParam(r, "session_id")
	params := storage.ListEventsParams{
		SessionID: sessionID,
		Page:      queryInt(r, "page", 1),
		PageSize:  queryInt(r, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		params.Kind = &v
	}

	events, total, err := d.Events.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("list events failed", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to list events"})
		return
	}

	items := make([]ChangeEventResp, len(events))
	for i, e := range events {
		items[i] = eventToResp(e)
	}
	writeJSON(w, http.StatusOK, EventListResp{
		Items:    items,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

func eventToResp(e *storage.ChangeEvent) ChangeEventResp {
	return ChangeEventResp{
		EventID:       e.EventID,
		Timestamp:     e.Timestamp,
		OperatorID:    e.OperatorID,
		Kind:          e.Kind,
		ToolName:      e.ToolName,
		ResourceType:  e.ResourceType,
		ResourceName:  e.ResourceName,
		VersionID:     e.VersionID,
		RiskLevel:     e.RiskLevel,
		Success:       e.Success,
		Detail:        e.Detail,
		ArgumentsJSON: e.ArgumentsJSON,
		Warnings:      e.Warnings,
		LatencyMs:     e.LatencyMs,
	}
}
