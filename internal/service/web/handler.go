package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/shared/config"
	"github.com/cheaterpersian-web/Apex/internal/shared/globalstate"
	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/settings"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// MonitorController defines what the web handler needs from the AppServer.
// This decouples the web package from the app package.
type MonitorController interface {
	Dashboard() []types.DashboardEntry
	ListProtocols() []*types.ProtocolDescriptor
	AddProtocols(ctx context.Context, descs []*types.ProtocolDescriptor) error
	RemoveProtocol(ctx context.Context, id string) error
	RunAll(ctx context.Context) ([]types.ProbeResult, error)
	RunOne(ctx context.Context, id string) (types.ProbeResult, error)
	Subscribers() []types.Subscriber
	Subscribe(ctx context.Context, userID int64) (bool, error)
	Unsubscribe(ctx context.Context, userID int64) (bool, error)
	Regions() map[string]map[string]types.ProbeResult
	IngestReport(ctx context.Context, report types.RegionReport) error
}

type Handler struct {
	settingsManager *settings.SettingsManager
	controller      MonitorController
}

func NewHandler(settingsManager *settings.SettingsManager, controller MonitorController) *Handler {
	return &Handler{
		settingsManager: settingsManager,
		controller:      controller,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrConfigInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrPortConflict), errors.Is(err, types.ErrProbeInFlight):
		status = http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(types.KindOf(err, ""))})
}

// HandleHealth 处理 GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "engine": globalstate.GlobalStatus.Get()}
	if id, at, ok := globalstate.GlobalStatus.LastCycle(); ok {
		resp["last_cycle"] = id
		resp["last_cycle_at"] = at.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus 处理 GET /api/status，返回协议、最近一次结果以及 UDP 的说明
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		GlobalStatus string                 `json:"globalStatus"`
		Protocols    []types.DashboardEntry `json:"protocols"`
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		GlobalStatus: globalstate.GlobalStatus.Get(),
		Protocols:    h.controller.Dashboard(),
	})
}

// HandleListProtocols 处理 GET /api/protocols
func (h *Handler) HandleListProtocols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.ListProtocols())
}

// HandleAddProtocols 处理 POST /api/protocols，接受单个对象或数组
func (h *Handler) HandleAddProtocols(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	descs, err := config.DecodeProtocols(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.controller.AddProtocols(r.Context(), descs); err != nil {
		logger.Warn().Err(err).Msg("[Handler] Rejected protocol descriptors.")
		writeError(w, err)
		return
	}
	ids := make([]string, 0, len(descs))
	for _, d := range descs {
		ids = append(ids, d.ID)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"added": ids})
}

// HandleRemoveProtocol 处理 DELETE /api/protocols/{id}
func (h *Handler) HandleRemoveProtocol(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.controller.RemoveProtocol(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRefreshAll 处理 POST /api/refresh
func (h *Handler) HandleRefreshAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.controller.RunAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// HandleRefreshOne 处理 POST /api/refresh/{id}
func (h *Handler) HandleRefreshOne(w http.ResponseWriter, r *http.Request) {
	result, err := h.controller.RunOne(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleListSubscribers 处理 GET /api/subscribers
func (h *Handler) HandleListSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Subscribers())
}

// HandleSubscribe 处理 POST /api/subscribers，body: {"user_id": 123}
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "Invalid JSON format, user_id is required", http.StatusBadRequest)
		return
	}
	added, err := h.controller.Subscribe(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"added": added})
}

// HandleUnsubscribe 处理 DELETE /api/subscribers/{id}
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	removed, err := h.controller.Unsubscribe(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// HandleGetSettings 处理 GET /api/settings
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settingsManager.Get())
}

// HandleGetModuleSettings 处理 GET /api/settings/{module}
func (h *Handler) HandleGetModuleSettings(w http.ResponseWriter, r *http.Request) {
	m, err := h.settingsManager.Module(r.PathValue("module"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleUpdateSettings 处理 POST /api/settings/{module}
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	moduleKey := r.PathValue("module")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	// 将更新请求委托给 SettingsManager
	if err := h.settingsManager.Update(moduleKey, body); err != nil {
		if strings.Contains(err.Error(), "unknown settings module") {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else if strings.Contains(err.Error(), "failed to parse JSON") {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated successfully"})
}

// HandleRegions 处理 GET /api/regions
func (h *Handler) HandleRegions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Regions())
}

// HandleReport 处理 POST /api/report，由区域 agent 调用
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	var report types.RegionReport
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&report); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(report.Region) == "" {
		http.Error(w, "region is required", http.StatusBadRequest)
		return
	}
	if err := h.controller.IngestReport(r.Context(), report); err != nil {
		writeError(w, err)
		return
	}
	logger.Info().Str("region", report.Region).Int("results", len(report.Results)).Msg("[Handler] Regional report ingested.")
	writeJSON(w, http.StatusOK, map[string]interface{}{"region": report.Region, "accepted": len(report.Results)})
}
