package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"lectureIndex/core"
	"lectureIndex/storage"
)

// MonitoringHandlers 健康检查与运行时统计
type MonitoringHandlers struct {
	store   storage.IndexStore
	cache   *storage.QueryCache
	started time.Time
}

func NewMonitoringHandlers(store storage.IndexStore, cache *storage.QueryCache) *MonitoringHandlers {
	return &MonitoringHandlers{store: store, cache: cache, started: time.Now()}
}

// HealthCheckHandler GET /health. The index store is required, the cache is optional.
func (h *MonitoringHandlers) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	services := map[string]string{"store": "active", "cache": "disabled"}
	status, code := "healthy", http.StatusOK

	if _, err := h.store.ListVideos(ctx, "__health__"); err != nil {
		services["store"] = "error: " + err.Error()
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	if h.cache != nil {
		services["cache"] = "active"
		if err := h.cache.Ping(ctx); err != nil {
			services["cache"] = "error: " + err.Error()
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	core.WriteJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"services":  services,
	})
}

// StatsHandler GET /stats 运行时统计
func (h *MonitoringHandlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	core.WriteJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"memory": map[string]uint64{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"num_gc":         uint64(m.NumGC),
		},
	})
}
