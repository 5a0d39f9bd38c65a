package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shutter/internal/common"
	"github.com/ternarybob/shutter/internal/interfaces"
	"github.com/ternarybob/shutter/internal/services/metrics"
)

// CacheHandler exposes result-cache inspection and invalidation.
type CacheHandler struct {
	cache  interfaces.ResultCache
	logger arbor.ILogger
}

func NewCacheHandler(cache interfaces.ResultCache, logger arbor.ILogger) *CacheHandler {
	return &CacheHandler{cache: cache, logger: logger}
}

// Invalidate handles POST /api/cache/invalidate?url=. An empty url clears
// the whole cache.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	url := r.URL.Query().Get("url")
	removed := h.cache.Invalidate(url)
	h.logger.Info().Str("url", url).Int("removed", removed).Msg("Result cache invalidated")
	WriteJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// Stats handles GET /api/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.cache.Stats())
}

// MetricsHandler exposes the observability collector.
type MetricsHandler struct {
	collector *metrics.Collector
}

func NewMetricsHandler(collector *metrics.Collector) *MetricsHandler {
	return &MetricsHandler{collector: collector}
}

// Metrics handles GET /api/metrics.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.collector.Metrics())
}

// TimeSeries handles GET /api/timeseries?type=&name=&start=&end= with
// RFC 3339 bounds.
func (h *MetricsHandler) TimeSeries(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	metricType := q.Get("type")
	name := q.Get("name")
	if metricType == "" || name == "" {
		WriteError(w, common.ValidationError("type and name are required"))
		return
	}

	var start, end time.Time
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			WriteError(w, common.NewServiceError(common.ErrValidation, "start must be RFC 3339", err))
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			WriteError(w, common.NewServiceError(common.ErrValidation, "end must be RFC 3339", err))
			return
		}
	}

	points := h.collector.TimeSeries(metricType, name, start, end)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"type":   metricType,
		"name":   name,
		"points": points,
	})
}

// StatusHandler exposes aggregate component status.
type StatusHandler struct {
	status func() map[string]interface{}
}

func NewStatusHandler(status func() map[string]interface{}) *StatusHandler {
	return &StatusHandler{status: status}
}

// Status handles GET /api/status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.status())
}

// Healthz is a liveness check.
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": common.GetVersion(),
	})
}
