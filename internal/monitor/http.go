package monitor

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler 监控 HTTP 路由：指标与健康检查
func (pm *PerformanceMonitor) Handler(metricsPath, healthPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, metricsPath, promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{}))
	r.Get(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		body, err := sonic.Marshal(map[string]any{
			"status":             "ok",
			"active_connections": pm.ActiveConnections(),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	return r
}
