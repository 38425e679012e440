// health.go — обработчики health endpoints.
package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/bigkaa/lanclip/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// FeedStats — состояние ленты для health endpoints.
type FeedStats interface {
	Len() int
	Loaded() bool
}

// ClientCounter — число подключённых real-time клиентов.
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler реализует health endpoints: /health, /health/ready.
type HealthHandler struct {
	service string
	version string
	feed    FeedStats
	clients ClientCounter
	// dirs — директории, которые должны быть доступны на запись
	// (директория файлов и директория снимка)
	dirs map[string]string
	// diskUsage — источник ёмкости диска для отчёта readiness
	diskUsage DiskUsageFunc
}

// NewHealthHandler создаёт обработчик health endpoints.
// dirs — имя проверки → путь директории.
func NewHealthHandler(service string, feed FeedStats, clients ClientCounter, dirs map[string]string) *HealthHandler {
	return &HealthHandler{
		service:   service,
		version:   config.Version,
		feed:      feed,
		clients:   clients,
		dirs:      dirs,
		diskUsage: diskUsage,
	}
}

// HealthLive обрабатывает GET /health.
// Возвращает 200, пока процесс жив. Зависимости не проверяет.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": h.service,
		"version": h.version,
		"clients": h.clients.ClientCount(),
		"entries": h.feed.Len(),
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: директории доступны на запись, лента загружена со снимка.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	checks := make(map[string]any, len(h.dirs)+1)
	for name, dir := range h.dirs {
		check := checkWritable(dir)
		if check["status"] == "ok" {
			h.addDiskUsage(check, dir)
		} else {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
		checks[name] = check
	}

	feedCheck := map[string]any{"status": "ok", "entries": h.feed.Len()}
	if !h.feed.Loaded() {
		feedCheck = map[string]any{"status": statusFail, "message": "Лента ещё не загружена"}
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}
	checks["feed"] = feedCheck

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   h.service,
		"checks":    checks,
	})
}

// addDiskUsage дополняет проверку директории ёмкостью диска.
// Ошибка statfs на готовность не влияет.
func (h *HealthHandler) addDiskUsage(check map[string]any, dir string) {
	if h.diskUsage == nil {
		return
	}
	total, used, available, err := h.diskUsage(dir)
	if err != nil {
		check["disk_error"] = err.Error()
		return
	}
	check["disk"] = map[string]int64{
		"total":     total,
		"used":      used,
		"available": available,
	}
}

// checkWritable проверяет доступность директории на запись пробным файлом.
func checkWritable(dir string) map[string]any {
	f, err := os.CreateTemp(dir, ".health_check-*")
	if err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория недоступна для записи: " + err.Error(),
		}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	return map[string]any{"status": "ok"}
}
