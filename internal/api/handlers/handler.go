// handler.go — APIHandler собирает доменные handlers и регистрирует
// их маршруты в chi-роутере.
package handlers

import (
	"github.com/go-chi/chi/v5"
)

// APIHandler — единая точка регистрации HTTP endpoints сервиса.
type APIHandler struct {
	files  *FilesHandler
	health *HealthHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(files *FilesHandler, health *HealthHandler) *APIHandler {
	return &APIHandler{
		files:  files,
		health: health,
	}
}

// Register монтирует маршруты в роутер.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)

	r.Post("/upload", h.files.UploadFile)
	r.Get("/files/{name}", h.files.DownloadFile)
	r.Head("/files/{name}", h.files.DownloadFile)
}
