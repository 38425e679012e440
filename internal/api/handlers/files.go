// files.go — HTTP handlers для загрузки и раздачи файлов ресурсов.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/lanclip/internal/api/errors"
	"github.com/bigkaa/lanclip/internal/api/middleware"
	"github.com/bigkaa/lanclip/internal/service"
	"github.com/bigkaa/lanclip/internal/storage/filestore"
)

// multipartOverhead — запас на заголовки и границы multipart поверх
// максимального размера файла.
const multipartOverhead = 1 << 20

// FileOpener открывает файл ресурса по имени или ссылке /files/<name>.
type FileOpener interface {
	Open(ref string) (*os.File, error)
}

// Uploader сохраняет поток загружаемого файла.
type Uploader interface {
	Upload(params service.UploadParams) (*service.UploadResult, *service.UploadError)
	MaxSize() int64
}

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	uploader Uploader
	files    FileOpener
	logger   *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(uploader Uploader, files FileOpener, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		uploader: uploader,
		files:    files,
		logger:   logger.With(slog.String("component", "files_handler")),
	}
}

// UploadFile обрабатывает POST /upload.
// Multipart form: file (обязательно). Части читаются потоком через
// multipart.Reader, файл целиком в памяти не держится.
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	maxBody := h.uploader.MaxSize() + multipartOverhead
	if r.ContentLength > maxBody {
		middleware.OperationsTotal.WithLabelValues("upload", "too_large").Inc()
		apierrors.FileTooLarge(w, "Размер запроса превышает допустимый")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data с полем 'file'")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				middleware.OperationsTotal.WithLabelValues("upload", "too_large").Inc()
				apierrors.FileTooLarge(w, "Размер запроса превышает допустимый")
				return
			}
			apierrors.ValidationError(w, "Ошибка разбора multipart: "+err.Error())
			return
		}

		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		result, uploadErr := h.uploader.Upload(service.UploadParams{
			Reader:           part,
			OriginalFilename: part.FileName(),
			ContentType:      part.Header.Get("Content-Type"),
		})
		_ = part.Close()
		if uploadErr != nil {
			apierrors.WriteError(w, uploadErr.StatusCode, uploadErr.Code, uploadErr.Message)
			return
		}

		writeJSON(w, http.StatusOK, result)
		return
	}

	apierrors.ValidationError(w, "Файл не передан: поле 'file' обязательно")
}

// DownloadFile обрабатывает GET /files/{name}.
// http.ServeContent обрабатывает Range, If-Modified-Since и Content-Length.
func (h *FilesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	f, err := h.files.Open(name)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) || errors.Is(err, filestore.ErrInvalidRef) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка открытия файла",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения файла")
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		h.logger.Error("Ошибка получения stat файла",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка чтения файла")
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)

	middleware.OperationsTotal.WithLabelValues("download", "success").Inc()
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
