// Пакет service — бизнес-логика LAN Clipboard.
// upload.go — сервис приёма загружаемых файлов.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	apierrors "github.com/bigkaa/lanclip/internal/api/errors"
	"github.com/bigkaa/lanclip/internal/api/middleware"
	"github.com/bigkaa/lanclip/internal/storage/filestore"
)

// defaultContentType — MIME-тип, если клиент его не указал.
const defaultContentType = "application/octet-stream"

// UploadParams — параметры загрузки файла.
type UploadParams struct {
	// Reader — поток данных файла
	Reader io.Reader
	// OriginalFilename — имя файла из multipart part
	OriginalFilename string
	// ContentType — MIME-тип из заголовка part
	ContentType string
}

// UploadResult — ответ на успешную загрузку.
// JSON-имена совпадают с полями записи ленты, которую клиент создаст из ответа.
type UploadResult struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
	Size     int64  `json:"size"`
}

// UploadError — ошибка загрузки с HTTP-кодом.
type UploadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FileStorer — сохранение потока в Resource Store.
type FileStorer interface {
	Put(reader io.Reader, originalName, mimeType string, limit int64) (*filestore.Resource, error)
}

// UploadService — сервис загрузки файлов.
type UploadService struct {
	store   FileStorer
	maxSize int64
	logger  *slog.Logger
}

// NewUploadService создаёт сервис загрузки файлов.
// maxSize — максимальный размер одного файла в байтах.
func NewUploadService(store FileStorer, maxSize int64, logger *slog.Logger) *UploadService {
	return &UploadService{
		store:   store,
		maxSize: maxSize,
		logger:  logger.With(slog.String("component", "upload_service")),
	}
}

// MaxSize возвращает максимальный размер файла.
func (s *UploadService) MaxSize() int64 {
	return s.maxSize
}

// Upload сохраняет поток файла и возвращает ссылку для записи ленты.
// Поток читается без буферизации целиком; при превышении лимита
// возвращается 413 и на диске ничего не остаётся.
func (s *UploadService) Upload(params UploadParams) (*UploadResult, *UploadError) {
	contentType := detectContentType(params.ContentType)

	res, err := s.store.Put(params.Reader, params.OriginalFilename, contentType, s.maxSize)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.Is(err, filestore.ErrTooLarge) || errors.As(err, &maxBytesErr) {
			middleware.OperationsTotal.WithLabelValues("upload", "too_large").Inc()
			s.logger.Warn("Файл превышает допустимый размер",
				slog.String("filename", params.OriginalFilename),
				slog.Int64("max_size", s.maxSize),
			)
			return nil, &UploadError{
				StatusCode: http.StatusRequestEntityTooLarge,
				Code:       apierrors.CodeFileTooLarge,
				Message:    fmt.Sprintf("Размер файла превышает максимум %d байт", s.maxSize),
			}
		}

		middleware.OperationsTotal.WithLabelValues("upload", "error").Inc()
		s.logger.Error("Ошибка сохранения файла",
			slog.String("filename", params.OriginalFilename),
			slog.String("error", err.Error()),
		)
		return nil, &UploadError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка сохранения файла на диск",
		}
	}

	filename := DecodeFilename(params.OriginalFilename)
	if filename == "" {
		filename = res.Name
	}

	middleware.OperationsTotal.WithLabelValues("upload", "success").Inc()
	middleware.UploadBytesTotal.Add(float64(res.Size))

	s.logger.Info("Файл загружен",
		slog.String("name", res.Name),
		slog.String("filename", filename),
		slog.String("mimetype", contentType),
		slog.Int64("size", res.Size),
	)

	return &UploadResult{
		URL:      res.URL,
		Filename: filename,
		MimeType: contentType,
		Size:     res.Size,
	}, nil
}

// DecodeFilename восстанавливает UTF-8 имя файла, которое клиент
// отправил как UTF-8 байты, а промежуточный слой прочитал как latin-1.
// Если перекодирование невозможно или даёт невалидный UTF-8,
// возвращается исходное имя.
func DecodeFilename(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	latin1, err := charmap.ISO8859_1.NewEncoder().String(raw)
	if err != nil || latin1 == raw || !utf8.ValidString(latin1) {
		return raw
	}
	return latin1
}

// detectContentType определяет Content-Type из заголовка multipart part.
// Если не указан — используется application/octet-stream.
func detectContentType(contentType string) string {
	if contentType == "" {
		return defaultContentType
	}
	// Убираем параметры (charset и т.д.)
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	if contentType == "" {
		return defaultContentType
	}
	return strings.ToLower(contentType)
}
