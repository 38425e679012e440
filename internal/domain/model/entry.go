// Пакет model — доменные модели LAN Clipboard.
// Entry — единица ленты: текстовый фрагмент или ссылка на загруженный
// файл (изображение, видео, произвольный файл). Записи неизменяемы:
// создаются и удаляются, но никогда не редактируются.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ResourcePrefix — префикс URL, под которым отдаются загруженные файлы.
const ResourcePrefix = "/files/"

// ErrInvalidEntry — payload создания записи некорректен или неполон.
var ErrInvalidEntry = errors.New("некорректная запись")

// Kind — тип записи ленты (закрытое перечисление).
type Kind string

const (
	// KindText — текстовый фрагмент
	KindText Kind = "text"
	// KindImage — изображение
	KindImage Kind = "image"
	// KindVideo — видео
	KindVideo Kind = "video"
	// KindFile — произвольный файл
	KindFile Kind = "file"
)

// Valid проверяет, что значение входит в перечисление.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindFile:
		return true
	}
	return false
}

// HasResource возвращает true для типов, ссылающихся на файл.
func (k Kind) HasResource() bool {
	return k == KindImage || k == KindVideo || k == KindFile
}

// Entry — запись ленты. JSON-имена полей совпадают с длинной формой,
// которую используют браузерный клиент и legacy-записи на диске.
type Entry struct {
	// ID — уникальный идентификатор (UUID v4), назначается хранилищем
	ID string `json:"id"`

	// CreatedAt — время создания, миллисекунды от эпохи
	CreatedAt int64 `json:"ts"`

	// Kind — тип записи
	Kind Kind `json:"type"`

	// Text — содержимое, только для KindText
	Text string `json:"text,omitempty"`

	// URL — ссылка на ресурс вида /files/<name>, только для файловых типов
	URL string `json:"url,omitempty"`

	// Filename — исходное имя файла
	Filename string `json:"filename,omitempty"`

	// MimeType — MIME-тип файла
	MimeType string `json:"mimetype,omitempty"`

	// Size — размер файла в байтах
	Size int64 `json:"size,omitempty"`
}

// HasResource возвращает true, если запись ссылается на файл в Resource Store.
func (e *Entry) HasResource() bool {
	return e.Kind.HasResource() && e.URL != ""
}

// Draft — payload создания записи от клиента: Entry без id и времени.
type Draft struct {
	Kind     Kind   `json:"type"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Validate проверяет draft по правилам типа записи.
// Возвращает ошибку, обёрнутую вокруг ErrInvalidEntry.
func (d *Draft) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: недопустимый тип %q", ErrInvalidEntry, d.Kind)
	}

	if d.Kind == KindText {
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Errorf("%w: пустой текст", ErrInvalidEntry)
		}
		if d.URL != "" {
			return fmt.Errorf("%w: текстовая запись не может ссылаться на файл", ErrInvalidEntry)
		}
		return nil
	}

	if d.URL == "" {
		return fmt.Errorf("%w: для типа %s обязателен url", ErrInvalidEntry, d.Kind)
	}
	if !IsResourceURL(d.URL) {
		return fmt.Errorf("%w: url %q не указывает на загруженный файл", ErrInvalidEntry, d.URL)
	}
	if d.Text != "" {
		return fmt.Errorf("%w: файловая запись не может содержать текст", ErrInvalidEntry)
	}
	if d.Size < 0 {
		return fmt.Errorf("%w: отрицательный размер %d", ErrInvalidEntry, d.Size)
	}
	return nil
}

// Entry собирает запись из draft с назначенными id и временем.
func (d *Draft) Entry(id string, createdAt int64) Entry {
	e := Entry{
		ID:        id,
		CreatedAt: createdAt,
		Kind:      d.Kind,
	}
	if d.Kind == KindText {
		e.Text = d.Text
		return e
	}
	e.URL = d.URL
	e.Filename = d.Filename
	e.MimeType = d.MimeType
	e.Size = d.Size
	return e
}

// IsResourceURL проверяет, что ссылка имеет форму /files/<name>
// с непустым именем без разделителей каталогов.
func IsResourceURL(url string) bool {
	name, ok := strings.CutPrefix(url, ResourcePrefix)
	if !ok {
		return false
	}
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
