// Пакет snapshot — персистентность ленты в одном JSON-файле.
//
// Файл содержит массив компактных записей (см. пакет codec), новые первыми.
// Каждая мутация перезаписывает снимок целиком, инкрементального журнала нет.
// Запись атомарна: temp → fsync → rename, поэтому сбой посреди записи
// не повреждает предыдущий снимок.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bigkaa/lanclip/internal/domain/model"
	"github.com/bigkaa/lanclip/internal/storage/codec"
)

// File — снимок ленты на диске.
type File struct {
	path   string
	logger *slog.Logger
}

// New создаёт снимок по указанному пути. Директория создаётся при необходимости.
func New(path string, logger *slog.Logger) (*File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	return &File{
		path:   path,
		logger: logger.With(slog.String("component", "snapshot")),
	}, nil
}

// Path возвращает путь к файлу снимка.
func (f *File) Path() string {
	return f.path
}

// Load читает снимок. Никогда не возвращает ошибку: отсутствующий,
// нечитаемый или не-массив файл означает пустую ленту.
// Отдельные нераспознанные записи пропускаются.
func (f *File) Load() []model.Entry {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("Снимок не читается, старт с пустой ленты",
				slog.String("path", f.path),
				slog.String("error", err.Error()),
			)
		}
		return []model.Entry{}
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		f.logger.Warn("Снимок не является JSON-массивом, старт с пустой ленты",
			slog.String("path", f.path),
			slog.String("error", err.Error()),
		)
		return []model.Entry{}
	}

	entries := codec.DecodeAll(raws, func(position int, err error) {
		f.logger.Warn("Пропущена нераспознанная запись снимка",
			slog.Int("position", position),
			slog.String("error", err.Error()),
		)
	})

	f.logger.Info("Снимок загружен",
		slog.String("path", f.path),
		slog.Int("entries", len(entries)),
	)

	return entries
}

// Save атомарно перезаписывает снимок списком записей.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func (f *File) Save(entries []model.Entry) error {
	data, err := json.Marshal(codec.EncodeAll(entries))
	if err != nil {
		return fmt.Errorf("ошибка сериализации снимка: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}
