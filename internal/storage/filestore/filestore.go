// Пакет filestore — Resource Store: бинарные файлы, на которые
// ссылаются нетекстовые записи ленты.
// Обеспечивает streaming-запись с ограничением размера, разрешение
// ссылок /files/<name> в пути на диске, идемпотентное удаление,
// полную очистку директории и перенос файлов из legacy-директории.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/lanclip/internal/domain/model"
)

var (
	// ErrTooLarge — поток превысил допустимый размер.
	ErrTooLarge = errors.New("файл превышает допустимый размер")
	// ErrInvalidRef — ссылка не указывает на файл хранилища.
	ErrInvalidRef = errors.New("некорректная ссылка на файл")
	// ErrNotFound — файла нет на диске.
	ErrNotFound = errors.New("файл не найден")
)

// defaultExt — расширение для файлов неизвестного типа.
const defaultExt = ".bin"

// maxExtLen — ограничение длины расширения, более длинные считаются мусором.
const maxExtLen = 16

// legacyKeepFile — служебный файл legacy-директории, не переносится.
const legacyKeepFile = ".gitkeep"

// mimeExtensions — расширения для файлов, у которых в имени его нет.
var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
}

// FileStore — управление файлами ресурсов на диске.
type FileStore struct {
	// dataDir — директория загруженных файлов
	dataDir string
	// legacyDir — прежнее расположение файлов (может быть пустым)
	legacyDir string
}

// Resource — сохранённый файл.
type Resource struct {
	// Name — сгенерированное имя файла в dataDir
	Name string
	// URL — ссылка для записи ленты: /files/<Name>
	URL string
	// FullPath — абсолютный путь на диске
	FullPath string
	// Size — размер записанных данных в байтах
	Size int64
}

// FileInfo — файл в директории хранилища.
type FileInfo struct {
	Name    string
	URL     string
	Size    int64
	ModTime time.Time
}

// New создаёт FileStore. Создаёт директорию данных, если её нет.
// legacyDir может быть пустым, тогда перенос и удаление из неё отключены.
func New(dataDir, legacyDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию файлов %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir, legacyDir: legacyDir}, nil
}

// DataDir возвращает путь к директории файлов.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// Put записывает поток на диск под новым уникальным именем.
// limit — максимальный размер в байтах (<= 0 — без ограничения).
// При превышении возвращается ErrTooLarge и на диске ничего не остаётся.
//
// Паттерн: temp файл → запись → fsync → atomic rename.
func (fs *FileStore) Put(reader io.Reader, originalName, mimeType string, limit int64) (*Resource, error) {
	name := generateName(originalName, mimeType)
	fullPath := filepath.Join(fs.dataDir, name)

	f, err := os.CreateTemp(fs.dataDir, ".upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	src := reader
	if limit > 0 {
		src = io.LimitReader(reader, limit+1)
	}

	size, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if limit > 0 && size > limit {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: больше %d байт", ErrTooLarge, limit)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &Resource{
		Name:     name,
		URL:      URLFor(name),
		FullPath: fullPath,
		Size:     size,
	}, nil
}

// Resolve возвращает путь на диске для ссылки /files/<name> или голого имени.
// Файл при этом может не существовать.
func (fs *FileStore) Resolve(ref string) (string, error) {
	name, err := NameFromRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(fs.dataDir, name), nil
}

// Exists проверяет, что ссылка указывает на существующий файл.
func (fs *FileStore) Exists(ref string) bool {
	path, err := fs.Resolve(ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Open открывает файл ресурса для чтения. Вызывающий код обязан его закрыть.
func (fs *FileStore) Open(ref string) (*os.File, error) {
	path, err := fs.Resolve(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", ref, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка получения информации о файле %s: %w", ref, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	return f, nil
}

// Delete удаляет файл ресурса из директории данных и из legacy-директории.
// Отсутствие файла ошибкой не считается.
func (fs *FileStore) Delete(ref string) error {
	name, err := NameFromRef(ref)
	if err != nil {
		return err
	}

	var errs []error
	for _, dir := range fs.dirs() {
		if err := removeRegular(filepath.Join(dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PurgeAll удаляет все файлы ресурсов в директории данных и в
// legacy-директории, чтобы очищенные файлы не вернулись при следующем
// MigrateLegacy. Скрытые файлы (временные файлы незавершённых загрузок
// и переноса, .gitkeep) не трогаются.
// Возвращает количество удалённых файлов и объединённую ошибку
// по файлам, которые удалить не удалось.
func (fs *FileStore) PurgeAll() (int, error) {
	removed := 0
	var errs []error
	for _, dir := range fs.dirs() {
		n, err := purgeDir(dir)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// purgeDir удаляет нескрытые регулярные файлы директории.
func purgeDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if isHidden(entry.Name()) || !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("ошибка удаления файла %s: %w", entry.Name(), err))
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}

// List возвращает файлы ресурсов директории данных.
// Скрытые файлы в список не входят: это не ресурсы.
func (fs *FileStore) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", fs.dataDir, err)
	}

	result := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if isHidden(entry.Name()) || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Файл удалён между ReadDir и Info
			continue
		}
		result = append(result, FileInfo{
			Name:    entry.Name(),
			URL:     URLFor(entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return result, nil
}

// RemoveStaleTemp удаляет временные файлы загрузок и переноса,
// изменённые раньше cutoff: они остаются после аварийной остановки.
// Свежие временные файлы принадлежат незавершённым загрузкам.
func (fs *FileStore) RemoveStaleTemp(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения директории %s: %w", fs.dataDir, err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !isTemp(entry.Name()) || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(fs.dataDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("ошибка удаления временного файла %s: %w", entry.Name(), err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// MigrateLegacy копирует файлы из legacy-директории в директорию данных,
// чтобы записи, созданные до смены расположения, оставались доступны.
// Существующие файлы не перезаписываются, исходные не удаляются.
func (fs *FileStore) MigrateLegacy() (int, error) {
	if fs.legacyDir == "" || sameDir(fs.legacyDir, fs.dataDir) {
		return 0, nil
	}

	entries, err := os.ReadDir(fs.legacyDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка чтения legacy-директории %s: %w", fs.legacyDir, err)
	}

	copied := 0
	var errs []error
	for _, entry := range entries {
		if entry.Name() == legacyKeepFile || !entry.Type().IsRegular() {
			continue
		}

		dst := filepath.Join(fs.dataDir, entry.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}

		if err := copyFile(filepath.Join(fs.legacyDir, entry.Name()), dst); err != nil {
			errs = append(errs, err)
			continue
		}
		copied++
	}

	return copied, errors.Join(errs...)
}

// dirs возвращает директории, в которых может лежать файл ресурса.
func (fs *FileStore) dirs() []string {
	if fs.legacyDir == "" || sameDir(fs.legacyDir, fs.dataDir) {
		return []string{fs.dataDir}
	}
	return []string{fs.dataDir, fs.legacyDir}
}

// URLFor возвращает ссылку записи ленты для имени файла.
func URLFor(name string) string {
	return model.ResourcePrefix + name
}

// NameFromRef извлекает имя файла из ссылки /files/<name> (или голого имени).
// Отбрасывает query-часть и разделители каталогов, отвергает . и ..
// и скрытые имена: ссылки строятся только из имён, сгенерированных Put.
func NameFromRef(ref string) (string, error) {
	name := strings.TrimPrefix(ref, model.ResourcePrefix)
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	name = strings.NewReplacer("/", "", `\`, "").Replace(name)
	name = strings.TrimSpace(name)

	if name == "" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return name, nil
}

// generateName генерирует имя файла: {uuid}{ext}.
// Расширение берётся из исходного имени, затем из MIME-типа, иначе .bin.
func generateName(originalName, mimeType string) string {
	return uuid.New().String() + extensionFor(originalName, mimeType)
}

// extensionFor определяет безопасное расширение файла.
func extensionFor(originalName, mimeType string) string {
	if ext := sanitizeExt(filepath.Ext(originalName)); ext != "" {
		return ext
	}
	if ext, ok := mimeExtensions[strings.ToLower(mimeType)]; ok {
		return ext
	}
	return defaultExt
}

// sanitizeExt оставляет в расширении только латиницу, цифры и точку.
func sanitizeExt(ext string) string {
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || s == "." || len(s) > maxExtLen || !strings.HasPrefix(s, ".") {
		return ""
	}
	return s
}

// removeRegular удаляет обычный файл, отсутствие файла — не ошибка.
func removeRegular(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ошибка получения информации о файле %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// copyFile копирует файл через temp + rename, чтобы в dst не оставался обрывок.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".migrate-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка копирования %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка переименования в %s: %w", dst, err)
	}
	return nil
}

// sameDir проверяет, указывают ли два пути на одну директорию.
func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// isHidden — скрытые имена никогда не бывают ресурсами (см. NameFromRef).
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// isTemp — временный файл Put или copyFile.
func isTemp(name string) bool {
	return (strings.HasPrefix(name, ".upload-") || strings.HasPrefix(name, ".migrate-")) &&
		strings.HasSuffix(name, ".tmp")
}
