// Пакет feed — Item Store: ограниченная упорядоченная лента записей.
//
// Лента хранится в памяти (новые первыми) и после каждой мутации
// целиком сохраняется в снимок. Все составные операции
// (валидация → вставка → вытеснение → сохранение, удаление → сохранение →
// удаление файла) выполняются под одной блокировкой записи, поэтому
// сохранённый снимок никогда не ссылается на уже удалённый файл.
//
// Каждая мутация увеличивает порядковый номер seq. Снимок ленты
// возвращается вместе с seq, на котором он снят: слой синхронизации
// по нему отбрасывает события, уже учтённые в снимке клиента.
package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/lanclip/internal/domain/model"
	"github.com/bigkaa/lanclip/internal/storage/filestore"
)

// DefaultMaxEntries — ёмкость ленты по умолчанию.
const DefaultMaxEntries = 200

// defaultTombstoneSize — сколько удалённых id помнить.
const defaultTombstoneSize = 4096

var (
	// ErrPersistence — снимок не удалось сохранить, мутация отменена.
	ErrPersistence = errors.New("ошибка сохранения ленты")
	// ErrPartialClear — часть файлов при очистке удалить не удалось.
	ErrPartialClear = errors.New("очистка выполнена частично")
)

// Resources — операции Resource Store, которые нужны ленте.
type Resources interface {
	Exists(ref string) bool
	Delete(ref string) error
	PurgeAll() (int, error)
	List() ([]filestore.FileInfo, error)
	RemoveStaleTemp(cutoff time.Time) (int, error)
}

// Persister — сохранение снимка ленты.
type Persister interface {
	Save(entries []model.Entry) error
}

// Config — параметры ленты.
type Config struct {
	// MaxEntries — максимальное число записей (<= 0 — DefaultMaxEntries)
	MaxEntries int
	// TombstoneTTL — сколько помнить id удалённых записей (<= 0 — без истечения)
	TombstoneTTL time.Duration
	// TombstoneSize — ёмкость кэша удалённых id (<= 0 — по умолчанию)
	TombstoneSize int
}

// ClearResult — результат очистки ленты.
type ClearResult struct {
	// All — лента очищена полностью, клиентам рассылается cleared
	All bool
	// Removed — id удалённых записей при частичной очистке
	Removed []string
	// FilesRemoved — количество удалённых файлов
	FilesRemoved int
}

// SweepResult — результат удаления файлов-сирот.
type SweepResult struct {
	// Scanned — количество просмотренных файлов
	Scanned int
	// Removed — количество удалённых файлов
	Removed int
	// Errors — количество ошибок удаления
	Errors int
	// TempRemoved — количество удалённых брошенных временных файлов
	TempRemoved int
}

// Store — потокобезопасная лента записей.
type Store struct {
	mu         sync.RWMutex
	entries    []model.Entry // новые первыми
	seq        uint64
	loaded     bool
	maxEntries int

	resources  Resources
	persister  Persister
	tombstones *expirable.LRU[string, struct{}]

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New создаёт пустую ленту. Для восстановления состояния вызовите Load.
func New(resources Resources, persister Persister, cfg Config, logger *slog.Logger) *Store {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	size := cfg.TombstoneSize
	if size <= 0 {
		size = defaultTombstoneSize
	}

	return &Store{
		entries:    []model.Entry{},
		maxEntries: maxEntries,
		resources:  resources,
		persister:  persister,
		tombstones: expirable.NewLRU[string, struct{}](size, nil, cfg.TombstoneTTL),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		logger:     logger.With(slog.String("component", "feed")),
	}
}

// Load заменяет содержимое ленты записями из снимка.
// Записи с повторяющимися id отбрасываются, лишние сверх ёмкости
// отсекаются (их файлы остаются сиротами до очистки sweeper-ом).
func (s *Store) Load(entries []model.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	loaded := make([]model.Entry, 0, min(len(entries), s.maxEntries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			s.logger.Warn("Повторяющийся id в снимке, запись пропущена",
				slog.String("id", e.ID),
			)
			continue
		}
		seen[e.ID] = struct{}{}
		if len(loaded) == s.maxEntries {
			s.logger.Warn("Снимок превышает ёмкость ленты, старые записи отброшены",
				slog.Int("max_entries", s.maxEntries),
				slog.Int("in_snapshot", len(entries)),
			)
			break
		}
		loaded = append(loaded, e)
	}

	s.entries = loaded
	s.loaded = true
	s.seq++

	s.logger.Info("Лента восстановлена",
		slog.Int("entries", len(loaded)),
	)
}

// Loaded возвращает true после восстановления ленты из снимка.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Len возвращает количество записей.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MaxEntries возвращает ёмкость ленты.
func (s *Store) MaxEntries() int {
	return s.maxEntries
}

// Snapshot возвращает копию ленты и seq, на котором она снята.
func (s *Store) Snapshot() ([]model.Entry, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Entry, len(s.entries))
	copy(out, s.entries)
	return out, s.seq
}

// Get возвращает запись по id.
func (s *Store) Get(id string) (model.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexOf(id); i >= 0 {
		return s.entries[i], true
	}
	return model.Entry{}, false
}

// IsTombstoned проверяет, была ли запись с этим id недавно удалена.
func (s *Store) IsTombstoned(id string) bool {
	return s.tombstones.Contains(strings.TrimSpace(id))
}

// Create валидирует draft, назначает id и время, вставляет запись в голову
// ленты, вытесняет старые записи сверх ёмкости и сохраняет снимок.
// При ошибке сохранения лента не меняется, возвращается ErrPersistence.
// Файлы вытесненных записей удаляются после успешного сохранения.
func (s *Store) Create(draft model.Draft) (model.Entry, uint64, error) {
	if err := draft.Validate(); err != nil {
		return model.Entry{}, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.Kind.HasResource() && !s.resources.Exists(draft.URL) {
		return model.Entry{}, 0, fmt.Errorf("%w: файл %s не найден", model.ErrInvalidEntry, draft.URL)
	}

	entry := draft.Entry(s.freshID(), s.now().UnixMilli())

	next := make([]model.Entry, 0, min(len(s.entries)+1, s.maxEntries))
	next = append(next, entry)
	var evicted []model.Entry
	for _, e := range s.entries {
		if len(next) < s.maxEntries {
			next = append(next, e)
			continue
		}
		evicted = append(evicted, e)
	}

	if err := s.persister.Save(next); err != nil {
		return model.Entry{}, 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.entries = next
	s.seq++

	for _, e := range evicted {
		s.tombstones.Add(e.ID, struct{}{})
		s.deleteResource(e, "eviction")
	}
	if len(evicted) > 0 {
		s.logger.Debug("Старые записи вытеснены",
			slog.Int("evicted", len(evicted)),
		)
	}

	return entry, s.seq, nil
}

// Delete удаляет запись по id. Пустой или неизвестный id — (false, nil).
// Сначала сохраняется снимок без записи, затем удаляется её файл.
// При ошибке сохранения лента не меняется, возвращается ErrPersistence.
func (s *Store) Delete(id string) (bool, uint64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		if s.tombstones.Contains(id) {
			s.logger.Debug("Повторное удаление уже удалённой записи",
				slog.String("id", id),
			)
		}
		return false, 0, nil
	}

	removed := s.entries[i]
	next := make([]model.Entry, 0, len(s.entries)-1)
	next = append(next, s.entries[:i]...)
	next = append(next, s.entries[i+1:]...)

	if err := s.persister.Save(next); err != nil {
		return false, 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.entries = next
	s.seq++
	s.tombstones.Add(id, struct{}{})
	s.deleteResource(removed, "delete")

	return true, s.seq, nil
}

// Clear очищает ленту и директорию файлов.
//
// Сначала удаляются все файлы. Если это удалось полностью, лента
// опустошается (ClearResult.All). Иначе из ленты удаляются только записи,
// чей файл действительно исчез (текстовые и записи с уцелевшим файлом
// остаются), их id возвращаются в ClearResult.Removed, а ошибка оборачивает
// ErrPartialClear. Ошибка сохранения снимка оборачивает ErrPersistence,
// но файлы восстановить нельзя, поэтому лента в памяти всё равно
// отражает фактически удалённые записи.
func (s *Store) Clear() (ClearResult, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result ClearResult
	var errs []error

	purged, purgeErr := s.resources.PurgeAll()
	result.FilesRemoved = purged

	var next []model.Entry
	if purgeErr == nil {
		result.All = true
		next = []model.Entry{}
	} else {
		errs = append(errs, fmt.Errorf("%w: %w", ErrPartialClear, purgeErr))
		next = make([]model.Entry, 0, len(s.entries))
		for _, e := range s.entries {
			if e.HasResource() && !s.resources.Exists(e.URL) {
				result.Removed = append(result.Removed, e.ID)
				continue
			}
			next = append(next, e)
		}
		s.logger.Warn("Очистка ленты выполнена частично",
			slog.Int("files_removed", purged),
			slog.Int("entries_removed", len(result.Removed)),
			slog.Int("entries_left", len(next)),
			slog.String("error", purgeErr.Error()),
		)
	}

	if !result.All && len(result.Removed) == 0 {
		return result, s.seq, errors.Join(errs...)
	}

	if err := s.persister.Save(next); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	for _, e := range s.entries {
		if result.All || slices.Contains(result.Removed, e.ID) {
			s.tombstones.Add(e.ID, struct{}{})
		}
	}
	s.entries = next
	s.seq++

	return result, s.seq, errors.Join(errs...)
}

// SweepOrphans удаляет файлы, на которые не ссылается ни одна запись
// и которые старше minAge. Возраст защищает загрузки, для которых клиент
// ещё не успел отправить submit.
func (s *Store) SweepOrphans(minAge time.Duration) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult

	files, err := s.resources.List()
	if err != nil {
		return result, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}

	referenced := make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		if !e.HasResource() {
			continue
		}
		if name, err := filestore.NameFromRef(e.URL); err == nil {
			referenced[name] = struct{}{}
		}
	}

	cutoff := s.now().Add(-minAge)

	tempRemoved, err := s.resources.RemoveStaleTemp(cutoff)
	result.TempRemoved = tempRemoved
	if err != nil {
		result.Errors++
		s.logger.Warn("Не удалось удалить брошенные временные файлы",
			slog.String("error", err.Error()),
		)
	}

	for _, f := range files {
		result.Scanned++
		if _, ok := referenced[f.Name]; ok {
			continue
		}
		if f.ModTime.After(cutoff) {
			continue
		}
		if err := s.resources.Delete(f.URL); err != nil {
			result.Errors++
			s.logger.Warn("Не удалось удалить файл-сироту",
				slog.String("name", f.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Removed++
	}

	return result, nil
}

// deleteResource удаляет файл записи. Ошибка только логируется:
// запись уже удалена из сохранённого снимка, а оставшийся файл
// подберёт SweepOrphans. Файл, на который ссылается другая живая
// запись (повторный submit того же url), не удаляется.
// Вызывается под блокировкой записи после замены s.entries.
func (s *Store) deleteResource(e model.Entry, reason string) {
	if !e.HasResource() {
		return
	}
	if s.isReferenced(e.URL) {
		s.logger.Debug("Файл записи используется другой записью, оставлен",
			slog.String("id", e.ID),
			slog.String("url", e.URL),
			slog.String("reason", reason),
		)
		return
	}
	if err := s.resources.Delete(e.URL); err != nil {
		s.logger.Warn("Не удалось удалить файл записи",
			slog.String("id", e.ID),
			slog.String("url", e.URL),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

// isReferenced проверяет, ссылается ли на файл хотя бы одна живая запись.
// Вызывается под блокировкой.
func (s *Store) isReferenced(ref string) bool {
	name, err := filestore.NameFromRef(ref)
	if err != nil {
		return false
	}
	for _, e := range s.entries {
		if !e.HasResource() {
			continue
		}
		if other, err := filestore.NameFromRef(e.URL); err == nil && other == name {
			return true
		}
	}
	return false
}

// freshID генерирует id, не совпадающий ни с живой записью, ни с недавно удалённой.
// Вызывается под блокировкой записи.
func (s *Store) freshID() string {
	for {
		id := s.newID()
		if s.indexOf(id) < 0 && !s.tombstones.Contains(id) {
			return id
		}
	}
}

// indexOf возвращает позицию записи или -1. Вызывается под блокировкой.
func (s *Store) indexOf(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}
