package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/lanclip/internal/domain/model"
	"github.com/bigkaa/lanclip/internal/storage/feed"
	"github.com/bigkaa/lanclip/internal/storage/filestore"
	"github.com/bigkaa/lanclip/internal/storage/snapshot"
)

// setupSweeperTestEnv создаёт ленту с настоящими FileStore и снимком.
func setupSweeperTestEnv(t *testing.T) (*feed.Store, *filestore.FileStore) {
	t.Helper()

	dir := t.TempDir()
	fs, err := filestore.New(filepath.Join(dir, "uploads"), "")
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	snap, err := snapshot.New(filepath.Join(dir, "clipboard.json"), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания снимка: %v", err)
	}
	store := feed.New(fs, snap, feed.Config{}, testLogger())
	store.Load(snap.Load())
	return store, fs
}

// ageFile сдвигает время изменения файла в прошлое.
func ageFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Ошибка изменения времени файла: %v", err)
	}
}

func TestSweeperRunOnce_NoFiles(t *testing.T) {
	store, _ := setupSweeperTestEnv(t)

	sweeper := NewSweeperService(store, time.Hour, 24*time.Hour, testLogger())
	result := sweeper.RunOnce()

	if result.Scanned != 0 || result.DeletedCount != 0 || result.Errors != 0 {
		t.Errorf("ожидался пустой результат, получено %+v", result)
	}
}

func TestSweeperRunOnce_DeletesOldOrphans(t *testing.T) {
	store, fs := setupSweeperTestEnv(t)

	put := func(name string) *filestore.Resource {
		res, err := fs.Put(strings.NewReader("data"), name, "", 0)
		if err != nil {
			t.Fatalf("Ошибка сохранения файла: %v", err)
		}
		return res
	}

	used := put("used.png")
	orphan := put("orphan.png")
	recent := put("recent.png")

	if _, _, err := store.Create(model.Draft{Kind: model.KindImage, URL: used.URL}); err != nil {
		t.Fatalf("Ошибка создания записи: %v", err)
	}
	ageFile(t, used.FullPath, 48*time.Hour)
	ageFile(t, orphan.FullPath, 48*time.Hour)

	sweeper := NewSweeperService(store, time.Hour, 24*time.Hour, testLogger())
	result := sweeper.RunOnce()

	if result.Scanned != 3 {
		t.Errorf("Scanned: хотели 3, получили %d", result.Scanned)
	}
	if result.DeletedCount != 1 {
		t.Errorf("DeletedCount: хотели 1, получили %d", result.DeletedCount)
	}
	if fs.Exists(orphan.URL) {
		t.Error("старый файл-сирота должен быть удалён")
	}
	if !fs.Exists(used.URL) {
		t.Error("файл записи ленты не должен удаляться")
	}
	if !fs.Exists(recent.URL) {
		t.Error("свежая загрузка не должна удаляться")
	}
}

// brokenSweeper — лента, у которой не читается директория файлов.
type brokenSweeper struct{}

func (brokenSweeper) SweepOrphans(time.Duration) (feed.SweepResult, error) {
	return feed.SweepResult{}, errors.New("директория недоступна")
}

func TestSweeperRunOnce_Error(t *testing.T) {
	sweeper := NewSweeperService(brokenSweeper{}, time.Hour, time.Hour, testLogger())
	result := sweeper.RunOnce()

	if result.Errors != 1 {
		t.Errorf("Errors: хотели 1, получили %d", result.Errors)
	}
}

// countingSweeper считает вызовы.
type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) SweepOrphans(time.Duration) (feed.SweepResult, error) {
	c.calls.Add(1)
	return feed.SweepResult{}, nil
}

func TestSweeperStartStop(t *testing.T) {
	counter := &countingSweeper{}
	sweeper := NewSweeperService(counter, 10*time.Millisecond, time.Hour, testLogger())

	sweeper.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for counter.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sweeper.Stop()

	if counter.calls.Load() < 2 {
		t.Errorf("ожидалось минимум 2 запуска, получено %d", counter.calls.Load())
	}

	after := counter.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if counter.calls.Load() != after {
		t.Error("после Stop очистка не должна запускаться")
	}
}

func TestSweeperStart_Disabled(t *testing.T) {
	counter := &countingSweeper{}
	sweeper := NewSweeperService(counter, 0, time.Hour, testLogger())

	sweeper.Start(context.Background())
	sweeper.Stop()

	if counter.calls.Load() != 0 {
		t.Errorf("при interval=0 очистка не должна запускаться, получено %d", counter.calls.Load())
	}
}
