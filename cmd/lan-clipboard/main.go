// Точка входа LAN Clipboard — общей ленты буфера обмена для устройств
// локальной сети.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bigkaa/lanclip/internal/api/handlers"
	"github.com/bigkaa/lanclip/internal/config"
	"github.com/bigkaa/lanclip/internal/realtime"
	"github.com/bigkaa/lanclip/internal/server"
	"github.com/bigkaa/lanclip/internal/service"
	"github.com/bigkaa/lanclip/internal/storage/feed"
	"github.com/bigkaa/lanclip/internal/storage/filestore"
	"github.com/bigkaa/lanclip/internal/storage/snapshot"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("LAN Clipboard запускается",
		slog.String("service", cfg.ServiceName),
		slog.String("version", config.Version),
		slog.String("addr", cfg.Addr()),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("max_entries", cfg.MaxEntries),
	)

	// --- Инициализация компонентов ---

	// 1. Файловое хранилище ресурсов
	store, err := filestore.New(cfg.UploadDir, cfg.LegacyUploadDir)
	if err != nil {
		logger.Error("Ошибка инициализации FileStore", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Перенос файлов из прежнего расположения
	copied, err := store.MigrateLegacy()
	if err != nil {
		logger.Warn("Перенос файлов из прежней директории выполнен частично",
			slog.String("legacy_dir", cfg.LegacyUploadDir),
			slog.Int("copied", copied),
			slog.String("error", err.Error()),
		)
	} else if copied > 0 {
		logger.Info("Файлы перенесены из прежней директории",
			slog.String("legacy_dir", cfg.LegacyUploadDir),
			slog.Int("copied", copied),
		)
	}

	// 2. Снимок ленты
	snap, err := snapshot.New(cfg.SnapshotFile, logger)
	if err != nil {
		logger.Error("Ошибка инициализации снимка", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Лента записей, восстановленная со снимка
	feedStore := feed.New(store, snap, feed.Config{
		MaxEntries:   cfg.MaxEntries,
		TombstoneTTL: cfg.TombstoneTTL,
	}, logger)
	feedStore.Load(snap.Load())

	// 4. Real-time канал
	hub := realtime.NewHub(feedStore, realtime.Config{
		ReadLimit:      cfg.WSReadLimit,
		PingInterval:   cfg.WSPingInterval,
		PingTimeout:    cfg.WSPingTimeout,
		SendBuffer:     cfg.WSSendBuffer,
		OriginPatterns: cfg.WSOriginPatterns,
	}, logger)

	// 5. Сервисы
	uploadSvc := service.NewUploadService(store, cfg.MaxUploadSize, logger)

	// 6. Фоновая очистка файлов-сирот
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeperSvc := service.NewSweeperService(feedStore, cfg.SweepInterval, cfg.SweepMinAge, logger)
	sweeperSvc.Start(ctx)

	// 7. Handlers
	filesHandler := handlers.NewFilesHandler(uploadSvc, store, logger)
	healthHandler := handlers.NewHealthHandler(cfg.ServiceName, feedStore, hub, map[string]string{
		"uploads":  cfg.UploadDir,
		"snapshot": filepath.Dir(cfg.SnapshotFile),
	})
	apiHandler := handlers.NewAPIHandler(filesHandler, healthHandler)

	// 8. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, hub)

	runErr := srv.Run()

	// Остановка фоновых процессов
	sweeperSvc.Stop()

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}

	logger.Info("LAN Clipboard остановлен")
}
