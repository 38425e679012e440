// sweeper.go — сервис фоновой очистки файлов-сирот.
//
// Файл-сирота — файл в директории загрузок, на который не ссылается
// ни одна запись ленты: загрузка, для которой клиент так и не отправил
// submit, или файл, который не удалось удалить вместе с записью.
// Удаляются только сироты старше минимального возраста.
//
// Запускается как горутина с периодическим тикером (LC_SWEEP_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/lanclip/internal/storage/feed"
)

// Prometheus метрики очистки
var (
	// sweepRunsTotal — количество запусков очистки.
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lc_sweep_runs_total",
		Help: "Общее количество запусков очистки файлов-сирот",
	})

	// sweepFilesDeletedTotal — количество удалённых файлов-сирот.
	sweepFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lc_sweep_files_deleted_total",
		Help: "Общее количество удалённых файлов-сирот",
	})

	// sweepErrorsTotal — количество ошибок очистки.
	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lc_sweep_errors_total",
		Help: "Общее количество ошибок при очистке файлов-сирот",
	})

	// sweepDurationSeconds — длительность очистки.
	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lc_sweep_duration_seconds",
		Help:    "Длительность очистки файлов-сирот в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)

// OrphanSweeper — операция ленты, удаляющая файлы-сироты.
type OrphanSweeper interface {
	SweepOrphans(minAge time.Duration) (feed.SweepResult, error)
}

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// Scanned — количество просмотренных файлов
	Scanned int
	// DeletedCount — количество удалённых файлов
	DeletedCount int
	// Errors — количество ошибок
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// SweeperService — сервис фоновой очистки файлов-сирот.
type SweeperService struct {
	feed     OrphanSweeper
	interval time.Duration
	minAge   time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeperService создаёт сервис очистки.
func NewSweeperService(
	f OrphanSweeper,
	interval time.Duration,
	minAge time.Duration,
	logger *slog.Logger,
) *SweeperService {
	return &SweeperService{
		feed:     f,
		interval: interval,
		minAge:   minAge,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
// При interval <= 0 очистка отключена.
func (s *SweeperService) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Очистка файлов-сирот отключена")
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка файлов-сирот запущена",
		slog.String("interval", s.interval.String()),
		slog.String("min_age", s.minAge.String()),
	)
}

// Stop останавливает фоновый процесс и дожидается его завершения.
func (s *SweeperService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Очистка файлов-сирот остановлена")
}

// run — основной цикл фоновой горутины.
func (s *SweeperService) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск — сразу после старта
	s.RunOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (s *SweeperService) RunOnce() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	s.logger.Debug("Очистка файлов-сирот начата")

	swept, err := s.feed.SweepOrphans(s.minAge)
	result.Scanned = swept.Scanned
	result.DeletedCount = swept.Removed + swept.TempRemoved
	result.Errors = swept.Errors
	if err != nil {
		result.Errors++
		s.logger.Error("Ошибка очистки файлов-сирот",
			slog.String("error", err.Error()),
		)
	}

	result.Duration = time.Since(start)

	// Обновляем Prometheus метрики
	sweepRunsTotal.Inc()
	sweepFilesDeletedTotal.Add(float64(result.DeletedCount))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	level := slog.LevelDebug
	if result.DeletedCount > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "Очистка файлов-сирот завершена",
		slog.Int("scanned", result.Scanned),
		slog.Int("deleted", result.DeletedCount),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}
