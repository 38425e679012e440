// Пакет config — загрузка и валидация конфигурации LAN Clipboard
// из переменных окружения.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// Адрес прослушивания (пусто — все интерфейсы)
	Host string
	// Порт HTTP-сервера
	Port int
	// Имя сервиса в ответе /health
	ServiceName string

	// Корневая директория данных
	DataDir string
	// Директория загруженных файлов
	UploadDir string
	// Прежнее расположение файлов, переносится при старте (пусто — отключено)
	LegacyUploadDir string
	// Путь к файлу снимка ленты
	SnapshotFile string

	// Ёмкость ленты
	MaxEntries int
	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64
	// Сколько помнить id удалённых записей
	TombstoneTTL time.Duration

	// Интервал удаления файлов-сирот (0 — отключено)
	SweepInterval time.Duration
	// Минимальный возраст файла-сироты
	SweepMinAge time.Duration

	// Максимальный размер входящего WebSocket-сообщения
	WSReadLimit int64
	// Период keepalive ping
	WSPingInterval time.Duration
	// Ожидание pong
	WSPingTimeout time.Duration
	// Ёмкость очереди исходящих сообщений клиента
	WSSendBuffer int
	// Допустимые Origin для WebSocket
	WSOriginPatterns []string

	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string

	// Таймаут чтения заголовков запроса
	ReadHeaderTimeout time.Duration
	// Таймаут простоя keep-alive соединения
	IdleTimeout time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Файл логов с ротацией (пусто — только stdout)
	LogFile string
	// Максимальный размер файла логов в мегабайтах до ротации
	LogFileMaxSizeMB int
	// Сколько ротированных файлов логов хранить
	LogFileMaxBackups int
}

// Addr возвращает адрес прослушивания host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSEnabled возвращает true, если заданы сертификат и ключ.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// LC_HOST — адрес прослушивания (по умолчанию все интерфейсы)
	cfg.Host = getEnvDefault("LC_HOST", "")

	// LC_PORT — порт HTTP-сервера (по умолчанию 3846)
	cfg.Port, err = getEnvInt("LC_PORT", 3846)
	if err != nil {
		return nil, fmt.Errorf("LC_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("LC_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.ServiceName = getEnvDefault("LC_SERVICE_NAME", "lan-clipboard")

	// LC_DATA_DIR — корневая директория данных (по умолчанию ./data)
	cfg.DataDir = getEnvDefault("LC_DATA_DIR", "data")

	// LC_UPLOAD_DIR и LC_SNAPSHOT_FILE по умолчанию внутри LC_DATA_DIR
	cfg.UploadDir = getEnvDefault("LC_UPLOAD_DIR", filepath.Join(cfg.DataDir, "uploads"))
	cfg.SnapshotFile = getEnvDefault("LC_SNAPSHOT_FILE", filepath.Join(cfg.DataDir, "clipboard.json"))

	// LC_LEGACY_UPLOAD_DIR — прежняя директория файлов; "-" отключает перенос
	cfg.LegacyUploadDir = getEnvDefault("LC_LEGACY_UPLOAD_DIR", "uploads")
	if cfg.LegacyUploadDir == "-" {
		cfg.LegacyUploadDir = ""
	}

	// LC_MAX_ENTRIES — ёмкость ленты (по умолчанию 200)
	cfg.MaxEntries, err = getEnvInt("LC_MAX_ENTRIES", 200)
	if err != nil {
		return nil, fmt.Errorf("LC_MAX_ENTRIES: %w", err)
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("LC_MAX_ENTRIES: значение должно быть положительным")
	}

	// LC_MAX_UPLOAD_SIZE — максимальный размер файла (по умолчанию 1 GB)
	cfg.MaxUploadSize, err = getEnvInt64("LC_MAX_UPLOAD_SIZE", 1073741824)
	if err != nil {
		return nil, fmt.Errorf("LC_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("LC_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	// LC_TOMBSTONE_TTL — время жизни id удалённых записей (по умолчанию 10m)
	cfg.TombstoneTTL, err = getEnvDuration("LC_TOMBSTONE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LC_TOMBSTONE_TTL: %w", err)
	}

	// LC_SWEEP_INTERVAL — интервал очистки файлов-сирот (по умолчанию 1h, 0 — отключено)
	cfg.SweepInterval, err = getEnvDuration("LC_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("LC_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval < 0 {
		return nil, fmt.Errorf("LC_SWEEP_INTERVAL: значение не может быть отрицательным")
	}

	// LC_SWEEP_MIN_AGE — минимальный возраст файла-сироты (по умолчанию 24h)
	cfg.SweepMinAge, err = getEnvDuration("LC_SWEEP_MIN_AGE", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("LC_SWEEP_MIN_AGE: %w", err)
	}
	if cfg.SweepMinAge < 0 {
		return nil, fmt.Errorf("LC_SWEEP_MIN_AGE: значение не может быть отрицательным")
	}

	// LC_WS_READ_LIMIT — максимальный размер входящего сообщения (по умолчанию 1 MiB)
	cfg.WSReadLimit, err = getEnvInt64("LC_WS_READ_LIMIT", 1048576)
	if err != nil {
		return nil, fmt.Errorf("LC_WS_READ_LIMIT: %w", err)
	}
	if cfg.WSReadLimit <= 0 {
		return nil, fmt.Errorf("LC_WS_READ_LIMIT: значение должно быть положительным")
	}

	// LC_WS_PING_INTERVAL — период ping (по умолчанию 10s, 0 — отключено)
	cfg.WSPingInterval, err = getEnvDuration("LC_WS_PING_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LC_WS_PING_INTERVAL: %w", err)
	}

	// LC_WS_PING_TIMEOUT — ожидание pong (по умолчанию 20s)
	cfg.WSPingTimeout, err = getEnvDuration("LC_WS_PING_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LC_WS_PING_TIMEOUT: %w", err)
	}
	if cfg.WSPingTimeout <= 0 {
		return nil, fmt.Errorf("LC_WS_PING_TIMEOUT: значение должно быть положительным")
	}

	// LC_WS_SEND_BUFFER — очередь исходящих сообщений клиента (по умолчанию 256)
	cfg.WSSendBuffer, err = getEnvInt("LC_WS_SEND_BUFFER", 256)
	if err != nil {
		return nil, fmt.Errorf("LC_WS_SEND_BUFFER: %w", err)
	}
	if cfg.WSSendBuffer <= 0 {
		return nil, fmt.Errorf("LC_WS_SEND_BUFFER: значение должно быть положительным")
	}

	// LC_WS_ORIGIN_PATTERNS — допустимые Origin через запятую (по умолчанию любые)
	cfg.WSOriginPatterns = splitList(getEnvDefault("LC_WS_ORIGIN_PATTERNS", "*"))

	// LC_TLS_CERT / LC_TLS_KEY — задаются вместе или не задаются
	cfg.TLSCert = getEnvDefault("LC_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("LC_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("LC_TLS_CERT и LC_TLS_KEY должны быть заданы вместе")
	}

	cfg.ReadHeaderTimeout, err = getEnvDuration("LC_READ_HEADER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LC_READ_HEADER_TIMEOUT: %w", err)
	}

	cfg.IdleTimeout, err = getEnvDuration("LC_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LC_IDLE_TIMEOUT: %w", err)
	}

	// LC_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 10s)
	cfg.ShutdownTimeout, err = getEnvDuration("LC_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LC_SHUTDOWN_TIMEOUT: %w", err)
	}

	// LC_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("LC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LC_LOG_LEVEL: %w", err)
	}

	// LC_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("LC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// LC_LOG_FILE — дублировать логи в файл с ротацией (по умолчанию выключено)
	cfg.LogFile = getEnvDefault("LC_LOG_FILE", "")

	// LC_LOG_FILE_MAX_SIZE_MB — размер файла логов до ротации (по умолчанию 100)
	cfg.LogFileMaxSizeMB, err = getEnvInt("LC_LOG_FILE_MAX_SIZE_MB", 100)
	if err != nil {
		return nil, fmt.Errorf("LC_LOG_FILE_MAX_SIZE_MB: %w", err)
	}
	if cfg.LogFileMaxSizeMB <= 0 {
		return nil, fmt.Errorf("LC_LOG_FILE_MAX_SIZE_MB: значение должно быть > 0, получено %d", cfg.LogFileMaxSizeMB)
	}

	// LC_LOG_FILE_MAX_BACKUPS — число хранимых ротированных файлов (по умолчанию 3)
	cfg.LogFileMaxBackups, err = getEnvInt("LC_LOG_FILE_MAX_BACKUPS", 3)
	if err != nil {
		return nil, fmt.Errorf("LC_LOG_FILE_MAX_BACKUPS: %w", err)
	}
	if cfg.LogFileMaxBackups < 0 {
		return nil, fmt.Errorf("LC_LOG_FILE_MAX_BACKUPS: значение должно быть >= 0, получено %d", cfg.LogFileMaxBackups)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			Compress:   true,
		})
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// splitList разбивает значение через запятую, пустые элементы отбрасываются.
func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
