// Пакет server — HTTP-сервер LAN Clipboard с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/bigkaa/lanclip/internal/api/errors"
	"github.com/bigkaa/lanclip/internal/api/middleware"
	"github.com/bigkaa/lanclip/internal/config"
)

// Routes — набор HTTP endpoints, монтируемых под общими middleware.
type Routes interface {
	Register(r chi.Router)
}

// Realtime — обработчик real-time канала. Close отключает клиентов
// при остановке сервера: Shutdown не отслеживает hijacked-соединения.
type Realtime interface {
	http.Handler
	Close()
}

// Server — HTTP-сервер LAN Clipboard.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, routes Routes, realtime Realtime) *Server {
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           NewRouter(logger, routes, realtime),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		// WriteTimeout не задан: загрузки и websocket-соединения длительные.
		IdleTimeout: cfg.IdleTimeout,
	}
	srv.RegisterOnShutdown(realtime.Close)

	// Настройка TLS
	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
		cfg:        cfg,
	}
}

// NewRouter собирает chi-роутер сервиса.
// /ws монтируется вне middleware: обёртки ResponseWriter мешают hijack
// соединения, а длительность websocket-сессии не является латентностью запроса.
func NewRouter(logger *slog.Logger, routes Routes, realtime http.Handler) http.Handler {
	router := chi.NewRouter()

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w, "Ресурс не найден")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.MethodNotAllowed(w, "Метод не поддерживается")
	})

	router.Get("/ws", realtime.ServeHTTP)

	router.Group(func(r chi.Router) {
		r.Use(middleware.MetricsMiddleware())
		r.Use(middleware.RequestLogger(logger))

		r.Handle("/metrics", promhttp.Handler())
		routes.Register(r)
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown с таймаутом
// LC_SHUTDOWN_TIMEOUT; websocket-клиенты получают закрытие "going away".
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
