package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bigkaa/lanclip/internal/domain/model"
	"github.com/bigkaa/lanclip/internal/storage/feed"
)

// Значения по умолчанию.
const (
	DefaultReadLimit    = 1 << 20
	DefaultPingInterval = 10 * time.Second
	DefaultPingTimeout  = 20 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultSendBuffer   = 256
)

// Feed — операции ленты, которые использует hub.
type Feed interface {
	Create(draft model.Draft) (model.Entry, uint64, error)
	Delete(id string) (bool, uint64, error)
	Clear() (feed.ClearResult, uint64, error)
	Snapshot() ([]model.Entry, uint64)
	Len() int
}

// Config — параметры WebSocket-соединений.
type Config struct {
	// ReadLimit — максимальный размер входящего сообщения в байтах
	ReadLimit int64
	// PingInterval — период keepalive ping (0 — без ping)
	PingInterval time.Duration
	// PingTimeout — ожидание pong
	PingTimeout time.Duration
	// WriteTimeout — таймаут записи одного сообщения
	WriteTimeout time.Duration
	// SendBuffer — ёмкость очереди исходящих сообщений клиента
	SendBuffer int
	// OriginPatterns — допустимые Origin (пусто — только same-origin)
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	return c
}

// Hub — реестр подключённых клиентов и рассылка событий ленты.
//
// Мутации ленты и постановка событий в очереди клиентов выполняются
// под h.mu, поэтому события приходят клиентам в порядке мутаций,
// а новый клиент получает снимок и регистрируется атомарно относительно
// мутаций. Блокировка ленты к моменту рассылки уже отпущена, а запись
// в сеть выполняют горутины клиентов.
type Hub struct {
	feed   Feed
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub создаёт hub для ленты.
func NewHub(f Feed, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		feed:    f,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "realtime")),
		clients: make(map[*client]struct{}),
	}
	feedEntries.Set(float64(f.Len()))
	return h
}

// ServeHTTP принимает WebSocket-соединение и обслуживает его до отключения.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("Ошибка установки WebSocket-соединения",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	c := newClient(h, conn, r.RemoteAddr)
	if !h.register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "сервер останавливается")
		return
	}
	defer h.wg.Done()

	c.run()
	h.unregister(c)
}

// ClientCount возвращает количество подключённых клиентов.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close отключает всех клиентов и ждёт завершения их обработчиков.
// Новые подключения после Close отклоняются.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.kick(websocket.StatusGoingAway, "сервер останавливается")
	}
	h.wg.Wait()

	h.logger.Info("WebSocket-клиенты отключены",
		slog.Int("clients", len(clients)),
	)
}

// register ставит снимок в очередь клиента и добавляет его в реестр.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	entries, seq := h.feed.Snapshot()
	frame, err := encodeFrame(EventSnapshot, entries)
	if err != nil {
		h.logger.Error("Не удалось сформировать снимок", slog.String("error", err.Error()))
		return false
	}
	c.seq = seq
	c.enqueue(EventSnapshot, frame)

	h.clients[c] = struct{}{}
	h.wg.Add(1)
	wsConnections.Inc()

	h.logger.Info("Клиент подключён",
		slog.String("remote_addr", c.remote),
		slog.Int("clients", len(h.clients)),
		slog.Int("entries", len(entries)),
	)
	return true
}

// unregister удаляет клиента из реестра.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	wsConnections.Dec()
	h.logger.Info("Клиент отключён",
		slog.String("remote_addr", c.remote),
		slog.Int("clients", count),
	)
}

// dispatch обрабатывает входящее сообщение клиента.
func (h *Hub) dispatch(c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError(CodeBadMessage, "сообщение не является JSON-конвертом")
		return
	}
	switch env.Event {
	case EventSubmit, EventDelete, EventClearAll:
		wsMessagesTotal.WithLabelValues("in", env.Event).Inc()
	default:
		wsMessagesTotal.WithLabelValues("in", "unknown").Inc()
	}

	switch env.Event {
	case EventSubmit:
		var draft model.Draft
		if err := json.Unmarshal(env.Data, &draft); err != nil {
			c.sendError(CodeInvalidEntry, "некорректные данные записи")
			return
		}
		h.submit(c, draft)
	case EventDelete:
		id, err := decodeID(env.Data)
		if err != nil {
			c.sendError(CodeBadMessage, err.Error())
			return
		}
		h.delete(c, id)
	case EventClearAll:
		h.clear(c)
	default:
		h.logger.Debug("Неизвестное событие проигнорировано",
			slog.String("event", env.Event),
			slog.String("remote_addr", c.remote),
		)
	}
}

// submit создаёт запись и рассылает created всем клиентам.
func (h *Hub) submit(c *client, draft model.Draft) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, seq, err := h.feed.Create(draft)
	if err != nil {
		h.fail(c, "create", err)
		return
	}
	feedOperationsTotal.WithLabelValues("create", "success").Inc()

	h.broadcastLocked(seq, EventCreated, entry)
}

// delete удаляет запись. Неизвестный id игнорируется без рассылки.
func (h *Hub) delete(c *client, id string) {
	if id == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	removed, seq, err := h.feed.Delete(id)
	if err != nil {
		h.fail(c, "delete", err)
		return
	}
	if !removed {
		feedOperationsTotal.WithLabelValues("delete", "not_found").Inc()
		return
	}
	feedOperationsTotal.WithLabelValues("delete", "success").Inc()

	h.broadcastLocked(seq, EventDeleted, id)
}

// clear очищает ленту. При полной очистке рассылается cleared,
// при частичной — deleted по каждой удалённой записи и error инициатору.
func (h *Hub) clear(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result, seq, err := h.feed.Clear()

	switch {
	case result.All:
		h.broadcastLocked(seq, EventCleared, nil)
	case len(result.Removed) > 0:
		for _, id := range result.Removed {
			h.broadcastLocked(seq, EventDeleted, id)
		}
	}

	if err != nil {
		h.fail(c, "clear", err)
		return
	}
	feedOperationsTotal.WithLabelValues("clear", "success").Inc()
}

// fail отправляет инициатору событие error. Вызывается под h.mu.
func (h *Hub) fail(c *client, operation string, err error) {
	code := errorCode(err)
	feedOperationsTotal.WithLabelValues(operation, "error").Inc()

	level := slog.LevelWarn
	if !errors.Is(err, model.ErrInvalidEntry) {
		level = slog.LevelError
	}
	h.logger.Log(context.Background(), level, "Операция над лентой не выполнена",
		slog.String("operation", operation),
		slog.String("code", code),
		slog.String("remote_addr", c.remote),
		slog.String("error", err.Error()),
	)

	c.sendError(code, err.Error())
}

// broadcastLocked ставит событие в очереди всех клиентов, чей снимок
// снят раньше seq. Вызывается под h.mu.
func (h *Hub) broadcastLocked(seq uint64, event string, data any) {
	feedEntries.Set(float64(h.feed.Len()))

	frame, err := encodeFrame(event, data)
	if err != nil {
		h.logger.Error("Не удалось сформировать событие",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	for c := range h.clients {
		if seq <= c.seq {
			continue
		}
		c.enqueue(event, frame)
	}
}
