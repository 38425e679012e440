package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// client — одно WebSocket-соединение.
// Очередь send разбирает writeLoop, входящие сообщения читает readLoop,
// pingLoop проверяет, что клиент жив.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string

	// seq — номер мутации, на которой снят снимок клиента
	seq uint64

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	return &client{
		hub:    h,
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// run обслуживает соединение до его закрытия.
func (c *client) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pingLoop(ctx)
	}()

	c.readLoop(ctx)
	c.kick(websocket.StatusNormalClosure, "")
	wg.Wait()
}

// enqueue ставит сообщение в очередь без блокировки.
// Переполненная очередь означает медленного клиента: он отключается.
func (c *client) enqueue(event string, frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		wsMessagesTotal.WithLabelValues("out", event).Inc()
		return true
	default:
		wsSlowClientsTotal.Inc()
		c.hub.logger.Warn("Очередь клиента переполнена, соединение закрывается",
			slog.String("remote_addr", c.remote),
			slog.Int("buffer", cap(c.send)),
		)
		c.kick(websocket.StatusTryAgainLater, "очередь отправки переполнена")
		return false
	}
}

// sendError отправляет клиенту событие error.
func (c *client) sendError(code, message string) {
	frame, err := encodeFrame(EventError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(EventError, frame)
}

// kick инициирует закрытие соединения. Само закрытие выполняет writeLoop,
// поэтому kick не блокируется и безопасен под h.mu.
func (c *client) kick(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// writeLoop отправляет сообщения из очереди, пока соединение не закрыто.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			_ = c.conn.Close(c.closeCode, c.closeReason)
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, c.hub.cfg.WriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.hub.logger.Debug("Ошибка отправки клиенту",
					slog.String("remote_addr", c.remote),
					slog.String("error", err.Error()),
				)
				c.kick(websocket.StatusInternalError, "ошибка отправки")
			}
		}
	}
}

// readLoop читает входящие сообщения до ошибки или закрытия соединения.
func (c *client) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!errors.Is(err, context.Canceled) {
				c.hub.logger.Debug("Чтение из соединения прервано",
					slog.String("remote_addr", c.remote),
					slog.Int("status", int(status)),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if typ != websocket.MessageText {
			c.sendError(CodeBadMessage, "ожидалось текстовое сообщение")
			continue
		}
		c.hub.dispatch(c, data)
	}
}

// pingLoop периодически отправляет ping и закрывает соединение,
// если pong не пришёл за PingTimeout.
func (c *client) pingLoop(ctx context.Context) {
	interval := c.hub.cfg.PingInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.hub.cfg.PingTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.hub.logger.Info("Клиент не ответил на ping",
					slog.String("remote_addr", c.remote),
					slog.String("error", err.Error()),
				)
				c.kick(websocket.StatusPolicyViolation, "таймаут ping")
				return
			}
		}
	}
}
