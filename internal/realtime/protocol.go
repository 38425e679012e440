// Пакет realtime — протокол синхронизации ленты поверх WebSocket.
//
// Каждое сообщение — JSON-конверт {"event": "<имя>", "data": <payload>}.
// Сервер сначала отправляет клиенту snapshot, затем рассылает всем
// подключённым клиентам события created, deleted и cleared.
// Ошибки обработки запроса клиента отправляются только ему (событие error).
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bigkaa/lanclip/internal/domain/model"
	"github.com/bigkaa/lanclip/internal/storage/feed"
)

// События протокола.
const (
	// EventSnapshot — полное состояние ленты, первое сообщение соединения
	EventSnapshot = "snapshot"
	// EventSubmit — клиент создаёт запись (data: Draft)
	EventSubmit = "submit"
	// EventCreated — запись создана (data: Entry)
	EventCreated = "created"
	// EventDelete — клиент удаляет запись (data: id)
	EventDelete = "delete"
	// EventDeleted — запись удалена (data: id)
	EventDeleted = "deleted"
	// EventClearAll — клиент очищает ленту
	EventClearAll = "clearAll"
	// EventCleared — лента очищена
	EventCleared = "cleared"
	// EventError — ошибка обработки запроса клиента (data: ErrorPayload)
	EventError = "error"
)

// Коды ошибок события error.
const (
	CodeBadMessage   = "BAD_MESSAGE"
	CodeInvalidEntry = "INVALID_ENTRY"
	CodePersistence  = "PERSISTENCE_ERROR"
	CodeClearPartial = "CLEAR_PARTIAL"
	CodeInternal     = "INTERNAL_ERROR"
)

// Envelope — входящее сообщение клиента.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outFrame — исходящее сообщение сервера.
type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ErrorPayload — данные события error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errBadID — payload delete не является id.
var errBadID = errors.New("id должен быть строкой или числом")

// encodeFrame сериализует исходящее сообщение.
func encodeFrame(event string, data any) ([]byte, error) {
	frame, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события %s: %w", event, err)
	}
	return frame, nil
}

// decodeID извлекает id из payload delete: строка или число.
func decodeID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s), nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return n.String(), nil
	}

	return "", errBadID
}

// errorCode сопоставляет ошибку ленты с кодом события error.
func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidEntry):
		return CodeInvalidEntry
	case errors.Is(err, feed.ErrPersistence):
		return CodePersistence
	case errors.Is(err, feed.ErrPartialClear):
		return CodeClearPartial
	default:
		return CodeInternal
	}
}
