// Пакет codec — компактное представление записей ленты на диске.
//
// На диске каждая запись хранится с короткими ключами
// (i, t, y, u, x, f, m, s), что заметно уменьшает снимок из 200 записей.
// Decode принимает и компактную, и legacy-форму с полными именами полей.
// Форма определяется по наличию ключа "id", без версии формата.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/bigkaa/lanclip/internal/domain/model"
)

// legacyIDKey — ключ, наличие которого отличает legacy-запись от компактной.
const legacyIDKey = "id"

// Record — компактная запись на диске.
type Record struct {
	ID        string `json:"i"`
	CreatedAt int64  `json:"t"`
	Kind      string `json:"y"`
	URL       string `json:"u,omitempty"`
	Text      string `json:"x,omitempty"`
	Filename  string `json:"f,omitempty"`
	MimeType  string `json:"m,omitempty"`
	Size      int64  `json:"s,omitempty"`
}

// Encode преобразует запись в компактную форму.
func Encode(e model.Entry) Record {
	return Record{
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		Kind:      string(e.Kind),
		URL:       e.URL,
		Text:      e.Text,
		Filename:  e.Filename,
		MimeType:  e.MimeType,
		Size:      e.Size,
	}
}

// Entry преобразует компактную запись обратно в доменную модель.
func (r Record) Entry() model.Entry {
	return model.Entry{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Kind:      model.Kind(r.Kind),
		Text:      r.Text,
		URL:       r.URL,
		Filename:  r.Filename,
		MimeType:  r.MimeType,
		Size:      r.Size,
	}
}

// Decode разбирает одну запись в любой из двух форм.
func Decode(raw json.RawMessage) (model.Entry, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return model.Entry{}, fmt.Errorf("запись не является объектом: %w", err)
	}

	if _, legacy := keys[legacyIDKey]; legacy {
		var e model.Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return model.Entry{}, fmt.Errorf("ошибка разбора legacy-записи: %w", err)
		}
		return e, nil
	}

	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Entry{}, fmt.Errorf("ошибка разбора компактной записи: %w", err)
	}
	return r.Entry(), nil
}

// EncodeAll кодирует список записей с сохранением порядка.
func EncodeAll(entries []model.Entry) []Record {
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, Encode(e))
	}
	return out
}

// DecodeAll декодирует список записей с сохранением порядка.
// Нераспознанные записи пропускаются, для каждой вызывается skip (если задан).
func DecodeAll(raws []json.RawMessage, skip func(position int, err error)) []model.Entry {
	out := make([]model.Entry, 0, len(raws))
	for i, raw := range raws {
		e, err := Decode(raw)
		if err != nil {
			if skip != nil {
				skip(i, err)
			}
			continue
		}
		out = append(out, e)
	}
	return out
}
