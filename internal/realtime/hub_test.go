package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/bigkaa/lanclip/internal/domain/model"
	"github.com/bigkaa/lanclip/internal/storage/feed"
	"github.com/bigkaa/lanclip/internal/storage/filestore"
	"github.com/bigkaa/lanclip/internal/storage/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// frame — сообщение сервера в тестах.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type testEnv struct {
	store *feed.Store
	files *filestore.FileStore
	hub   *Hub
	url   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	files, err := filestore.New(filepath.Join(dir, "uploads"), "")
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	snap, err := snapshot.New(filepath.Join(dir, "clipboard.json"), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания снимка: %v", err)
	}
	store := feed.New(files, snap, feed.Config{}, testLogger())
	store.Load(snap.Load())

	hub := NewHub(store, Config{PingInterval: 0}, testLogger())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return &testEnv{
		store: store,
		files: files,
		hub:   hub,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, e.url, nil)
	if err != nil {
		t.Fatalf("ошибка подключения: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("ошибка разбора сообщения %s: %v", data, err)
	}
	return f
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	f := readFrame(t, conn)
	if f.Event != event {
		t.Fatalf("ожидалось событие %s, получено %s (%s)", event, f.Event, f.Data)
	}
	return f
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	msg := map[string]any{"event": event}
	if data != nil {
		msg["data"] = data
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}
}

// TestSnapshotFirst проверяет, что первым сообщением приходит снимок ленты.
func TestSnapshotFirst(t *testing.T) {
	env := newTestEnv(t)
	existing, _, err := env.store.Create(model.Draft{Kind: model.KindText, Text: "before"})
	if err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}

	conn := env.dial(t)
	f := expectEvent(t, conn, EventSnapshot)

	var entries []model.Entry
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		t.Fatalf("ошибка разбора снимка: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != existing.ID {
		t.Errorf("некорректный снимок: %+v", entries)
	}
}

// TestSnapshotEmpty проверяет, что пустая лента отправляется как [].
func TestSnapshotEmpty(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	f := expectEvent(t, conn, EventSnapshot)
	if string(f.Data) != "[]" {
		t.Errorf("ожидался пустой массив, получено %s", f.Data)
	}
}

// TestSubmit_BroadcastsToAll — сценарий A: created получают все клиенты,
// включая отправителя.
func TestSubmit_BroadcastsToAll(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	expectEvent(t, a, EventSnapshot)
	expectEvent(t, b, EventSnapshot)

	send(t, a, EventSubmit, map[string]any{"type": "text", "text": "hello"})

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		f := expectEvent(t, conn, EventCreated)
		var entry model.Entry
		if err := json.Unmarshal(f.Data, &entry); err != nil {
			t.Fatalf("клиент %s: ошибка разбора записи: %v", name, err)
		}
		if entry.ID == "" || entry.Text != "hello" || entry.Kind != model.KindText || entry.CreatedAt == 0 {
			t.Errorf("клиент %s: некорректная запись %+v", name, entry)
		}
	}

	if env.store.Len() != 1 {
		t.Errorf("ожидалась 1 запись, получено %d", env.store.Len())
	}
}

// TestSubmit_Invalid проверяет, что error получает только отправитель.
func TestSubmit_Invalid(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	expectEvent(t, a, EventSnapshot)
	expectEvent(t, b, EventSnapshot)

	send(t, a, EventSubmit, map[string]any{"type": "image", "url": "/files/missing.png"})

	f := expectEvent(t, a, EventError)
	var payload ErrorPayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("ошибка разбора: %v", err)
	}
	if payload.Code != CodeInvalidEntry {
		t.Errorf("код: ожидалось %s, получено %s", CodeInvalidEntry, payload.Code)
	}

	// b не получает error: следующее сообщение для него — created
	send(t, a, EventSubmit, map[string]any{"type": "text", "text": "ok"})
	expectEvent(t, b, EventCreated)
}

// TestDelete_Unknown — сценарий D: deleted не рассылается.
func TestDelete_Unknown(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	expectEvent(t, conn, EventSnapshot)

	send(t, conn, EventDelete, "nonexistent")
	send(t, conn, EventSubmit, map[string]any{"type": "text", "text": "marker"})

	// Сообщения обрабатываются по порядку: если бы deleted был отправлен,
	// он пришёл бы раньше created
	expectEvent(t, conn, EventCreated)
}

// TestDelete_BroadcastsDeleted проверяет удаление записи.
func TestDelete_BroadcastsDeleted(t *testing.T) {
	env := newTestEnv(t)
	entry, _, err := env.store.Create(model.Draft{Kind: model.KindText, Text: "x"})
	if err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}

	a := env.dial(t)
	b := env.dial(t)
	expectEvent(t, a, EventSnapshot)
	expectEvent(t, b, EventSnapshot)

	send(t, a, EventDelete, " "+entry.ID+" ")

	for _, conn := range []*websocket.Conn{a, b} {
		f := expectEvent(t, conn, EventDeleted)
		var id string
		if err := json.Unmarshal(f.Data, &id); err != nil || id != entry.ID {
			t.Errorf("ожидался id %s, получено %s (%v)", entry.ID, f.Data, err)
		}
	}
	if env.store.Len() != 0 {
		t.Error("запись должна быть удалена")
	}
}

// TestClearAll — сценарий F: cleared рассылается один раз.
func TestClearAll(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.files.Put(strings.NewReader("data"), "a.txt", "text/plain", 0)
	if err != nil {
		t.Fatalf("ошибка сохранения файла: %v", err)
	}
	if _, _, err := env.store.Create(model.Draft{Kind: model.KindText, Text: "t"}); err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}
	if _, _, err := env.store.Create(model.Draft{Kind: model.KindFile, URL: res.URL}); err != nil {
		t.Fatalf("ошибка создания: %v", err)
	}

	conn := env.dial(t)
	expectEvent(t, conn, EventSnapshot)

	send(t, conn, EventClearAll, nil)
	expectEvent(t, conn, EventCleared)

	// Следующее событие — уже created, повторного cleared нет
	send(t, conn, EventSubmit, map[string]any{"type": "text", "text": "after"})
	expectEvent(t, conn, EventCreated)

	if env.files.Exists(res.URL) {
		t.Error("файлы должны быть удалены")
	}
}

// TestUnknownEventIgnored проверяет, что неизвестные события не рвут соединение.
func TestUnknownEventIgnored(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	expectEvent(t, conn, EventSnapshot)

	send(t, conn, "paste", map[string]any{"x": 1})
	send(t, conn, EventSubmit, map[string]any{"type": "text", "text": "still here"})
	expectEvent(t, conn, EventCreated)
}

// TestBadMessage проверяет ответ на не-JSON сообщение.
func TestBadMessage(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	expectEvent(t, conn, EventSnapshot)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}

	f := expectEvent(t, conn, EventError)
	var payload ErrorPayload
	_ = json.Unmarshal(f.Data, &payload)
	if payload.Code != CodeBadMessage {
		t.Errorf("код: ожидалось %s, получено %s", CodeBadMessage, payload.Code)
	}
}

// TestClose_DisconnectsClients проверяет отключение клиентов при остановке.
func TestClose_DisconnectsClients(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	expectEvent(t, conn, EventSnapshot)

	if n := env.hub.ClientCount(); n != 1 {
		t.Fatalf("ожидался 1 клиент, получено %d", n)
	}

	done := make(chan struct{})
	go func() {
		env.hub.Close()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("ожидался статус GoingAway, получено %v (%v)", status, err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close не завершился")
	}
	if n := env.hub.ClientCount(); n != 0 {
		t.Errorf("после Close не должно остаться клиентов, получено %d", n)
	}

	// Новые подключения отклоняются
	late := env.dial(t)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if _, _, err := late.Read(ctx2); err == nil {
		t.Error("подключение после Close должно быть закрыто")
	}
}

// TestEnqueue_SlowConsumer проверяет отключение клиента с переполненной очередью.
func TestEnqueue_SlowConsumer(t *testing.T) {
	h := &Hub{cfg: Config{SendBuffer: 1}.withDefaults(), logger: testLogger()}
	c := newClient(h, nil, "test")

	if !c.enqueue(EventCreated, []byte("1")) {
		t.Fatal("первое сообщение должно попасть в очередь")
	}
	if c.enqueue(EventCreated, []byte("2")) {
		t.Fatal("второе сообщение не должно попасть в очередь")
	}

	select {
	case <-c.done:
	default:
		t.Fatal("клиент должен быть помечен к закрытию")
	}
	if c.closeCode != websocket.StatusTryAgainLater {
		t.Errorf("код закрытия: ожидалось %v, получено %v", websocket.StatusTryAgainLater, c.closeCode)
	}
	if c.enqueue(EventCreated, []byte("3")) {
		t.Error("после закрытия сообщения не принимаются")
	}
}

// TestDecodeID проверяет разбор payload delete.
func TestDecodeID(t *testing.T) {
	tests := []struct {
		data    string
		want    string
		wantErr bool
	}{
		{`"abc"`, "abc", false},
		{`"  abc  "`, "abc", false},
		{`42`, "42", false},
		{`null`, "", false},
		{``, "", false},
		{`{"id":"x"}`, "", true},
		{`[1]`, "", true},
	}

	for _, tt := range tests {
		got, err := decodeID(json.RawMessage(tt.data))
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeID(%s): ошибка %v, ожидалась ошибка: %v", tt.data, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("decodeID(%s): ожидалось %q, получено %q", tt.data, tt.want, got)
		}
	}
}

// stubFeed — лента с управляемыми сбоями. Create и Delete завершаются
// ошибкой сохранения для текста или id "fail", Clear возвращает
// заданный результат.
type stubFeed struct {
	mu          sync.Mutex
	seq         uint64
	nextID      int
	clearResult feed.ClearResult
	clearErr    error
}

func (f *stubFeed) Create(draft model.Draft) (model.Entry, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if draft.Text == "fail" {
		return model.Entry{}, f.seq, fmt.Errorf("%w: диск недоступен", feed.ErrPersistence)
	}
	f.nextID++
	f.seq++
	return model.Entry{
		ID:        fmt.Sprintf("stub-%d", f.nextID),
		Kind:      draft.Kind,
		Text:      draft.Text,
		CreatedAt: time.Now().UnixMilli(),
	}, f.seq, nil
}

func (f *stubFeed) Delete(id string) (bool, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "fail" {
		return false, f.seq, fmt.Errorf("%w: диск недоступен", feed.ErrPersistence)
	}
	return false, f.seq, nil
}

func (f *stubFeed) Clear() (feed.ClearResult, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clearResult.Removed) > 0 || f.clearResult.All {
		f.seq++
	}
	return f.clearResult, f.seq, f.clearErr
}

func (f *stubFeed) Snapshot() ([]model.Entry, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []model.Entry{}, f.seq
}

func (f *stubFeed) Len() int { return 0 }

// dialStub подключает двух клиентов к hub поверх stubFeed и вычитывает снимки.
func dialStub(t *testing.T, f *stubFeed) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	hub := NewHub(f, Config{PingInterval: 0}, testLogger())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	env := &testEnv{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	a := env.dial(t)
	b := env.dial(t)
	expectEvent(t, a, EventSnapshot)
	expectEvent(t, b, EventSnapshot)
	return a, b
}

func expectErrorCode(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	f := expectEvent(t, conn, EventError)
	var payload ErrorPayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("ошибка разбора: %v", err)
	}
	if payload.Code != code {
		t.Errorf("код: ожидалось %s, получено %s", code, payload.Code)
	}
}

func expectDeletedID(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	f := expectEvent(t, conn, EventDeleted)
	var id string
	if err := json.Unmarshal(f.Data, &id); err != nil || id != want {
		t.Errorf("ожидался id %s, получено %s (%v)", want, f.Data, err)
	}
}

// TestClearPartial — при частичной очистке рассылается deleted по каждой
// удалённой записи, cleared не рассылается, а CLEAR_PARTIAL получает
// только инициатор.
func TestClearPartial(t *testing.T) {
	f := &stubFeed{
		clearResult: feed.ClearResult{Removed: []string{"a", "b"}},
		clearErr:    fmt.Errorf("%w: файлы заняты", feed.ErrPartialClear),
	}
	a, b := dialStub(t, f)

	send(t, a, EventClearAll, nil)

	for _, conn := range []*websocket.Conn{a, b} {
		expectDeletedID(t, conn, "a")
		expectDeletedID(t, conn, "b")
	}
	expectErrorCode(t, a, CodeClearPartial)

	// Следующее сообщение для b — created: ни cleared, ни error он не получил
	send(t, a, EventSubmit, map[string]any{"type": "text", "text": "marker"})
	expectEvent(t, b, EventCreated)
	expectEvent(t, a, EventCreated)
}

// TestPersistenceError — при сбое сохранения ленты PERSISTENCE_ERROR
// получает только инициатор, остальным ничего не рассылается.
func TestPersistenceError(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  any
		stub  *stubFeed
	}{
		{
			name:  "submit",
			event: EventSubmit,
			data:  map[string]any{"type": "text", "text": "fail"},
			stub:  &stubFeed{},
		},
		{
			name:  "delete",
			event: EventDelete,
			data:  "fail",
			stub:  &stubFeed{},
		},
		{
			name:  "clearAll",
			event: EventClearAll,
			stub: &stubFeed{
				clearErr: fmt.Errorf("%w: диск недоступен", feed.ErrPersistence),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := dialStub(t, tt.stub)

			send(t, a, tt.event, tt.data)
			expectErrorCode(t, a, CodePersistence)

			send(t, a, EventSubmit, map[string]any{"type": "text", "text": "marker"})
			expectEvent(t, a, EventCreated)
			f := expectEvent(t, b, EventCreated)
			var entry model.Entry
			if err := json.Unmarshal(f.Data, &entry); err != nil || entry.Text != "marker" {
				t.Errorf("ожидалась запись marker, получено %s (%v)", f.Data, err)
			}
		})
	}
}
