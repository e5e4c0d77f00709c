package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatguard/internal/domain"
)

type apiCall struct {
	Method string
	Form   map[string]string
}

// fakeTelegram serves the Bot API over httptest. Responses are keyed by
// method name; getMe always succeeds.
type fakeTelegram struct {
	mu        sync.Mutex
	calls     []apiCall
	responses map[string]string
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	method := parts[len(parts)-1]
	r.ParseForm()
	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Form: form})
	body, ok := f.responses[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case method == "getMe":
		io.WriteString(w, `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"guard","username":"guard_bot"}}`)
	case ok:
		io.WriteString(w, body)
	default:
		io.WriteString(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeTelegram) last(method string) (apiCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method {
			return f.calls[i], true
		}
	}
	return apiCall{}, false
}

func newTestTelegram(t *testing.T, responses map[string]string) (*Telegram, *fakeTelegram) {
	t.Helper()
	fake := &fakeTelegram{responses: responses}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tg, err := NewTelegram(TelegramConfig{
		Token:       "123:abc",
		APIEndpoint: srv.URL + "/bot%s/%s",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	t.Cleanup(tg.Close)
	return tg, fake
}

func TestNewTelegram_RequiresToken(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{}); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestTelegram_Self(t *testing.T) {
	tg, _ := newTestTelegram(t, nil)
	if tg.Self().UserName != "guard_bot" {
		t.Errorf("Self = %+v", tg.Self())
	}
}

func TestTelegram_DeleteMessage(t *testing.T) {
	tg, fake := newTestTelegram(t, nil)
	if err := tg.DeleteMessage(context.Background(), -100, 5); err != nil {
		t.Fatal(err)
	}
	call, ok := fake.last("deleteMessage")
	if !ok {
		t.Fatal("deleteMessage not called")
	}
	if call.Form["chat_id"] != "-100" || call.Form["message_id"] != "5" {
		t.Errorf("form = %v", call.Form)
	}
}

func TestTelegram_SendMessageThread(t *testing.T) {
	tg, fake := newTestTelegram(t, map[string]string{
		"sendMessage": `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`,
	})
	if err := tg.SendMessage(context.Background(), -100, 77, "warning"); err != nil {
		t.Fatal(err)
	}
	call, _ := fake.last("sendMessage")
	if call.Form["message_thread_id"] != "77" || call.Form["text"] != "warning" {
		t.Errorf("form = %v", call.Form)
	}

	if err := tg.SendMessage(context.Background(), -100, 0, "top"); err != nil {
		t.Fatal(err)
	}
	call, _ = fake.last("sendMessage")
	if _, has := call.Form["message_thread_id"]; has {
		t.Errorf("unexpected message_thread_id for top-level send: %v", call.Form)
	}
}

func TestTelegram_SetWebhook(t *testing.T) {
	tg, fake := newTestTelegram(t, nil)
	reg := domain.WebhookRegistration{
		URL:            "https://example.com/webhook",
		Secret:         "s3cret",
		AllowedUpdates: []string{"message", "edited_message"},
		MaxConnections: 40,
	}
	if err := RegisterWebhook(context.Background(), tg, reg, true); err != nil {
		t.Fatal(err)
	}

	del, ok := fake.last("deleteWebhook")
	if !ok || del.Form["drop_pending_updates"] != "true" {
		t.Errorf("deleteWebhook form = %v (called=%v)", del.Form, ok)
	}
	set, ok := fake.last("setWebhook")
	if !ok {
		t.Fatal("setWebhook not called")
	}
	if set.Form["url"] != reg.URL || set.Form["secret_token"] != "s3cret" || set.Form["max_connections"] != "40" {
		t.Errorf("setWebhook form = %v", set.Form)
	}
	var allowed []string
	if err := json.Unmarshal([]byte(set.Form["allowed_updates"]), &allowed); err != nil || len(allowed) != 2 {
		t.Errorf("allowed_updates = %q", set.Form["allowed_updates"])
	}
}

func TestTelegram_GetUpdates(t *testing.T) {
	tg, fake := newTestTelegram(t, map[string]string{
		"getUpdates": `{"ok":true,"result":[{"update_id":1},{"update_id":2}]}`,
	})
	raw, err := tg.GetUpdates(context.Background(), 5, 30*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 2 {
		t.Fatalf("got %d updates, want 2", len(raw))
	}
	call, _ := fake.last("getUpdates")
	if call.Form["offset"] != "5" || call.Form["timeout"] != "30" {
		t.Errorf("form = %v", call.Form)
	}
}

func TestTelegram_ErrorClassification(t *testing.T) {
	cases := []struct {
		body string
		kind error
	}{
		{`{"ok":false,"error_code":400,"description":"Bad Request: message thread not found"}`, domain.ErrThreadNotFound},
		{`{"ok":false,"error_code":400,"description":"Bad Request: message can't be deleted"}`, domain.ErrPermission},
		{`{"ok":false,"error_code":403,"description":"Forbidden: bot is not a member of the supergroup chat"}`, domain.ErrPermission},
		{`{"ok":false,"error_code":400,"description":"Bad Request: message to delete not found"}`, domain.ErrMessageGone},
		{`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`, domain.ErrRateLimited},
	}
	for _, tc := range cases {
		tg, _ := newTestTelegram(t, map[string]string{"deleteMessage": tc.body})
		err := tg.DeleteMessage(context.Background(), 1, 1)
		if !errors.Is(err, tc.kind) {
			t.Errorf("%s: err = %v, want kind %v", tc.body, err, tc.kind)
		}
		var apiErr *domain.APIError
		if !errors.As(err, &apiErr) || apiErr.Method != "deleteMessage" {
			t.Errorf("%s: expected *domain.APIError, got %T", tc.body, err)
		}
	}
}

func TestTelegram_RetryAfter(t *testing.T) {
	tg, _ := newTestTelegram(t, map[string]string{
		"sendMessage": `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`,
	})
	err := tg.SendMessage(context.Background(), 1, 0, "x")
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.RetryAfter != 7 {
		t.Errorf("err = %v", err)
	}
}

func TestTelegram_CancelledContext(t *testing.T) {
	tg, fake := newTestTelegram(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.DeleteMessage(ctx, 1, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, called := fake.last("deleteMessage"); called {
		t.Error("request should not be sent with a cancelled context")
	}
}

func TestTelegram_CloseAbortsRequests(t *testing.T) {
	tg, _ := newTestTelegram(t, nil)
	tg.Close()
	err := tg.DeleteMessage(context.Background(), 1, 1)
	if err == nil {
		t.Fatal("expected error after Close")
	}
	if domain.ErrorKind(err) != "transport" {
		t.Errorf("ErrorKind = %q, want transport", domain.ErrorKind(err))
	}
}

func TestTelegram_GetUpdatesHonorsContext(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeTelegram{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/getUpdates") {
			<-release
		}
		fake.ServeHTTP(w, r)
	}))
	defer srv.Close()
	defer close(release)

	tg, err := NewTelegram(TelegramConfig{
		Token:       "123:abc",
		APIEndpoint: srv.URL + "/bot%s/%s",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = tg.GetUpdates(ctx, 0, 30*time.Second, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("GetUpdates did not return promptly after cancellation")
	}
}
