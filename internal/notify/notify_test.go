package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"botline/internal/domain"
	"botline/internal/engine"
	"botline/internal/notify"
)

func TestNotifyPostsWebhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	s := notify.New(nil, time.Second)
	cfg := domain.NotificationConfig{
		WebhookURL:        srv.URL,
		NotifyOnCompleted: true,
	}
	s.Notify(context.Background(), cfg, engine.Notification{
		Kind:        "task_completed",
		TaskID:      "t1",
		TaskName:    "nightly-scrape",
		ExecutionID: "e1",
		BotID:       "b1",
	})
	if got == nil {
		t.Fatalf("webhook not called")
	}
	if got["kind"] != "task_completed" || got["task_id"] != "t1" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestNotifyHonorsToggles(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := notify.New(nil, time.Second)
	cfg := domain.NotificationConfig{
		WebhookURL:    srv.URL,
		NotifyOnError: false,
	}
	s.Notify(context.Background(), cfg, engine.Notification{Kind: "task_error", TaskID: "t1"})
	if called {
		t.Fatalf("disabled kind must not notify")
	}
}

func TestNotifySlackIncludesChannel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := notify.New(nil, time.Second)
	cfg := domain.NotificationConfig{
		SlackWebhookURL: srv.URL,
		SlackChannel:    "#ops",
		NotifyOnTimeout: true,
	}
	s.Notify(context.Background(), cfg, engine.Notification{Kind: "task_timeout", TaskName: "nightly"})
	if got == nil {
		t.Fatalf("slack webhook not called")
	}
	if got["channel"] != "#ops" {
		t.Fatalf("channel missing: %v", got)
	}
	if got["text"] == "" {
		t.Fatalf("empty summary text")
	}
}

func TestNotifyTelegram(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := notify.New(nil, time.Second)
	s.TelegramAPIBase = srv.URL
	s.TelegramToken = "tok123"
	cfg := domain.NotificationConfig{
		TelegramChatID:    "chat-1",
		NotifyOnCompleted: true,
	}
	s.Notify(context.Background(), cfg, engine.Notification{Kind: "task_completed", TaskName: "nightly"})
	if path != "/bottok123/sendMessage" {
		t.Fatalf("unexpected path %q", path)
	}
	if got["chat_id"] != "chat-1" {
		t.Fatalf("chat_id missing: %v", got)
	}
}

func TestNotifySurvivesDeadEndpoint(t *testing.T) {
	s := notify.New(nil, 100*time.Millisecond)
	cfg := domain.NotificationConfig{
		WebhookURL:        "http://127.0.0.1:1/unreachable",
		NotifyOnCompleted: true,
	}
	// must not panic or block beyond the timeout
	s.Notify(context.Background(), cfg, engine.Notification{Kind: "task_completed"})
}
