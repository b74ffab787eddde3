package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"botline/internal/domain"
	"botline/internal/engine"
)

// Service delivers execution notifications over webhooks, Slack and Telegram.
// Delivery is best effort: failures are logged, never surfaced to the caller.
type Service struct {
	Client  *http.Client
	Log     *zap.Logger
	Timeout time.Duration

	// TelegramAPIBase is overridable for tests.
	TelegramAPIBase string
	TelegramToken   string
}

func New(log *zap.Logger, timeout time.Duration) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		Client:          &http.Client{Timeout: timeout},
		Log:             log,
		Timeout:         timeout,
		TelegramAPIBase: "https://api.telegram.org",
	}
}

// enabled maps a notification kind to the profile's per-event toggle.
func enabled(cfg domain.NotificationConfig, kind string) bool {
	switch kind {
	case "task_completed":
		return cfg.NotifyOnCompleted
	case "task_error":
		return cfg.NotifyOnError
	case "task_timeout":
		return cfg.NotifyOnTimeout
	case "bot_offline":
		return cfg.NotifyOnBotOffline
	}
	return false
}

// Notify fans one notification out to every channel the profile configures.
func (s *Service) Notify(ctx context.Context, cfg domain.NotificationConfig, n engine.Notification) {
	if !enabled(cfg, n.Kind) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Timeout)
	defer cancel()

	if cfg.WebhookURL != "" {
		if err := s.postWebhook(ctx, cfg.WebhookURL, n); err != nil {
			s.Log.Warn("webhook notification failed",
				zap.String("task_id", n.TaskID),
				zap.String("kind", n.Kind),
				zap.Error(err))
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := s.postSlack(ctx, cfg, n); err != nil {
			s.Log.Warn("slack notification failed",
				zap.String("task_id", n.TaskID),
				zap.String("kind", n.Kind),
				zap.Error(err))
		}
	}
	if cfg.TelegramChatID != "" && s.TelegramToken != "" {
		if err := s.postTelegram(ctx, cfg.TelegramChatID, n); err != nil {
			s.Log.Warn("telegram notification failed",
				zap.String("task_id", n.TaskID),
				zap.String("kind", n.Kind),
				zap.Error(err))
		}
	}
}

func summary(n engine.Notification) string {
	switch n.Kind {
	case "task_completed":
		return fmt.Sprintf("task %q completed (execution %s, bot %s)", n.TaskName, n.ExecutionID, n.BotID)
	case "task_error":
		return fmt.Sprintf("task %q failed (execution %s, bot %s): %s", n.TaskName, n.ExecutionID, n.BotID, n.Message)
	case "task_timeout":
		return fmt.Sprintf("task %q timed out (execution %s)", n.TaskName, n.ExecutionID)
	case "bot_offline":
		return fmt.Sprintf("bot %s went offline", n.BotID)
	}
	return fmt.Sprintf("task %q: %s", n.TaskName, n.Kind)
}

func (s *Service) postWebhook(ctx context.Context, url string, n engine.Notification) error {
	payload := map[string]any{
		"kind":         n.Kind,
		"task_id":      n.TaskID,
		"task_name":    n.TaskName,
		"execution_id": n.ExecutionID,
		"bot_id":       n.BotID,
		"message":      n.Message,
	}
	return s.postJSON(ctx, url, payload)
}

func (s *Service) postSlack(ctx context.Context, cfg domain.NotificationConfig, n engine.Notification) error {
	payload := map[string]any{"text": summary(n)}
	if cfg.SlackChannel != "" {
		payload["channel"] = cfg.SlackChannel
	}
	return s.postJSON(ctx, cfg.SlackWebhookURL, payload)
}

func (s *Service) postTelegram(ctx context.Context, chatID string, n engine.Notification) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", s.TelegramAPIBase, s.TelegramToken)
	return s.postJSON(ctx, url, map[string]any{
		"chat_id": chatID,
		"text":    summary(n),
	})
}

func (s *Service) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
