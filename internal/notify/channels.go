package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"smartarb-advisor/internal/config"
	"smartarb-advisor/pkg/utils"
)

const telegramAPI = "https://api.telegram.org"

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *resty.Client
	retry   utils.RetryConfig
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("User-Agent", "SmartArbAdvisor/1.0"),
		retry: utils.DefaultRetryConfig(),
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send posts the notification as JSON, retrying transient failures.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	return utils.Retry(ctx, w.retry, func() error {
		resp, err := w.client.R().
			SetContext(ctx).
			SetBody(payload).
			Post(w.url)
		if err != nil {
			return fmt.Errorf("sending webhook: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode())
		}
		return nil
	})
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *resty.Client
	retry    utils.RetryConfig
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return newTelegramNotifier(cfg, telegramAPI)
}

func newTelegramNotifier(cfg config.TelegramConfig, baseURL string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
		retry: utils.DefaultRetryConfig(),
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	// HTML parse mode
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	return utils.Retry(ctx, t.retry, func() error {
		resp, err := t.client.R().
			SetContext(ctx).
			SetPathParam("token", t.botToken).
			SetBody(payload).
			Post("/bot{token}/sendMessage")
		if err != nil {
			return fmt.Errorf("sending telegram message: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("telegram API returned status %d", resp.StatusCode())
		}
		return nil
	})
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// LogNotifier writes notifications to the structured log so operators
// without a webhook still see them.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a new LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) IsEnabled() bool { return true }

func (l *LogNotifier) Send(ctx context.Context, n Notification) error {
	event := l.logger.Info()
	switch n.Type {
	case NotificationError:
		event = l.logger.Error()
	case NotificationEmergency:
		event = l.logger.Warn()
	}
	event.
		Str("type", string(n.Type)).
		Str("title", n.Title).
		Fields(n.Data).
		Msg(n.Message)
	return nil
}
