// Package notify provides best-effort operator notifications.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartarb-advisor/internal/config"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/pkg/utils"
)

// Notifier defines the interface for sending notifications.
// Callers treat every error as non-fatal.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendRunSummary(ctx context.Context, summary *RunSummary) error
	SendEmergency(ctx context.Context, breaches []string, snapshot models.MetricsSnapshot) error
	SendError(ctx context.Context, err error, context string) error
	SendInfo(ctx context.Context, title, message string) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationRun       NotificationType = "run"
	NotificationEmergency NotificationType = "emergency"
	NotificationError     NotificationType = "error"
	NotificationInfo      NotificationType = "info"
)

// RunSummary describes one processed analysis request.
type RunSummary struct {
	RunID           string
	RequestID       string
	Kind            models.RequestKind
	Status          models.RequestState
	Recommendations int
	Rejected        int
	Critical        int
	High            int
	Applied         int
	KeysWritten     int
	TotalProfit     decimal.Decimal
	SuccessRate     float64
	Duration        time.Duration
	Error           string
	// AutoApply is the one-line auto-apply outcome; empty when nothing
	// was eligible.
	AutoApply string
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	mu       sync.RWMutex
}

var _ Notifier = (*MultiNotifier)(nil)

// NewMultiNotifier creates a MultiNotifier with the channels enabled in cfg.
func NewMultiNotifier(cfg *config.NotificationConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
	}
	if cfg == nil || !cfg.Enabled {
		return mn
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendRunSummary sends the outcome of an analysis run.
func (mn *MultiNotifier) SendRunSummary(ctx context.Context, s *RunSummary) error {
	return mn.Send(ctx, RunSummaryNotification(s))
}

// RunSummaryNotification renders s as a notification.
func RunSummaryNotification(s *RunSummary) Notification {
	if s.Status == models.StateFailed {
		return Notification{
			Type:  NotificationError,
			Title: fmt.Sprintf("❌ Analysis failed (%s)", s.Kind),
			Message: fmt.Sprintf("Request: %s\nError: %s\nDuration: %s",
				s.RequestID, s.Error, utils.FormatDuration(s.Duration)),
			Data: map[string]interface{}{
				"request_id": s.RequestID,
				"kind":       string(s.Kind),
				"error":      s.Error,
			},
		}
	}

	emoji := "📊"
	if s.Critical > 0 {
		emoji = "🚨"
	} else if s.High > 0 {
		emoji = "⚠️"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run: %s\n", s.RunID))
	sb.WriteString(fmt.Sprintf("Success rate: %.1f%% | Profit: %s\n", s.SuccessRate, utils.FormatProfit(s.TotalProfit)))
	sb.WriteString(fmt.Sprintf("Recommendations: %d (critical %d, high %d, rejected %d)\n",
		s.Recommendations, s.Critical, s.High, s.Rejected))
	if s.AutoApply != "" {
		sb.WriteString("Auto-apply: " + s.AutoApply + "\n")
	} else if s.Applied > 0 {
		sb.WriteString(fmt.Sprintf("Auto-applied: %d (%d keys)\n", s.Applied, s.KeysWritten))
	}
	sb.WriteString(fmt.Sprintf("Duration: %s", utils.FormatDuration(s.Duration)))
	if s.Error != "" {
		sb.WriteString("\nWarning: " + s.Error)
	}

	return Notification{
		Type:    NotificationRun,
		Title:   fmt.Sprintf("%s Analysis complete (%s)", emoji, s.Kind),
		Message: sb.String(),
		Data: map[string]interface{}{
			"run_id":          s.RunID,
			"request_id":      s.RequestID,
			"kind":            string(s.Kind),
			"recommendations": s.Recommendations,
			"critical":        s.Critical,
			"high":            s.High,
			"applied":         s.Applied,
			"total_profit":    s.TotalProfit.String(),
			"success_rate":    s.SuccessRate,
		},
	}
}

// SendEmergency sends one notification listing every breached threshold.
func (mn *MultiNotifier) SendEmergency(ctx context.Context, breaches []string, snapshot models.MetricsSnapshot) error {
	return mn.Send(ctx, EmergencyNotification(breaches, snapshot))
}

// EmergencyNotification renders a threshold breach as a notification.
func EmergencyNotification(breaches []string, snapshot models.MetricsSnapshot) Notification {
	var sb strings.Builder
	for _, b := range breaches {
		sb.WriteString("• " + b + "\n")
	}
	sb.WriteString("An emergency analysis has been requested.")

	return Notification{
		Type:    NotificationEmergency,
		Title:   "🚨 Emergency trigger",
		Message: sb.String(),
		Data: map[string]interface{}{
			"breaches":             breaches,
			"success_rate":         snapshot.SuccessRate,
			"drawdown":             snapshot.Drawdown,
			"avg_latency_ms":       snapshot.AvgLatencyMs,
			"consecutive_failures": snapshot.ConsecutiveFailures,
		},
	}
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	message := fmt.Sprintf("Context: %s\nError: %v\nTime: %s",
		errContext, err, time.Now().Format("15:04:05"))

	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "❌ Error Occurred",
		Message: message,
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// SendInfo sends an informational notification.
func (mn *MultiNotifier) SendInfo(ctx context.Context, title, message string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationInfo,
		Title:   "ℹ️ " + title,
		Message: message,
	})
}

// NoOpNotifier is a notifier that does nothing (for testing or disabled notifications).
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

func (n *NoOpNotifier) Send(ctx context.Context, notif Notification) error { return nil }

func (n *NoOpNotifier) SendRunSummary(ctx context.Context, s *RunSummary) error { return nil }

func (n *NoOpNotifier) SendEmergency(ctx context.Context, breaches []string, snapshot models.MetricsSnapshot) error {
	return nil
}

func (n *NoOpNotifier) SendError(ctx context.Context, err error, context string) error { return nil }

func (n *NoOpNotifier) SendInfo(ctx context.Context, title, message string) error { return nil }
