package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyDecision     NotificationType = "decision"
	NotifyQuorumFailed NotificationType = "quorum_failed"
	NotifyAllFailed    NotificationType = "all_providers_failed"
	NotifyBreaker      NotificationType = "circuit_breaker"
	NotifyError        NotificationType = "error"
	NotifyInfo         NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	Asset      string
	Confidence int
	Timestamp  time.Time
	Extra      map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendDecision sends an actionable consensus decision notification
func (m *Manager) SendDecision(asset, action string, confidence int, tier string) error {
	emoji := "🟢"
	if action == "SELL" {
		emoji = "🔴"
	}

	return m.Send(&Notification{
		Type:       NotifyDecision,
		Title:      fmt.Sprintf("%s Decision: %s %s", emoji, action, asset),
		Message:    fmt.Sprintf("%s %s\nConfidence: %d%%\nResolved by: %s", action, asset, confidence, tier),
		Asset:      asset,
		Confidence: confidence,
		Timestamp:  time.Now(),
		Extra: map[string]interface{}{
			"action": action,
			"tier":   tier,
		},
	})
}

// SendQuorumFailure sends a quorum failure notification
func (m *Manager) SendQuorumFailure(asset string, active, required int) error {
	return m.Send(&Notification{
		Type:      NotifyQuorumFailed,
		Title:     fmt.Sprintf("⚠️ Quorum Failed: %s", asset),
		Message:   fmt.Sprintf("Only %d of the required %d providers answered.\nNo decision was produced.", active, required),
		Asset:     asset,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"active":   active,
			"required": required,
		},
	})
}

// SendAllProvidersFailed notifies that every enabled provider failed
func (m *Manager) SendAllProvidersFailed(asset string, enabled []string) error {
	return m.Send(&Notification{
		Type:      NotifyAllFailed,
		Title:     fmt.Sprintf("🚨 All Providers Failed: %s", asset),
		Message:   fmt.Sprintf("Every enabled provider failed (%s).\nThe engine returned a HOLD verdict.", strings.Join(enabled, ", ")),
		Asset:     asset,
		Timestamp: time.Now(),
	})
}

// SendBreakerOpened notifies that a circuit breaker opened
func (m *Manager) SendBreakerOpened(breaker, reason string) error {
	return m.Send(&Notification{
		Type:      NotifyBreaker,
		Title:     fmt.Sprintf("🔌 Circuit Breaker Open: %s", breaker),
		Message:   fmt.Sprintf("Breaker %s opened.\nReason: %s", breaker, reason),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"breaker": breaker,
			"reason":  reason,
		},
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	// Create Discord embed
	color := 0x00FF00 // Green
	switch notification.Type {
	case NotifyError, NotifyAllFailed:
		color = 0xFF0000 // Red
	case NotifyQuorumFailed, NotifyBreaker:
		color = 0xFFA500 // Orange
	case NotifyDecision:
		if action, _ := notification.Extra["action"].(string); action == "SELL" {
			color = 0xFF0000 // Red
		}
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	// Add fields if available
	if notification.Asset != "" {
		fields := []map[string]interface{}{
			{"name": "Asset", "value": notification.Asset, "inline": true},
		}
		if notification.Confidence > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Confidence", "value": fmt.Sprintf("%d%%", notification.Confidence), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
