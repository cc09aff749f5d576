// File: notification/discord/dclient.go
package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Blackice/store"
	"Blackice/utilities"
)

// Client sends notifications to a Discord webhook.
type Client struct {
	webhookURL string
	HTTPClient *http.Client
	logger     *utilities.Logger
}

// DiscordMessage represents the structure for a Discord webhook message.
// See: https://discord.com/developers/docs/resources/webhook#execute-webhook
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed represents an embed object in a Discord message.
type DiscordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"` // ISO8601 timestamp
	Color       int    `json:"color,omitempty"`     // Decimal color code
}

const (
	colorGreen  = 3066993
	colorRed    = 15158332
	colorOrange = 15105570
	colorBlue   = 3447003
)

func NewClient(webhookURL string, logger *utilities.Logger) *Client {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	if webhookURL == "" {
		logger.LogWarn("Discord Client: Webhook URL is empty. Notifications will not be sent.")
	} else {
		logger.LogInfo("Discord Client initialized with webhook URL.")
	}

	return &Client{
		webhookURL: webhookURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SendMessage sends a simple text message to the configured webhook.
func (c *Client) SendMessage(message string) error {
	if c.webhookURL == "" {
		c.logger.LogDebug("Discord SendMessage: Webhook URL is not set, skipping.")
		return nil
	}
	if strings.TrimSpace(message) == "" {
		return nil
	}
	return c.sendPayload(DiscordMessage{Content: message})
}

// NotifySafetyTransition announces a trading state change. Entries into
// EMERGENCY_STOP are loud and red; everything else is informational.
func (c *Client) NotifySafetyTransition(tr store.Transition) error {
	if c.webhookURL == "" {
		return nil
	}

	title := fmt.Sprintf("Trading state: %s -> %s", tr.From, tr.To)
	color := colorBlue
	if tr.To == "EMERGENCY_STOP" {
		title = "🛑 EMERGENCY STOP engaged"
		color = colorRed
	} else if tr.To == "LIVE_ACTIVE" {
		title = "✅ Live trading active"
		color = colorGreen
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: fmt.Sprintf("**From**: %s\n**To**: %s\n**Actor**: %s\n**Reason**: %s", tr.From, tr.To, tr.Actor, tr.Reason),
		Color:       color,
		Timestamp:   tr.At.Format(time.RFC3339),
	}
	return c.sendEmbeds(embed)
}

// NotifyAccountDegraded reports an account entering its cool-down.
func (c *Client) NotifyAccountDegraded(accountKey, reason string, until time.Time) error {
	if c.webhookURL == "" {
		return nil
	}
	embed := DiscordEmbed{
		Title:       fmt.Sprintf("⚠️ Account degraded: %s", accountKey),
		Description: fmt.Sprintf("**Reason**: %s\n**Suspended until**: %s", reason, until.Format(time.RFC3339)),
		Color:       colorOrange,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	return c.sendEmbeds(embed)
}

// NotifyReconcileDrift reports a reconciliation run that had to correct
// the internal ledger.
func (c *Client) NotifyReconcileDrift(report utilities.ReconcileReport) error {
	if c.webhookURL == "" {
		return nil
	}
	embed := DiscordEmbed{
		Title: fmt.Sprintf("🔎 Position drift corrected: %s", report.Account),
		Description: fmt.Sprintf("**Added**: %v\n**Removed**: %v\n**Adjusted**: %v",
			report.Added, report.Removed, report.Adjusted),
		Color:     colorOrange,
		Timestamp: report.RanAt.Format(time.RFC3339),
	}
	return c.sendEmbeds(embed)
}

// NotifyOrderOutcome reports a confirmed fill or a terminal failure.
func (c *Client) NotifyOrderOutcome(accountKey, side, symbol string, confirmed bool, detail string) error {
	if c.webhookURL == "" {
		return nil
	}

	var title string
	color := colorGreen
	if confirmed {
		title = fmt.Sprintf("✅ %s %s confirmed on %s", strings.ToUpper(side), symbol, accountKey)
	} else {
		title = fmt.Sprintf("❌ %s %s failed on %s", strings.ToUpper(side), symbol, accountKey)
		color = colorRed
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: detail,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	return c.sendEmbeds(embed)
}

func (c *Client) sendEmbeds(embeds ...DiscordEmbed) error {
	if len(embeds) == 0 {
		return nil
	}
	return c.sendPayload(DiscordMessage{Embeds: embeds})
}

// sendPayload is an internal helper to send the marshalled JSON payload.
func (c *Client) sendPayload(payload DiscordMessage) error {
	if c.webhookURL == "" {
		return fmt.Errorf("discord webhook URL not configured")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to marshal JSON: %v", err)
		return fmt.Errorf("failed to marshal discord message: %w", err)
	}

	req, err := http.NewRequest("POST", c.webhookURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to create HTTP request: %v", err)
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BlackiceBot/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to send HTTP request: %v", err)
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.LogDebug("Discord sendPayload: Message sent successfully (Status: %s)", resp.Status)
		return nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("discord API error: %s, failed to read response body", resp.Status)
	}
	c.logger.LogError("Discord sendPayload: Received non-OK status: %s. Body: %s", resp.Status, string(bodyBytes))
	return fmt.Errorf("discord API error: %s, response: %s", resp.Status, string(bodyBytes))
}
