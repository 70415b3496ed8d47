// Package alert formats incident notifications and delivers them over the
// Telegram Bot API.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"orbitwatch/internal/model"
)

const sendTimeout = 15 * time.Second

// Telegram posts alert messages to a chat. When no bot token or chat id is
// configured it runs dry: the message is logged and reported as delivered,
// so local setups drain the outbox instead of retrying forever.
type Telegram struct {
	botToken   string
	chatID     string
	gatewayURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTelegram builds a notifier. gatewayURL is used to render a clickable
// evidence link in the message body.
func NewTelegram(botToken, chatID, gatewayURL string, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		botToken:   botToken,
		chatID:     chatID,
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		httpClient: &http.Client{Timeout: sendTimeout},
		logger:     logger,
	}
}

// Send delivers one alert payload.
func (t *Telegram) Send(ctx context.Context, payload model.AlertPayload) error {
	message := t.Format(payload)

	if t.botToken == "" || t.chatID == "" {
		t.logger.Info("telegram not configured, dry-run delivery", zap.String("message", message))
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	if err != nil {
		return model.Invalid("marshal telegram request", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.httpClient.Do(req)
	if err != nil {
		return model.Transient("telegram send", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(res.Body)
		return model.Transient("telegram send", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(text))))
	}
	return nil
}

// Format renders the HTML message body for a payload.
func (t *Telegram) Format(payload model.AlertPayload) string {
	lines := []string{
		"🚨 <b>OrbitWatch Alert</b>",
		"",
		fmt.Sprintf("<b>Route:</b> %s", payload.RouteID),
		fmt.Sprintf("<b>Rule:</b> %s", payload.RuleType),
		fmt.Sprintf("<b>Severity:</b> %s", payload.Severity),
		fmt.Sprintf("<b>Reason:</b> %s", payload.Reason),
		"",
		"<b>Evidence:</b>",
		fmt.Sprintf("  ipfs://%s", payload.EvidenceCID),
		fmt.Sprintf("  %s/ipfs/%s", t.gatewayURL, payload.EvidenceCID),
		"",
		"<b>Recompute:</b>",
		fmt.Sprintf("  <code>orbitwatch recompute --cid %s</code>", payload.EvidenceCID),
	}
	return strings.Join(lines, "\n")
}
