// Package telegram delivers renewal messages through the Telegram bot API.
// Delivery is best-effort: errors are reported to the caller for logging but
// no confirmation is consumed anywhere.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// MessageLog records outgoing messages; the persistence store satisfies it.
type MessageLog interface {
	LogOutgoing(ctx context.Context, monitorID uint, content string, flag int) error
}

// Messages logged for expiry reminders carry this flag.
const expiryFlag = 1

type Client struct {
	token  string
	chatID string
	log    MessageLog
	http   *http.Client
}

func NewClient(token, chatID string, log MessageLog) *Client {
	return &Client{
		token:  token,
		chatID: chatID,
		log:    log,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one message to the configured chat. parseMode may be empty or
// e.g. "Markdown".
func (c *Client) Send(ctx context.Context, monitorID uint, text string, parseMode string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.token)

	payload := map[string]interface{}{
		"chat_id": c.chatID,
		"text":    text,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram responded %d: %s", resp.StatusCode, body)
	}

	if c.log != nil {
		if err := c.log.LogOutgoing(ctx, monitorID, text, expiryFlag); err != nil {
			logrus.Warnf("Could not log outgoing message for VPS %d: %s", monitorID, err)
		}
	}

	return nil
}
