package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// maxMessageLen is the Bot API limit for one text message.
const maxMessageLen = 4096

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type TelegramOptions struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
	Client   HTTPDoer
}

// TelegramNotifier posts alerts through the Bot API sendMessage method.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   HTTPDoer
}

func NewTelegramNotifier(opts TelegramOptions) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &TelegramNotifier{
		botToken: opts.BotToken,
		chatID:   opts.ChatID,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   client,
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil {
		return nil
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen-3] + "..."
	}
	body, err := json.Marshal(telegramSendMessageRequest{
		ChatID:                t.chatID,
		Text:                  msg,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	endpoint := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed telegramSendMessageResponse
	decodeErr := json.Unmarshal(respBody, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && parsed.Parameters.RetryAfter > 0 {
			return fmt.Errorf("telegram status=%d retry_after=%ds: %s",
				resp.StatusCode, parsed.Parameters.RetryAfter, strings.TrimSpace(parsed.Description))
		}
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if len(respBody) == 0 || decodeErr != nil {
		return nil
	}
	if !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type telegramSendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}
