package alert

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
)

// TelegramChannel sends alerts via the Bot API in HTML parse mode. Missing
// credentials make every send a no-op.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, p Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	// Message bodies carry free text (lastError values, symbols); everything
	// user-controlled is escaped so it cannot break the HTML markup.
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>[%s] %s</b>\n%s",
		levelEmoji(p.Level), p.Level, html.EscapeString(p.Title), html.EscapeString(p.Message))
	for _, f := range orderedFields(p.Fields) {
		fmt.Fprintf(&b, "\n<b>%s</b>: <code>%s</code>",
			html.EscapeString(f.key), html.EscapeString(f.value))
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	return postJSON(ctx, t.client, url, map[string]string{
		"chat_id":                  t.chatID,
		"text":                     b.String(),
		"parse_mode":               "HTML",
		"disable_web_page_preview": "true",
	})
}
