package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SlackChannel posts alerts to an incoming-webhook URL as Block Kit
// messages. An empty URL makes every send a no-op so the channel can be
// registered unconditionally.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, p Payload) error {
	if s.webhookURL == "" {
		return nil
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]string{
				"type": "plain_text",
				"text": fmt.Sprintf("%s %s", levelEmoji(p.Level), p.Title),
			},
		},
		{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": p.Message},
		},
	}

	if fields := orderedFields(p.Fields); len(fields) > 0 {
		lines := make([]string, 0, len(fields))
		for _, f := range fields {
			lines = append(lines, fmt.Sprintf("*%s*: `%s`", f.key, f.value))
		}
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": strings.Join(lines, "\n")},
		})
	}

	blocks = append(blocks, map[string]interface{}{
		"type": "context",
		"elements": []map[string]string{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("gridbot | %s | %s", p.Level, p.Timestamp.UTC().Format(time.RFC3339)),
		}},
	})

	return postJSON(ctx, s.client, s.webhookURL, map[string]interface{}{"blocks": blocks})
}
