package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

type fieldKV struct {
	key   string
	value string
}

// orderedFields returns payload fields in a stable render order: the bot
// context keys first, everything else alphabetically.
func orderedFields(fields map[string]string) []fieldKV {
	priority := []string{"botId", "runId", "symbol", "status"}
	out := make([]fieldKV, 0, len(fields))
	seen := make(map[string]bool, len(priority))
	for _, k := range priority {
		if v, ok := fields[k]; ok {
			out = append(out, fieldKV{k, v})
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(fields))
	for k := range fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		out = append(out, fieldKV{k, fields[k]})
	}
	return out
}

func levelEmoji(l Level) string {
	switch l {
	case Warning:
		return "⚠️"
	case Error:
		return "❌"
	case Critical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alert delivery returned status %d", resp.StatusCode)
	}
	return nil
}
