package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedFieldsBotContextFirst(t *testing.T) {
	got := orderedFields(map[string]string{
		"zeta":   "z",
		"status": "STOPPING",
		"alpha":  "a",
		"botId":  "bot-1",
		"runId":  "run-2",
	})
	keys := make([]string, 0, len(got))
	for _, f := range got {
		keys = append(keys, f.key)
	}
	assert.Equal(t, []string{"botId", "runId", "status", "alpha", "zeta"}, keys)
}

func TestSlackChannelPostsBlocks(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL)
	err := ch.Send(context.Background(), Payload{
		Level:     Critical,
		Title:     "Bot could not be stopped",
		Message:   "STOPPING_FAILED: EXCHANGE_UNAVAILABLE: venue down",
		Timestamp: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Fields:    map[string]string{"botId": "bot-1", "runId": "run-2"},
	})
	require.NoError(t, err)

	var msg struct {
		Blocks []map[string]interface{} `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(body, &msg))
	require.Len(t, msg.Blocks, 4)
	assert.Equal(t, "header", msg.Blocks[0]["type"])
	assert.Contains(t, string(body), "Bot could not be stopped")
	assert.Contains(t, string(body), "*botId*: `bot-1`")
	assert.Contains(t, string(body), "2026-08-26T12:00:00Z")
}

func TestSlackChannelErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewSlackChannel(srv.URL).Send(context.Background(), Payload{Level: Error, Title: "t"})
	require.Error(t, err)
}

func TestSlackChannelNoopWithoutURL(t *testing.T) {
	require.NoError(t, NewSlackChannel("").Send(context.Background(), Payload{Level: Info}))
}

func TestTelegramChannelEscapesMarkup(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	ch := NewTelegramChannel("token", "chat-9")
	// Point the channel at the test server instead of api.telegram.org.
	ch.client = srv.Client()
	ch.client.Transport = rewriteHost(srv.URL)

	err := ch.Send(context.Background(), Payload{
		Level:   Critical,
		Title:   "stop failed",
		Message: "last=500 < floorPrice=550",
		Fields:  map[string]string{"botId": "bot-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "chat-9", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Contains(t, got["text"], "last=500 &lt; floorPrice=550")
	assert.Contains(t, got["text"], "<code>bot-1</code>")
}

// rewriteHost redirects every request to the test server.
func rewriteHost(target string) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		req2 := req.Clone(req.Context())
		req2.URL.Scheme = "http"
		req2.URL.Host = target[len("http://"):]
		return http.DefaultTransport.RoundTrip(req2)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
