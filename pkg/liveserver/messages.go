package liveserver

import "time"

// Message is one event pushed to connected clients.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Message types pushed over the live stream.
const (
	TypeBotStatus = "bot_status"
	TypeOrder     = "order"
	TypeTrade     = "trade"
	TypeAlert     = "alert"
)
