package core

import (
	"fmt"
	"strings"
)

// Client order id prefixes. The "gb1" prefix is the exclusive ownership
// marker: any exchange order lacking it is foreign and never reconciled.
const (
	OwnershipPrefix  = "gb1"
	ClosePrefix      = "gb1c"
	botIDPrefixChars = 8
)

// NewClientOrderID builds the id for a regular trading intent:
// "gb1-<8 chars of botId>-<intentSeq>".
func NewClientOrderID(botID string, intentSeq int64) string {
	return fmt.Sprintf("%s-%s-%d", OwnershipPrefix, shortBotID(botID), intentSeq)
}

// NewCloseClientOrderID builds the id for a force-close order:
// "gb1c-<8 chars of botId>-<intentSeq>".
func NewCloseClientOrderID(botID string, intentSeq int64) string {
	return fmt.Sprintf("%s-%s-%d", ClosePrefix, shortBotID(botID), intentSeq)
}

// IsOwnOrderID reports whether a client order id carries our ownership marker.
func IsOwnOrderID(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, OwnershipPrefix)
}

// IsCloseOrderID reports whether a client order id marks a force-close order.
func IsCloseOrderID(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, ClosePrefix+"-")
}

// BelongsToBot reports whether a client order id was generated for botID.
func BelongsToBot(clientOrderID, botID string) bool {
	short := shortBotID(botID)
	return strings.HasPrefix(clientOrderID, OwnershipPrefix+"-"+short+"-") ||
		strings.HasPrefix(clientOrderID, ClosePrefix+"-"+short+"-")
}

func shortBotID(botID string) string {
	if len(botID) <= botIDPrefixChars {
		return botID
	}
	return botID[:botIDPrefixChars]
}

// SplitSymbol parses "BASE/QUOTE" pairs like "BNB/USDT".
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol: %q", symbol)
	}
	return parts[0], parts[1], nil
}
