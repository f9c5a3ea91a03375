// Package channels holds the outbound message senders. Telegram is the only
// channel today; the Sender interface keeps the dispatcher channel-agnostic.
package channels

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender delivers one message to a chat and returns the provider message id.
type Sender interface {
	// Name returns the channel name recorded in the delivery ledger (e.g. "tg").
	Name() string

	// Send delivers text to chatID. The returned id is the provider-side
	// message id, 0 when the provider does not report one.
	Send(ctx context.Context, chatID int64, text string) (int64, error)
}

// IsPermanent reports whether a send error can never succeed on retry:
// the bot is blocked or kicked (403) or the request itself is malformed
// (400, e.g. chat not found, message too long). Everything else, network
// errors included, is treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 400 || apiErr.Code == 403
	}
	return false
}
