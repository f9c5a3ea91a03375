package channels

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"

	appotel "github.com/basket/taskherald/internal/otel"
)

// TelegramSender sends plain-text messages through the Bot API.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramSender authenticates against the Bot API. The token is validated
// by a getMe call inside NewBotAPI, so a bad token fails at startup rather
// than on the first delivery.
func NewTelegramSender(token string, logger *slog.Logger) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram sender ready", "bot_user", bot.Self.UserName)
	return &TelegramSender{bot: bot, logger: logger}, nil
}

func (t *TelegramSender) Name() string {
	return "tg"
}

// Send delivers text to chatID and returns the Telegram message id.
// tgbotapi has no context plumbing, so cancellation is only honored between
// attempts; an in-flight HTTP call runs to completion.
func (t *TelegramSender) Send(ctx context.Context, chatID int64, text string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_, span := appotel.StartClientSpan(ctx, otel.Tracer(appotel.TracerName), "telegram.send",
		appotel.AttrChatID.Int64(chatID))
	defer span.End()

	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return int64(sent.MessageID), nil
}
