package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const telegramMaxMessageLen = 4096

// TelegramSink relays notifications to a single chat, grounded in the
// teacher's telegram bot's SendMessage chunking but with none of the
// chat-routing logic that doesn't apply to a one-way lifecycle
// notification. Chunks are sent as plain text; no markdown parse mode
// is used.
type TelegramSink struct {
	bot    *telego.Bot
	chatID int64
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (s *TelegramSink) Notify(text string) {
	ctx := context.Background()
	for _, chunk := range chunkMessage(text, telegramMaxMessageLen) {
		msg := tu.Message(tu.ID(s.chatID), chunk)
		if _, err := s.bot.SendMessage(ctx, msg); err != nil {
			slog.Error("failed to send telegram notification", "chat_id", s.chatID, "error", err)
		}
	}
}

// chunkMessage splits text into pieces that fit within Telegram's
// per-message size limit, preferring to cut at a newline.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
