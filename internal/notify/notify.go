package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog/log"
)

// Notifier delivers best-effort messages. Failures are logged, never returned:
// a lost message must not fail a committed billing operation.
type Notifier interface {
	User(ctx context.Context, telegramID int64, text string)
	Admins(ctx context.Context, text string)
}

type Telegram struct {
	bot    *telego.Bot
	admins []int64
}

func NewTelegram(token string, admins []int64) (*Telegram, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, admins: admins}, nil
}

// Bot exposes the underlying client for other Telegram integrations.
func (t *Telegram) Bot() *telego.Bot {
	return t.bot
}

func (t *Telegram) User(ctx context.Context, telegramID int64, text string) {
	if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(telegramID), text)); err != nil {
		log.Warn().Err(err).Int64("telegram_id", telegramID).Msg("Failed to send user notification")
	}
}

func (t *Telegram) Admins(ctx context.Context, text string) {
	for _, id := range t.admins {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(id), text)); err != nil {
			log.Warn().Err(err).Int64("chat_id", id).Msg("Failed to send admin alert")
		}
	}
}

// Log writes notifications to the log instead of Telegram.
type Log struct{}

func (Log) User(_ context.Context, telegramID int64, text string) {
	log.Info().Int64("telegram_id", telegramID).Str("text", text).Msg("User notification")
}

func (Log) Admins(_ context.Context, text string) {
	log.Warn().Str("text", text).Msg("Admin alert")
}

// Message is one notification captured by Recorder.
type Message struct {
	TelegramID int64 // 0 for admin alerts
	Text       string
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) User(_ context.Context, telegramID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{TelegramID: telegramID, Text: text})
}

func (r *Recorder) Admins(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Text: text})
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *Recorder) AdminAlerts() []string {
	var out []string
	for _, m := range r.Messages() {
		if m.TelegramID == 0 {
			out = append(out, m.Text)
		}
	}
	return out
}
