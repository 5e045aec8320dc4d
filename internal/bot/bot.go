// Package bot is the Telegram chat surface. Handlers are thin: each one
// resolves the user, calls an action that talks to the billing services and
// sends back the reply the action produced.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpnbilling/internal/config"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/money"
	"vpnbilling/internal/reconcile"
	"vpnbilling/internal/subscription"
)

const stateWaitingTopup = "WAITING_TOPUP_AMOUNT"

type Bot struct {
	Instance *telego.Bot
	DB       *gorm.DB
	Subs     *subscription.Service
	Ledger   *ledger.Ledger
	// Checkout is nil when no card gateway is configured.
	Checkout *reconcile.Checkout

	tariffs  config.Tariffs
	starRate money.Amount
	minTopup money.Amount

	userStates map[int64]string
	statesMu   sync.RWMutex
	updates    chan telego.Update
}

func New(instance *telego.Bot, db *gorm.DB, subs *subscription.Service, l *ledger.Ledger, checkout *reconcile.Checkout, cfg *config.Config) *Bot {
	return &Bot{
		Instance:   instance,
		DB:         db,
		Subs:       subs,
		Ledger:     l,
		Checkout:   checkout,
		tariffs:    cfg.Tariffs,
		starRate:   cfg.StarRate,
		minTopup:   10000,
		userStates: make(map[int64]string),
		updates:    make(chan telego.Update, 100),
	}
}

// Push hands over an update that arrived on the webhook. Updates are dropped
// when the handler falls behind.
func (b *Bot) Push(body []byte) {
	var u telego.Update
	if err := json.Unmarshal(body, &u); err != nil {
		log.Warn().Err(err).Msg("Failed to decode forwarded Telegram update")
		return
	}
	select {
	case b.updates <- u:
	default:
		log.Warn().Int("update_id", u.UpdateID).Msg("Bot update queue full, dropping update")
	}
}

// Run dispatches updates until ctx ends. With polling the bot fetches updates
// itself; otherwise it serves what Push delivers.
func (b *Bot) Run(ctx context.Context, polling bool) error {
	updates := (<-chan telego.Update)(b.updates)
	if polling {
		var err error
		updates, err = b.Instance.UpdatesViaLongPolling(ctx, nil)
		if err != nil {
			return fmt.Errorf("start long polling: %w", err)
		}
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("create bot handler: %w", err)
	}
	b.register(handler)

	go func() {
		<-ctx.Done()
		handler.Stop()
	}()
	log.Info().Bool("polling", polling).Msg("Telegram bot started")
	handler.Start()
	log.Info().Msg("Telegram bot stopped")
	return nil
}

func (b *Bot) state(telegramID int64) string {
	b.statesMu.RLock()
	defer b.statesMu.RUnlock()
	return b.userStates[telegramID]
}

func (b *Bot) setState(telegramID int64, state string) {
	b.statesMu.Lock()
	defer b.statesMu.Unlock()
	if state == "" {
		delete(b.userStates, telegramID)
		return
	}
	b.userStates[telegramID] = state
}

// reply is what an action wants sent back to the chat.
type reply struct {
	text     string
	keyboard *telego.InlineKeyboardMarkup
	markdown bool
}

// send delivers r. An empty reply sends nothing; successful transitions
// already notify the user through the service.
func (b *Bot) send(ctx *th.Context, chatID int64, r reply) {
	if r.text == "" {
		return
	}
	msg := tu.Message(tu.ID(chatID), r.text)
	if r.keyboard != nil {
		msg = msg.WithReplyMarkup(r.keyboard)
	}
	if r.markdown {
		msg = msg.WithParseMode(telego.ModeMarkdown)
	}
	if _, err := ctx.Bot().SendMessage(ctx.Context(), msg); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
	}
}

func (b *Bot) answer(ctx *th.Context, q *telego.CallbackQuery) {
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(q.ID))
}

func (b *Bot) register(handler *th.BotHandler) {
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		args := ""
		if parts := strings.Fields(message.Text); len(parts) > 1 {
			args = parts[1]
		}
		b.send(ctx, message.Chat.ID, b.start(ctx.Context(), message.From, args))
		return nil
	}, th.CommandEqual("start"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		parts := strings.Fields(message.Text)
		if len(parts) < 2 {
			b.send(ctx, message.Chat.ID, reply{text: "Использование: /promo КОД"})
			return nil
		}
		b.send(ctx, message.Chat.ID, b.redeem(ctx.Context(), message.From, parts[1]))
		return nil
	}, th.CommandEqual("promo"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		parts := strings.Fields(message.Text)
		if len(parts) < 2 {
			b.send(ctx, message.Chat.ID, reply{text: "Использование: /stars СУММА_В_РУБЛЯХ"})
			return nil
		}
		invoice, r := b.starsInvoice(ctx.Context(), message.From, parts[1])
		if invoice == nil {
			b.send(ctx, message.Chat.ID, r)
			return nil
		}
		if _, err := ctx.Bot().SendInvoice(ctx.Context(), invoice); err != nil {
			log.Error().Err(err).Int64("telegram_id", message.From.ID).Msg("Failed to send Stars invoice")
			b.send(ctx, message.Chat.ID, reply{text: "❌ Не удалось выставить счёт."})
		}
		return nil
	}, th.CommandEqual("stars"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		q := update.PreCheckoutQuery
		params := &telego.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: q.ID, Ok: true}
		if err := b.preCheckout(ctx.Context(), q); err != nil {
			log.Warn().Err(err).Int64("telegram_id", q.From.ID).Msg("Rejected Stars pre-checkout")
			params.Ok = false
			params.ErrorMessage = "Счёт устарел, запросите новый."
		}
		return ctx.Bot().AnswerPreCheckoutQuery(ctx.Context(), params)
	}, th.AnyPreCheckoutQuery())

	callbacks := map[string]func(ctx context.Context, from *telego.User) reply{
		"profile":       b.profile,
		"buy_vpn":       b.plans,
		"trial":         b.trial,
		"autorenew":     b.toggleAutoRenew,
		"invite_friend": b.invite,
		"start_back":    func(_ context.Context, _ *telego.User) reply { return mainMenu("Главное меню:") },
		"topup_balance": func(_ context.Context, from *telego.User) reply {
			b.setState(from.ID, stateWaitingTopup)
			return reply{text: fmt.Sprintf("💰 Введите сумму пополнения (минимум %s₽):", b.minTopup)}
		},
	}
	for data, action := range callbacks {
		handler.Handle(func(ctx *th.Context, update telego.Update) error {
			q := update.CallbackQuery
			b.send(ctx, q.From.ID, action(ctx.Context(), &q.From))
			b.answer(ctx, q)
			return nil
		}, th.CallbackDataEqual(data))
	}

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		q := update.CallbackQuery
		days, err := strconv.Atoi(strings.TrimPrefix(q.Data, "buy:"))
		if err != nil {
			b.answer(ctx, q)
			return nil
		}
		b.send(ctx, q.From.ID, b.buy(ctx.Context(), &q.From, days))
		b.answer(ctx, q)
		return nil
	}, th.CallbackDataPrefix("buy:"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		if message.From == nil || b.state(message.From.ID) != stateWaitingTopup {
			return nil
		}
		r, done := b.topup(ctx.Context(), message.From, message.Text)
		if done {
			b.setState(message.From.ID, "")
		}
		b.send(ctx, message.Chat.ID, r)
		return nil
	}, th.AnyMessageWithText())
}
