package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpnbilling/internal/database"
	"vpnbilling/internal/ledger"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
	"vpnbilling/internal/payment"
	"vpnbilling/internal/pricing"
	"vpnbilling/internal/reconcile"
	"vpnbilling/internal/subscription"
)

var errNoUser = errors.New("telegram update without a sender")

func mainMenu(text string) reply {
	return reply{
		text: text,
		keyboard: tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("👤 Личный кабинет").WithCallbackData("profile"),
				tu.InlineKeyboardButton("💰 Пополнить баланс").WithCallbackData("topup_balance"),
			),
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("🚀 Купить VPN").WithCallbackData("buy_vpn"),
				tu.InlineKeyboardButton("🎁 Пробный период").WithCallbackData("trial"),
			),
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("🤝 Партнерская программа").WithCallbackData("invite_friend"),
			),
		),
	}
}

// ensureUser finds the user for a Telegram account, creating it on first
// contact. A referral code only counts when the account is new.
func (b *Bot) ensureUser(ctx context.Context, from *telego.User, referralCode string) (*models.User, error) {
	if from == nil {
		return nil, errNoUser
	}
	db := b.DB.WithContext(ctx)
	var user models.User
	err := db.Where("telegram_id = ?", from.ID).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = models.User{TelegramID: from.ID, Username: from.Username}
	if referralCode != "" {
		var referrer models.User
		if err := db.Where("referral_code = ?", referralCode).First(&referrer).Error; err == nil {
			user.ReferrerID = &referrer.ID
		}
	}
	err = db.Create(&user).Error
	if database.IsUniqueViolation(err) {
		err = db.Where("telegram_id = ?", from.ID).First(&user).Error
	}
	if err != nil {
		return nil, err
	}
	if user.ReferrerID != nil {
		log.Info().Int64("telegram_id", from.ID).Uint("referrer_id", *user.ReferrerID).Msg("User joined by referral")
	}
	return &user, nil
}

// failure renders err for the user. Unexpected errors are logged and shown
// as a generic message.
func failure(op string, err error) reply {
	var perr *pricing.Error
	switch {
	case errors.Is(err, ledger.ErrIntegrityHold):
		return reply{text: "⏳ Операции по счёту временно приостановлены, администратор уже разбирается."}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return reply{text: "❌ Недостаточно средств на балансе."}
	case errors.Is(err, subscription.ErrTrialUsed):
		return reply{text: "❌ Пробный период уже был использован."}
	case errors.Is(err, subscription.ErrChannelRequired):
		return reply{text: "📢 Чтобы получить пробный период, подпишитесь на наш канал."}
	case errors.Is(err, subscription.ErrNoSubscription):
		return reply{text: "У вас пока нет подписки."}
	case errors.Is(err, subscription.ErrInvalidTransition):
		return reply{text: "❌ Это действие недоступно для текущей подписки."}
	case errors.As(err, &perr):
		switch perr.Code {
		case pricing.PromoCodeInvalid:
			return reply{text: "❌ Промокод не найден или недействителен."}
		case pricing.PromoCodeExhausted:
			return reply{text: "❌ Промокод уже использован."}
		case pricing.PromoOfferExpired:
			return reply{text: "❌ Срок действия предложения истёк."}
		default:
			return reply{text: "❌ Такой тариф недоступен."}
		}
	}
	log.Error().Err(err).Str("op", op).Msg("Bot action failed")
	return reply{text: "❌ Произошла ошибка, попробуйте позже."}
}

func (b *Bot) start(ctx context.Context, from *telego.User, args string) reply {
	if _, err := b.ensureUser(ctx, from, args); err != nil {
		return failure("start", err)
	}
	return mainMenu(fmt.Sprintf("Привет, %s! 👋\n\nЯ помогу тебе с VPN через Remnawave.", from.FirstName))
}

var statusNames = map[models.SubscriptionStatus]string{
	models.StatusNone:         "❌ Нет подписки",
	models.StatusTrialActive:  "🎁 Пробный период",
	models.StatusTrialExpired: "⚠️ Пробный период истёк",
	models.StatusPaidActive:   "✅ Активна",
	models.StatusPaidExpired:  "⚠️ Истекла",
	models.StatusDisabled:     "⛔ Отключена администратором",
}

func (b *Bot) profile(ctx context.Context, from *telego.User) reply {
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return failure("profile", err)
	}
	balance, err := b.Ledger.Balance(ctx, user.ID)
	if err != nil {
		return failure("profile", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "👤 *Личный кабинет:*\n\n🔹 ID: `%d`\n🔹 Баланс: %s₽", from.ID, balance)
	sub, err := b.Subs.Current(ctx, user.ID)
	if err != nil && !errors.Is(err, subscription.ErrNoSubscription) {
		return failure("profile", err)
	}
	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("💰 Пополнить баланс").WithCallbackData("topup_balance")),
	)
	if sub == nil {
		fmt.Fprintf(&sb, "\n🔹 Статус: %s", statusNames[models.StatusNone])
		return reply{text: sb.String(), keyboard: keyboard, markdown: true}
	}

	fmt.Fprintf(&sb, "\n🔹 Статус: %s", statusNames[sub.Status])
	if sub.Status != models.StatusDisabled {
		fmt.Fprintf(&sb, "\n🔹 Действует до: %s", sub.EndDate.Format("02.01.2006"))
	}
	if sub.Status == models.StatusPaidActive {
		autoRenew := "выключено"
		if sub.AutoRenew {
			autoRenew = "включено"
		}
		fmt.Fprintf(&sb, "\n🔹 Автопродление: %s", autoRenew)
		keyboard.InlineKeyboard = append(keyboard.InlineKeyboard,
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("🔄 Автопродление").WithCallbackData("autorenew")))
	}
	if sub.Status.Active() && sub.SubscriptionURL != "" {
		fmt.Fprintf(&sb, "\n\n🔗 *Твоя ссылка на VPN:*\n%s", sub.SubscriptionURL)
	}
	return reply{text: sb.String(), keyboard: keyboard, markdown: true}
}

func (b *Bot) trial(ctx context.Context, from *telego.User) reply {
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return failure("trial", err)
	}
	if _, err := b.Subs.StartTrial(ctx, user.ID); err != nil {
		return failure("trial", err)
	}
	return reply{}
}

// defaultRequest is the configuration offered from the menu: the cheapest
// traffic option with the free device and squad allowance.
func (b *Bot) defaultRequest(days int) subscription.PurchaseRequest {
	req := subscription.PurchaseRequest{PeriodDays: days}
	if b.tariffs.TrafficMode != pricing.TrafficModeSelectable {
		return req
	}
	bestGB, best := -1, money.Amount(0)
	for gb, price := range b.tariffs.TrafficPackages {
		if bestGB == -1 || price < best || (price == best && gb > 0 && (bestGB == 0 || gb < bestGB)) {
			bestGB, best = gb, price
		}
	}
	switch {
	case bestGB == 0:
		req.Traffic = pricing.TrafficSelection{Kind: pricing.TrafficUnlimited}
	case bestGB > 0:
		req.Traffic = pricing.TrafficSelection{Kind: pricing.TrafficPackage, GB: bestGB}
	}
	return req
}

func (b *Bot) plans(ctx context.Context, from *telego.User) reply {
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return failure("plans", err)
	}
	var rows [][]telego.InlineKeyboardButton
	for _, days := range b.tariffs.Periods() {
		quote, err := b.Subs.Quote(ctx, user.ID, b.defaultRequest(days))
		if err != nil {
			log.Warn().Err(err).Int("period_days", days).Msg("Failed to quote period")
			continue
		}
		label := fmt.Sprintf("🚀 %d дней - %s₽", days, quote.Total)
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton(label).WithCallbackData(fmt.Sprintf("buy:%d", days))))
	}
	if len(rows) == 0 {
		return reply{text: "❌ Тарифы временно недоступны."}
	}
	rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back")))
	return reply{
		text:     "📊 Выберите срок подписки.\nОплата списывается с внутреннего баланса.",
		keyboard: tu.InlineKeyboard(rows...),
	}
}

// buy purchases from the balance, or renews a running paid subscription.
// When the balance is short and a card gateway is configured, a new purchase
// gets a checkout for the difference whose intent completes the purchase once
// the payment is credited.
func (b *Bot) buy(ctx context.Context, from *telego.User, days int) reply {
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return failure("buy", err)
	}
	state, err := b.Subs.State(ctx, user.ID)
	if err != nil {
		return failure("buy", err)
	}
	switch state {
	case models.StatusPaidActive:
		if _, err := b.Subs.Renew(ctx, user.ID, days); err != nil {
			return failure("renew", err)
		}
		return reply{}
	case models.StatusDisabled:
		return failure("buy", subscription.ErrInvalidTransition)
	}

	req := b.defaultRequest(days)
	quote, err := b.Subs.Quote(ctx, user.ID, req)
	if err != nil {
		return failure("buy", err)
	}
	balance, err := b.Ledger.Balance(ctx, user.ID)
	if err != nil {
		return failure("buy", err)
	}

	if balance < quote.Total {
		shortfall := quote.Total - balance
		if b.Checkout == nil {
			return reply{
				text: fmt.Sprintf("❌ Недостаточно средств.\nВаш баланс: %s₽\nСтоимость: %s₽", balance, quote.Total),
				keyboard: tu.InlineKeyboard(tu.InlineKeyboardRow(
					tu.InlineKeyboardButton("💰 Пополнить баланс").WithCallbackData("topup_balance"),
				)),
			}
		}
		out, err := b.Checkout.Create(ctx, reconcile.IntentFor(user.ID, shortfall, &req), fmt.Sprintf("VPN на %d дней", days))
		if err != nil {
			return failure("buy_checkout", err)
		}
		return reply{text: fmt.Sprintf("💳 Не хватает %s₽. Оплатите по ссылке, и подписка оформится автоматически:\n%s", shortfall, out.ConfirmationURL)}
	}

	if _, err := b.Subs.Purchase(ctx, user.ID, req); err != nil {
		return failure("buy", err)
	}
	return reply{}
}

// topup handles the amount typed after "Пополнить баланс". done reports
// whether the conversation state should be cleared.
func (b *Bot) topup(ctx context.Context, from *telego.User, text string) (r reply, done bool) {
	amount, err := money.ParseMajor(strings.ReplaceAll(text, ",", "."))
	if err != nil || amount < b.minTopup {
		return reply{text: fmt.Sprintf("❌ Некорректная сумма. Введите число не меньше %s.", b.minTopup)}, false
	}
	if b.Checkout == nil {
		return reply{text: "❌ Пополнение картой сейчас недоступно. Используйте /stars."}, true
	}
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return failure("topup", err), true
	}
	out, err := b.Checkout.Create(ctx, reconcile.IntentFor(user.ID, amount, nil), "Пополнение баланса")
	if err != nil {
		return failure("topup", err), true
	}
	return reply{text: fmt.Sprintf("💳 Ссылка для пополнения на %s₽:\n%s", amount, out.ConfirmationURL)}, true
}

func (b *Bot) toggleAutoRenew(ctx context.Context, from *telego.User) reply {
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return failure("autorenew", err)
	}
	sub, err := b.Subs.Current(ctx, user.ID)
	if err != nil {
		return failure("autorenew", err)
	}
	on := !sub.AutoRenew
	if err := b.Subs.SetAutoRenew(ctx, user.ID, on); err != nil {
		return failure("autorenew", err)
	}
	if on {
		return reply{text: "🔄 Автопродление включено. Подписка продлится с баланса за сутки до окончания."}
	}
	return reply{text: "Автопродление выключено."}
}

func (b *Bot) redeem(ctx context.Context, from *telego.User, code string) reply {
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return failure("promo", err)
	}
	if _, err := b.Subs.RedeemPromoCode(ctx, user.ID, code); err != nil {
		return failure("promo", err)
	}
	return reply{}
}

func (b *Bot) invite(ctx context.Context, from *telego.User) reply {
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return failure("invite", err)
	}
	db := b.DB.WithContext(ctx)
	var invited int64
	if err := db.Model(&models.User{}).Where("referrer_id = ?", user.ID).Count(&invited).Error; err != nil {
		return failure("invite", err)
	}
	var earned int64
	if err := db.Model(&models.ReferralEarning{}).Where("referrer_id = ?", user.ID).
		Select("COALESCE(SUM(amount), 0)").Scan(&earned).Error; err != nil {
		return failure("invite", err)
	}

	botUsername := "vpn_bot"
	if b.Instance != nil {
		if me, err := b.Instance.GetMe(ctx); err == nil {
			botUsername = me.Username
		}
	}
	refLink := fmt.Sprintf("https://t.me/%s?start=%s", botUsername, user.ReferralCode)
	return reply{
		text: fmt.Sprintf("🤝 *Партнерская программа*\n\n"+
			"Приглашай друзей и получай процент с их пополнений!\n\n"+
			"👥 Приглашено: %d\n"+
			"💰 Заработано: %s₽\n\n"+
			"🔗 *Твоя ссылка:*\n`%s`", invited, money.Amount(earned), refLink),
		keyboard: tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back"),
		)),
		markdown: true,
	}
}

// starsInvoice builds a Telegram Stars invoice covering at least the
// requested amount. The invoice payload is the top-up intent.
func (b *Bot) starsInvoice(ctx context.Context, from *telego.User, amountText string) (*telego.SendInvoiceParams, reply) {
	if b.starRate <= 0 {
		return nil, reply{text: "❌ Оплата звёздами недоступна."}
	}
	amount, err := money.ParseMajor(strings.ReplaceAll(amountText, ",", "."))
	if err != nil || amount < b.minTopup {
		return nil, reply{text: fmt.Sprintf("❌ Некорректная сумма. Введите число не меньше %s.", b.minTopup)}
	}
	user, err := b.ensureUser(ctx, from, "")
	if err != nil {
		return nil, failure("stars", err)
	}

	stars := starsFor(amount, b.starRate)
	intent := reconcile.IntentFor(user.ID, money.Amount(stars)*b.starRate, nil)
	payload, err := intent.Encode()
	if err != nil {
		return nil, failure("stars", err)
	}
	return &telego.SendInvoiceParams{
		ChatID:      tu.ID(from.ID),
		Title:       "Пополнение баланса",
		Description: fmt.Sprintf("Пополнение на %s₽", intent.Amount),
		Payload:     payload,
		Currency:    "XTR",
		Prices:      []telego.LabeledPrice{{Label: "Пополнение", Amount: stars}},
	}, reply{}
}

// starsFor is the number of stars needed to cover amount, rounded up.
func starsFor(amount, rate money.Amount) int {
	return int((amount + rate - 1) / rate)
}

// preCheckout accepts a Stars payment only if its payload is an intent for
// the paying user that matches the invoiced amount.
func (b *Bot) preCheckout(ctx context.Context, q *telego.PreCheckoutQuery) error {
	if q.Currency != "XTR" {
		return fmt.Errorf("unexpected currency %q", q.Currency)
	}
	intent, err := payment.ParseIntent(q.InvoicePayload)
	if err != nil {
		return err
	}
	user, err := b.ensureUser(ctx, &q.From, "")
	if err != nil {
		return err
	}
	if intent.UserID != user.ID {
		return fmt.Errorf("intent for user %d paid by %d", intent.UserID, user.ID)
	}
	if want := money.Amount(q.TotalAmount) * b.starRate; intent.Amount != want {
		return fmt.Errorf("intent amount %s, invoice worth %s", intent.Amount, want)
	}
	return nil
}
