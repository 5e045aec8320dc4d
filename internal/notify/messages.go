package notify

import (
	"fmt"
	"time"

	"vpnbilling/internal/money"
)

func TopupCredited(amount, balance money.Amount) string {
	return fmt.Sprintf("✅ Баланс успешно пополнен на %s₽\nТекущий баланс: %s₽", amount, balance)
}

func ReferralBonus(amount money.Amount) string {
	return fmt.Sprintf("💰 Вам начислен реферальный бонус: %s₽ за пополнение друга!", amount)
}

func PurchaseDone(end time.Time, url string) string {
	msg := fmt.Sprintf("✅ Подписка активна до %s.", end.Format("02.01.2006 15:04"))
	if url != "" {
		msg += fmt.Sprintf("\n\nТвоя ссылка на VPN:\n%s", url)
	}
	return msg
}

func PurchaseFailedKeptFunds(balance money.Amount) string {
	return fmt.Sprintf("⚠️ Оплата получена, но подписку оформить не удалось. Средства зачислены на баланс (%s₽), администратор уже уведомлён.", balance)
}

func ExpiresSoon() string {
	return "⚠️ Ваша подписка истекает через сутки! Пожалуйста, продлите её, чтобы не потерять доступ."
}

func Expired() string {
	return "❌ Ваша подписка истекла. Доступ к VPN заблокирован. Продлите подписку в меню 'Купить VPN'."
}

func AutoRenewed(end time.Time) string {
	return fmt.Sprintf("🔄 Подписка автоматически продлена до %s.", end.Format("02.01.2006"))
}

func AutoRenewNoFunds(price, balance money.Amount) string {
	return fmt.Sprintf("⚠️ Не удалось автоматически продлить подписку: нужно %s₽, на балансе %s₽. Пополните баланс.", price, balance)
}

func RefundRecorded(amount money.Amount) string {
	return fmt.Sprintf("↩️ Возврат %s₽ оформлен и списан с баланса.", amount)
}

func TrialStarted(end time.Time) string {
	return fmt.Sprintf("🎁 Пробный период активирован до %s. Ссылка на подключение появится в профиле через пару минут.", end.Format("02.01.2006 15:04"))
}

func DaysAdded(days int, end time.Time) string {
	return fmt.Sprintf("🎉 Промокод применён: +%d дн. Подписка активна до %s.", days, end.Format("02.01.2006"))
}
