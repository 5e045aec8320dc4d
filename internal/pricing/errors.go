package pricing

import (
	"fmt"

	billerr "vpnbilling/internal/errors"
)

type ErrorCode string

const (
	InvalidPeriod           ErrorCode = "invalid_period"
	InvalidTrafficSelection ErrorCode = "invalid_traffic_selection"
	DeviceLimitExceeded     ErrorCode = "device_limit_exceeded"
	SquadUnavailable        ErrorCode = "squad_unavailable"
	PromoCodeInvalid        ErrorCode = "promo_code_invalid"
	PromoCodeExhausted      ErrorCode = "promo_code_exhausted"
	PromoOfferExpired       ErrorCode = "promo_offer_expired"
)

// Error is a pricing validation failure. Callers render Code to the user.
type Error struct {
	Code   ErrorCode
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "pricing: " + string(e.Code)
	}
	return fmt.Sprintf("pricing: %s: %s", e.Code, e.Detail)
}

// Is matches on Code so errors.Is(err, pricing.ErrPromoCodeExhausted) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) ErrorKind() billerr.Kind {
	return billerr.KindValidation
}

var (
	ErrInvalidPeriod           = &Error{Code: InvalidPeriod}
	ErrInvalidTrafficSelection = &Error{Code: InvalidTrafficSelection}
	ErrDeviceLimitExceeded     = &Error{Code: DeviceLimitExceeded}
	ErrSquadUnavailable        = &Error{Code: SquadUnavailable}
	ErrPromoCodeInvalid        = &Error{Code: PromoCodeInvalid}
	ErrPromoCodeExhausted      = &Error{Code: PromoCodeExhausted}
	ErrPromoOfferExpired       = &Error{Code: PromoOfferExpired}
)

func fail(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}
