package payment

import (
	"fmt"
	"strconv"
	"strings"

	"vpnbilling/internal/money"
	"vpnbilling/internal/pricing"
)

type Purpose string

const (
	PurposeTopup    Purpose = "topup"
	PurposePurchase Purpose = "sub"
)

const (
	intentVersion = "v1"
	// MaxIntentLen is Telegram's invoice payload limit; the other gateways allow more.
	MaxIntentLen = 128
)

// Intent is what the user meant to pay for. It travels through the gateway in
// metadata or payload fields and comes back with the webhook.
type Intent struct {
	UserID     uint
	Amount     money.Amount
	Purpose    Purpose
	PeriodDays int
	Traffic    pricing.TrafficSelection
	Devices    int
	Squads     []string
	PromoCode  string
	OfferID    uint
}

func (i *Intent) IsPurchase() bool {
	return i != nil && i.Purpose == PurposePurchase
}

// Encode renders v1|user|amount|purpose|days|traffic|devices|squads|code|offer.
func (i Intent) Encode() (string, error) {
	if strings.ContainsAny(i.PromoCode, "|,") {
		return "", fmt.Errorf("promo code %q contains a separator", i.PromoCode)
	}
	for _, sq := range i.Squads {
		if strings.ContainsAny(sq, "|,") {
			return "", fmt.Errorf("squad %q contains a separator", sq)
		}
	}
	fields := []string{
		intentVersion,
		strconv.FormatUint(uint64(i.UserID), 10),
		strconv.FormatInt(int64(i.Amount), 10),
		string(i.Purpose),
		strconv.Itoa(i.PeriodDays),
		encodeTraffic(i.Traffic),
		strconv.Itoa(i.Devices),
		strings.Join(i.Squads, ","),
		i.PromoCode,
		strconv.FormatUint(uint64(i.OfferID), 10),
	}
	s := strings.Join(fields, "|")
	if len(s) > MaxIntentLen {
		return "", fmt.Errorf("intent is %d bytes, limit %d", len(s), MaxIntentLen)
	}
	return s, nil
}

func ParseIntent(s string) (*Intent, error) {
	f := strings.Split(s, "|")
	if len(f) != 10 || f[0] != intentVersion {
		return nil, fmt.Errorf("unsupported intent %q", s)
	}
	var in Intent
	uid, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil || uid == 0 {
		return nil, fmt.Errorf("bad user id %q", f[1])
	}
	in.UserID = uint(uid)
	amount, err := strconv.ParseInt(f[2], 10, 64)
	if err != nil || amount < 0 {
		return nil, fmt.Errorf("bad amount %q", f[2])
	}
	in.Amount = money.Amount(amount)

	switch Purpose(f[3]) {
	case PurposeTopup:
		in.Purpose = PurposeTopup
	case PurposePurchase:
		in.Purpose = PurposePurchase
	default:
		return nil, fmt.Errorf("bad purpose %q", f[3])
	}
	if in.PeriodDays, err = atoiEmpty(f[4]); err != nil {
		return nil, fmt.Errorf("bad period %q", f[4])
	}
	if in.Traffic, err = decodeTraffic(f[5]); err != nil {
		return nil, err
	}
	if in.Devices, err = atoiEmpty(f[6]); err != nil {
		return nil, fmt.Errorf("bad devices %q", f[6])
	}
	if f[7] != "" {
		in.Squads = strings.Split(f[7], ",")
	}
	in.PromoCode = f[8]
	offer, err := strconv.ParseUint(f[9], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad offer %q", f[9])
	}
	in.OfferID = uint(offer)

	if in.Purpose == PurposePurchase && in.PeriodDays <= 0 {
		return nil, fmt.Errorf("purchase intent without a period")
	}
	return &in, nil
}

func atoiEmpty(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// Traffic is "" for the included allowance, "u" for unlimited or the package size in GB.
func encodeTraffic(t pricing.TrafficSelection) string {
	switch t.Kind {
	case pricing.TrafficUnlimited:
		return "u"
	case pricing.TrafficPackage:
		return strconv.Itoa(t.GB)
	}
	return ""
}

func decodeTraffic(s string) (pricing.TrafficSelection, error) {
	switch s {
	case "":
		return pricing.TrafficSelection{Kind: pricing.TrafficIncluded}, nil
	case "u":
		return pricing.TrafficSelection{Kind: pricing.TrafficUnlimited}, nil
	}
	gb, err := strconv.Atoi(s)
	if err != nil || gb <= 0 {
		return pricing.TrafficSelection{}, fmt.Errorf("bad traffic %q", s)
	}
	return pricing.TrafficSelection{Kind: pricing.TrafficPackage, GB: gb}, nil
}
