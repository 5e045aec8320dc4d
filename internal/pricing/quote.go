package pricing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"vpnbilling/internal/money"
)

type TrafficKind string

const (
	// TrafficIncluded takes whatever the tariff includes (fixed or unlimited mode).
	TrafficIncluded  TrafficKind = "included"
	TrafficPackage   TrafficKind = "package"
	TrafficUnlimited TrafficKind = "unlimited"
)

type TrafficSelection struct {
	Kind TrafficKind
	GB   int
}

type Request struct {
	PeriodDays int
	Traffic    TrafficSelection
	Devices    int // 0 means the free allowance
	Squads     []string
	PromoCode  string
	OfferID    uint
	// CurrentSquads are already held by the user and skip the capacity check.
	CurrentSquads []string
}

// GroupDiscounts is the promo group as seen at quote time.
type GroupDiscounts struct {
	ID      uint
	Name    string
	Traffic int
	Devices int
	Servers int
	Periods map[int]int // days -> percent
}

type CodeState struct {
	Code       string
	Kind       string
	Percent    int
	Active     bool
	ValidUntil *time.Time
	UsageLimit int
	UsedCount  int
	UsedByUser bool
}

type OfferState struct {
	ID         uint
	OwnerID    uint
	Percent    int
	ClaimedAt  *time.Time
	ExpiresAt  *time.Time
	ConsumedAt *time.Time
}

// PromoContext is the user's promo state loaded alongside the snapshot.
type PromoContext struct {
	UserID uint
	Group  *GroupDiscounts
	Code   *CodeState
	Offer  *OfferState
}

type Component string

const (
	ComponentBase    Component = "base"
	ComponentTraffic Component = "traffic"
	ComponentDevices Component = "devices"
	ComponentServers Component = "servers"
)

type LineItem struct {
	Component     Component
	Units         int // extra devices, extra squads, traffic GB; 0 for base
	Months        int
	Raw           money.Amount
	GroupPercent  money.Percent
	PeriodPercent money.Percent
	PromoPercent  money.Percent
	Final         money.Amount // rounded for display; the total is rounded once over exact values
}

type Breakdown struct {
	SnapshotVersion string
	PeriodDays      int
	Months          int
	TrafficGB       int // 0 = unlimited
	Devices         int
	Squads          []string
	Items           []LineItem
	Subtotal        money.Amount
	Discount        money.Amount
	Total           money.Amount

	PromoGroupID   uint
	PromoGroupName string
	PromoCode      string
	CodePercent    money.Percent
	OfferID        uint
	OfferPercent   money.Percent
}

// Quote prices a subscription configuration. It reads only its arguments.
func Quote(snap *Snapshot, promo PromoContext, req Request, now time.Time) (*Breakdown, error) {
	base, ok := snap.PeriodPrices[req.PeriodDays]
	if !ok || req.PeriodDays <= 0 {
		return nil, fail(InvalidPeriod, "%d days is not offered", req.PeriodDays)
	}
	months := money.MonthsInPeriod(req.PeriodDays)

	trafficGB, trafficMonthly, err := snap.traffic(req.Traffic)
	if err != nil {
		return nil, err
	}

	devices := req.Devices
	if devices <= 0 {
		devices = snap.FreeDevices
	}
	if devices > snap.MaxDevices {
		return nil, fail(DeviceLimitExceeded, "%d devices requested, %d allowed", devices, snap.MaxDevices)
	}

	squads, err := snap.checkSquads(req.Squads, req.CurrentSquads, promo.Group)
	if err != nil {
		return nil, err
	}

	codePct, err := codePercent(promo, req.PromoCode, now)
	if err != nil {
		return nil, err
	}
	offerPct, err := offerPercent(promo, req.OfferID, now)
	if err != nil {
		return nil, err
	}
	promoPct := money.ClampPercent(int(codePct) + int(offerPct))

	var group GroupDiscounts
	if promo.Group != nil {
		group = *promo.Group
	}
	periodPct := money.ClampPercent(periodBucket(group.Periods, req.PeriodDays))

	extraDevices := max(0, devices-snap.FreeDevices)
	extraSquads := max(0, len(squads)-snap.FreeSquads)

	b := &Breakdown{
		SnapshotVersion: snap.Version,
		PeriodDays:      req.PeriodDays,
		Months:          months,
		TrafficGB:       trafficGB,
		Devices:         devices,
		Squads:          squads,
		PromoGroupID:    group.ID,
		PromoGroupName:  group.Name,
		PromoCode:       req.PromoCode,
		CodePercent:     codePct,
		OfferID:         req.OfferID,
		OfferPercent:    offerPct,
	}

	exact := decimal.Zero
	add := func(c Component, units int, raw decimal.Decimal, groupPct money.Percent) {
		if raw.IsZero() {
			return
		}
		v := money.Discount(raw, groupPct)
		v = money.Discount(v, periodPct)
		v = money.Discount(v, promoPct)
		exact = exact.Add(v)
		item := LineItem{
			Component:     c,
			Units:         units,
			Months:        months,
			Raw:           money.FromDecimal(raw),
			GroupPercent:  groupPct,
			PeriodPercent: periodPct,
			PromoPercent:  promoPct,
			Final:         money.FromDecimal(v),
		}
		b.Items = append(b.Items, item)
		b.Subtotal += item.Raw
	}

	add(ComponentBase, 0, base.Decimal(), 0)
	add(ComponentTraffic, trafficGB, money.Prorate(trafficMonthly, months), money.ClampPercent(group.Traffic))
	add(ComponentDevices, extraDevices, money.Prorate(snap.DevicePrice*money.Amount(extraDevices), months), money.ClampPercent(group.Devices))
	add(ComponentServers, extraSquads, money.Prorate(snap.SquadPrice*money.Amount(extraSquads), months), money.ClampPercent(group.Servers))

	b.Total = max(0, money.FromDecimal(exact))
	b.Discount = b.Subtotal - b.Total
	return b, nil
}

// traffic resolves the selection to a limit in GB (0 = unlimited) and a
// monthly price.
func (s *Snapshot) traffic(sel TrafficSelection) (int, money.Amount, error) {
	switch s.TrafficMode {
	case TrafficModeFixed:
		if sel.Kind == TrafficIncluded || sel.Kind == "" {
			return s.FixedTrafficGB, 0, nil
		}
	case TrafficModeUnlimited:
		if sel.Kind == TrafficIncluded || sel.Kind == TrafficUnlimited || sel.Kind == "" {
			return 0, 0, nil
		}
	case TrafficModeSelectable:
		switch sel.Kind {
		case TrafficPackage:
			if price, ok := s.TrafficPackages[sel.GB]; ok && sel.GB > 0 {
				return sel.GB, price, nil
			}
		case TrafficUnlimited:
			if price, ok := s.TrafficPackages[0]; ok {
				return 0, price, nil
			}
		}
	}
	return 0, 0, fail(InvalidTrafficSelection, "%s/%d not offered in %s mode", sel.Kind, sel.GB, s.TrafficMode)
}

func (s *Snapshot) checkSquads(requested, current []string, group *GroupDiscounts) ([]string, error) {
	if len(requested) == 0 {
		return nil, fail(SquadUnavailable, "no squad selected")
	}
	held := make(map[string]bool, len(current))
	for _, id := range current {
		held[id] = true
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if seen[id] {
			continue
		}
		seen[id] = true
		sq, ok := s.Squads[id]
		if !ok || !sq.Available {
			return nil, fail(SquadUnavailable, "squad %s is not available", id)
		}
		if sq.Full && !held[id] {
			return nil, fail(SquadUnavailable, "squad %s is full", id)
		}
		if len(sq.AllowedGroups) > 0 && !allowsGroup(sq.AllowedGroups, group) {
			return nil, fail(SquadUnavailable, "squad %s is restricted", id)
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func allowsGroup(allowed []uint, group *GroupDiscounts) bool {
	if group == nil {
		return false
	}
	for _, id := range allowed {
		if id == group.ID {
			return true
		}
	}
	return false
}

// periodBucket picks the discount of the largest configured period that does
// not exceed days. There is no interpolation between buckets.
func periodBucket(table map[int]int, days int) int {
	best, pct := 0, 0
	for d, p := range table {
		if d <= days && d > best {
			best, pct = d, p
		}
	}
	return pct
}

func codePercent(promo PromoContext, code string, now time.Time) (money.Percent, error) {
	if code == "" {
		return 0, nil
	}
	c := promo.Code
	if c == nil || c.Code != code || !c.Active {
		return 0, fail(PromoCodeInvalid, "code %q", code)
	}
	if c.ValidUntil != nil && !now.Before(*c.ValidUntil) {
		return 0, fail(PromoCodeInvalid, "code %q expired", code)
	}
	if c.Kind != "percent" {
		return 0, fail(PromoCodeInvalid, "code %q is not a discount code", code)
	}
	if c.UsedByUser {
		return 0, fail(PromoCodeExhausted, "code %q already used", code)
	}
	if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
		return 0, fail(PromoCodeExhausted, "code %q usage limit reached", code)
	}
	return money.ClampPercent(c.Percent), nil
}

func offerPercent(promo PromoContext, offerID uint, now time.Time) (money.Percent, error) {
	if offerID == 0 {
		return 0, nil
	}
	o := promo.Offer
	switch {
	case o == nil || o.ID != offerID || o.OwnerID != promo.UserID:
		return 0, fail(PromoOfferExpired, "offer %d not found", offerID)
	case o.ClaimedAt == nil:
		return 0, fail(PromoOfferExpired, "offer %d not claimed", offerID)
	case o.ConsumedAt != nil:
		return 0, fail(PromoOfferExpired, "offer %d already used", offerID)
	case o.ExpiresAt != nil && !now.Before(*o.ExpiresAt):
		return 0, fail(PromoOfferExpired, "offer %d expired", offerID)
	}
	return money.ClampPercent(o.Percent), nil
}
