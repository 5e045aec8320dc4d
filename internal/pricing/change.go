package pricing

import (
	"github.com/shopspring/decimal"

	"vpnbilling/internal/money"
)

// ChangeRequest describes add-ons bought for the rest of a running period.
// Nil or zero fields leave that part of the configuration unchanged.
type ChangeRequest struct {
	PeriodDays      int
	RemainingMonths int

	CurrentDevices   int
	CurrentTrafficGB int // 0 = unlimited
	CurrentSquads    []string

	Devices int
	Traffic *TrafficSelection
	Squads  []string
}

// QuoteChange prices a configuration change prorated over the remaining
// months. Downgrades cost nothing and are not refunded.
func QuoteChange(snap *Snapshot, promo PromoContext, req ChangeRequest) (*Breakdown, error) {
	if req.RemainingMonths <= 0 {
		return nil, fail(InvalidPeriod, "subscription period has ended")
	}
	months := req.RemainingMonths

	var group GroupDiscounts
	if promo.Group != nil {
		group = *promo.Group
	}
	periodPct := money.ClampPercent(periodBucket(group.Periods, req.PeriodDays))

	b := &Breakdown{
		SnapshotVersion: snap.Version,
		PeriodDays:      req.PeriodDays,
		Months:          months,
		TrafficGB:       req.CurrentTrafficGB,
		Devices:         req.CurrentDevices,
		Squads:          req.CurrentSquads,
		PromoGroupID:    group.ID,
		PromoGroupName:  group.Name,
	}

	exact := decimal.Zero
	add := func(c Component, units int, monthly money.Amount, groupPct money.Percent) {
		if monthly <= 0 {
			return
		}
		raw := money.Prorate(monthly, months)
		v := money.Discount(money.Discount(raw, groupPct), periodPct)
		exact = exact.Add(v)
		item := LineItem{
			Component:     c,
			Units:         units,
			Months:        months,
			Raw:           money.FromDecimal(raw),
			GroupPercent:  groupPct,
			PeriodPercent: periodPct,
			Final:         money.FromDecimal(v),
		}
		b.Items = append(b.Items, item)
		b.Subtotal += item.Raw
	}

	if req.Devices > 0 && req.Devices != req.CurrentDevices {
		if req.Devices > snap.MaxDevices {
			return nil, fail(DeviceLimitExceeded, "%d devices requested, %d allowed", req.Devices, snap.MaxDevices)
		}
		added := max(0, req.Devices-snap.FreeDevices) - max(0, req.CurrentDevices-snap.FreeDevices)
		if added > 0 {
			add(ComponentDevices, added, snap.DevicePrice*money.Amount(added), money.ClampPercent(group.Devices))
		}
		b.Devices = req.Devices
	}

	if req.Traffic != nil {
		gb, monthly, err := snap.traffic(*req.Traffic)
		if err != nil {
			return nil, err
		}
		if gb != req.CurrentTrafficGB {
			current := snap.TrafficPackages[req.CurrentTrafficGB]
			if req.CurrentTrafficGB == 0 && snap.TrafficMode != TrafficModeSelectable {
				current = 0
			}
			add(ComponentTraffic, gb, monthly-current, money.ClampPercent(group.Traffic))
			b.TrafficGB = gb
		}
	}

	if req.Squads != nil {
		squads, err := snap.checkSquads(req.Squads, req.CurrentSquads, promo.Group)
		if err != nil {
			return nil, err
		}
		added := max(0, len(squads)-snap.FreeSquads) - max(0, len(req.CurrentSquads)-snap.FreeSquads)
		if added > 0 {
			add(ComponentServers, added, snap.SquadPrice*money.Amount(added), money.ClampPercent(group.Servers))
		}
		b.Squads = squads
	}

	b.Total = max(0, money.FromDecimal(exact))
	b.Discount = b.Subtotal - b.Total
	return b, nil
}
