package pricing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"vpnbilling/internal/config"
	"vpnbilling/internal/models"
	"vpnbilling/internal/money"
)

const (
	TrafficModeFixed      = "fixed"
	TrafficModeSelectable = "selectable"
	TrafficModeUnlimited  = "unlimited"
)

type SquadInfo struct {
	UUID          string
	Name          string
	Available     bool
	Full          bool
	AllowedGroups []uint
	TrialEligible bool
}

// Snapshot is the read-only pricing configuration a quote is computed against.
// Build one per request; never mutate it after construction.
type Snapshot struct {
	Version         string
	TakenAt         time.Time
	PeriodPrices    map[int]money.Amount
	TrafficMode     string
	FixedTrafficGB  int
	TrafficPackages map[int]money.Amount // GB -> monthly price, 0 GB = unlimited
	FreeDevices     int
	MaxDevices      int
	DevicePrice     money.Amount
	FreeSquads      int
	SquadPrice      money.Amount
	Squads          map[string]SquadInfo
}

func NewSnapshot(t config.Tariffs, squads []models.ServerSquad, now time.Time) *Snapshot {
	s := &Snapshot{
		TakenAt:         now,
		PeriodPrices:    copyTable(t.PeriodPrices),
		TrafficMode:     t.TrafficMode,
		FixedTrafficGB:  t.FixedTrafficGB,
		TrafficPackages: copyTable(t.TrafficPackages),
		FreeDevices:     t.FreeDevices,
		MaxDevices:      t.MaxDevices,
		DevicePrice:     t.DevicePrice,
		FreeSquads:      t.FreeSquads,
		SquadPrice:      t.SquadPrice,
		Squads:          make(map[string]SquadInfo, len(squads)),
	}
	for _, sq := range squads {
		s.Squads[sq.UUID] = SquadInfo{
			UUID:          sq.UUID,
			Name:          sq.Name,
			Available:     sq.Available,
			Full:          sq.Full(),
			AllowedGroups: append([]uint(nil), sq.AllowedPromoGroups...),
			TrialEligible: sq.TrialEligible,
		}
	}
	s.Version = s.fingerprint()
	return s
}

// Periods returns the allowed period lengths in ascending order.
func (s *Snapshot) Periods() []int {
	out := make([]int, 0, len(s.PeriodPrices))
	for d := range s.PeriodPrices {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// TrialSquads lists available trial-eligible squads in a stable order.
func (s *Snapshot) TrialSquads() []string {
	var out []string
	for id, sq := range s.Squads {
		if sq.TrialEligible && sq.Available && !sq.Full {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) fingerprint() string {
	payload := struct {
		P  map[int]money.Amount
		M  string
		F  int
		T  map[int]money.Amount
		D  [3]int64
		Q  [2]int64
		SQ map[string]SquadInfo
	}{
		s.PeriodPrices, s.TrafficMode, s.FixedTrafficGB, s.TrafficPackages,
		[3]int64{int64(s.FreeDevices), int64(s.MaxDevices), int64(s.DevicePrice)},
		[2]int64{int64(s.FreeSquads), int64(s.SquadPrice)},
		s.Squads,
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:6])
}

func copyTable(in map[int]money.Amount) map[int]money.Amount {
	out := make(map[int]money.Amount, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Loader builds snapshots from configured tariffs and the squad catalog.
type Loader struct {
	DB      *gorm.DB
	Tariffs config.Tariffs
}

func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	return l.LoadTx(l.DB.WithContext(ctx))
}

// LoadTx reads the squad catalog through tx so the snapshot is consistent
// with the rest of the caller's transaction.
func (l *Loader) LoadTx(tx *gorm.DB) (*Snapshot, error) {
	var squads []models.ServerSquad
	if err := tx.Find(&squads).Error; err != nil {
		return nil, fmt.Errorf("load squads: %w", err)
	}
	return NewSnapshot(l.Tariffs, squads, time.Now().UTC()), nil
}
