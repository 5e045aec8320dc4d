package payment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnbilling/internal/pricing"
)

func TestIntentRoundTrip(t *testing.T) {
	in := Intent{
		UserID:     42,
		Amount:     53700,
		Purpose:    PurposePurchase,
		PeriodDays: 90,
		Traffic:    pricing.TrafficSelection{Kind: pricing.TrafficPackage, GB: 100},
		Devices:    3,
		Squads:     []string{"nl", "de"},
		PromoCode:  "SPRING",
		OfferID:    9,
	}
	s, err := in.Encode()
	require.NoError(t, err)
	assert.Equal(t, "v1|42|53700|sub|90|100|3|nl,de|SPRING|9", s)

	out, err := ParseIntent(s)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
	assert.True(t, out.IsPurchase())

	topup := Intent{UserID: 7, Amount: 50000, Purpose: PurposeTopup, Traffic: pricing.TrafficSelection{Kind: pricing.TrafficIncluded}}
	s, err = topup.Encode()
	require.NoError(t, err)
	out, err = ParseIntent(s)
	require.NoError(t, err)
	assert.Equal(t, topup, *out)
	assert.False(t, out.IsPurchase())

	unlimited := Intent{UserID: 1, Amount: 1, Purpose: PurposePurchase, PeriodDays: 30, Traffic: pricing.TrafficSelection{Kind: pricing.TrafficUnlimited}}
	s, err = unlimited.Encode()
	require.NoError(t, err)
	out, err = ParseIntent(s)
	require.NoError(t, err)
	assert.Equal(t, pricing.TrafficUnlimited, out.Traffic.Kind)
}

func TestIntentLimits(t *testing.T) {
	_, err := Intent{UserID: 1, Purpose: PurposeTopup, PromoCode: "A|B"}.Encode()
	assert.Error(t, err)

	_, err = Intent{UserID: 1, Purpose: PurposeTopup, Squads: []string{"a,b"}}.Encode()
	assert.Error(t, err)

	long := Intent{UserID: 1, Purpose: PurposePurchase, PeriodDays: 30, Squads: []string{strings.Repeat("x", 40), strings.Repeat("y", 40), strings.Repeat("z", 40)}}
	_, err = long.Encode()
	assert.ErrorContains(t, err, "limit 128")

	for _, bad := range []string{
		"",
		"v2|1|100|topup|0||0|||0",
		"v1|0|100|topup|0||0|||0",
		"v1|1|-5|topup|0||0|||0",
		"v1|1|100|gift|0||0|||0",
		"v1|1|100|sub|0||0|||0",
		"v1|1|100|sub|30|-1|0|||0",
		"v1|1|100|topup|0||0||",
	} {
		_, err := ParseIntent(bad)
		assert.Error(t, err, bad)
	}
}
