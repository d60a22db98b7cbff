package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upTo(v int64) *int64 { return &v }

func threeTiers() []Tier {
	return []Tier{
		{UpTo: upTo(10), UnitAmount: decimal.NewFromInt(50)},
		{UpTo: upTo(20), UnitAmount: decimal.NewFromInt(40)},
		{UnitAmount: decimal.NewFromInt(30)},
	}
}

func compute(t *testing.T, m Model, qty int64) int64 {
	t.Helper()
	amount, err := m.ComputeAmount(decimal.NewFromInt(qty))
	require.NoError(t, err)
	return RoundMinor(amount)
}

func TestFlatFee(t *testing.T) {
	m := FlatFee{Amount: 2999}
	assert.Equal(t, int64(2999), compute(t, m, 1))
	assert.Equal(t, int64(5998), compute(t, m, 2))
}

func TestUsageRoundsHalfEven(t *testing.T) {
	m := Usage{UnitAmount: decimal.RequireFromString("0.5")}
	assert.Equal(t, int64(0), compute(t, m, 1))
	assert.Equal(t, int64(2), compute(t, m, 3))
	assert.Equal(t, int64(50), compute(t, m, 100))
}

func TestTieredVolume(t *testing.T) {
	m := Tiered{Mode: TierModeVolume, Tiers: threeTiers()}
	assert.Equal(t, int64(250), compute(t, m, 5))
	assert.Equal(t, int64(500), compute(t, m, 10))
	assert.Equal(t, int64(600), compute(t, m, 15))
	assert.Equal(t, int64(750), compute(t, m, 25))
}

func TestTieredGraduated(t *testing.T) {
	m := Tiered{Mode: TierModeGraduated, Tiers: threeTiers()}
	assert.Equal(t, int64(250), compute(t, m, 5))
	assert.Equal(t, int64(700), compute(t, m, 15))
	assert.Equal(t, int64(1050), compute(t, m, 25))
	assert.Equal(t, int64(0), compute(t, m, 0))
}

func TestTieredFlatAmounts(t *testing.T) {
	tiers := []Tier{
		{UpTo: upTo(10), UnitAmount: decimal.Zero, FlatAmount: 1000},
		{UnitAmount: decimal.NewFromInt(5), FlatAmount: 200},
	}
	assert.Equal(t, int64(1000), compute(t, Tiered{Mode: TierModeGraduated, Tiers: tiers}, 4))
	assert.Equal(t, int64(1000+200+25), compute(t, Tiered{Mode: TierModeGraduated, Tiers: tiers}, 15))
	assert.Equal(t, int64(200+75), compute(t, Tiered{Mode: TierModeVolume, Tiers: tiers}, 15))
}

func TestValidateTiers(t *testing.T) {
	assert.ErrorIs(t, ValidateTiers(nil), ErrInvalidTiers)
	assert.ErrorIs(t, ValidateTiers([]Tier{{UnitAmount: decimal.NewFromInt(1)}, {UpTo: upTo(5)}}), ErrInvalidTiers)
	assert.ErrorIs(t, ValidateTiers([]Tier{{UpTo: upTo(5)}, {UpTo: upTo(5)}}), ErrInvalidTiers)
	assert.NoError(t, ValidateTiers(threeTiers()))
}

func TestNegativeQuantityRejected(t *testing.T) {
	_, err := FlatFee{Amount: 100}.ComputeAmount(decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrNegativeUsage)
}
