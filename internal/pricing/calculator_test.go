package pricing

import (
	"context"
	"testing"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator() *Calculator {
	return NewCalculator(
		decimal.RequireFromString("0.1925"),
		decimal.NewFromInt(30),
		decimal.NewFromInt(100),
	)
}

func TestSplitDepositExactness(t *testing.T) {
	calc := newTestCalculator()

	total := decimal.NewFromInt(100000)
	deposit, remaining := calc.SplitDeposit(total)

	assert.True(t, decimal.NewFromInt(30000).Equal(deposit), "deposit was %s", deposit)
	assert.True(t, decimal.NewFromInt(70000).Equal(remaining), "remaining was %s", remaining)
	assert.True(t, deposit.Add(remaining).Equal(total))
}

func TestSplitDepositRoundsToUnit(t *testing.T) {
	calc := newTestCalculator()

	// 30% of 100150 is 30045, which rounds to 30000.
	total := decimal.NewFromInt(100150)
	deposit, remaining := calc.SplitDeposit(total)

	assert.True(t, deposit.Mod(decimal.NewFromInt(100)).IsZero(), "deposit %s not on unit", deposit)
	assert.True(t, deposit.Add(remaining).Equal(total), "%s + %s != %s", deposit, remaining, total)
}

func TestSplitDepositNeverExceedsTotal(t *testing.T) {
	calc := newTestCalculator()

	// 30% of 150 rounds to 100; of 50 rounds to 0.
	for _, totalInt := range []int64{150, 50, 0} {
		total := decimal.NewFromInt(totalInt)
		deposit, remaining := calc.SplitDeposit(total)
		assert.True(t, deposit.LessThanOrEqual(total))
		assert.False(t, remaining.IsNegative())
		assert.True(t, deposit.Add(remaining).Equal(total))
	}
}

func TestCalculateTax(t *testing.T) {
	calc := newTestCalculator()

	tax := calc.CalculateTax(decimal.NewFromInt(100000))
	assert.True(t, decimal.NewFromInt(19250).Equal(tax), "tax was %s", tax)

	// Fractional results round to whole currency units.
	tax = calc.CalculateTax(decimal.NewFromInt(333))
	assert.True(t, tax.Equal(tax.Round(0)))
}

func TestCalculateShipping(t *testing.T) {
	calc := newTestCalculator()
	zone := models.ShippingZone{
		Code:                  "major",
		BaseCost:              decimal.NewFromInt(2500),
		CostPerKg:             decimal.NewFromInt(500),
		FreeShippingThreshold: decimal.NewFromInt(150000),
		MaxWeightKg:           decimal.NewFromInt(100),
	}

	cost, err := calc.CalculateShipping(zone, decimal.NewFromInt(4), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4500).Equal(cost), "cost was %s", cost)
}

func TestCalculateShippingFreeAboveThreshold(t *testing.T) {
	calc := newTestCalculator()
	zone := models.ShippingZone{
		Code:                  "major",
		BaseCost:              decimal.NewFromInt(2500),
		CostPerKg:             decimal.NewFromInt(500),
		FreeShippingThreshold: decimal.NewFromInt(150000),
	}

	cost, err := calc.CalculateShipping(zone, decimal.NewFromInt(4), decimal.NewFromInt(150000))
	require.NoError(t, err)
	assert.True(t, cost.IsZero())
}

func TestCalculateShippingWeightLimit(t *testing.T) {
	calc := newTestCalculator()
	zone := models.ShippingZone{
		Code:        "remote",
		BaseCost:    decimal.NewFromInt(5000),
		CostPerKg:   decimal.NewFromInt(1000),
		MaxWeightKg: decimal.NewFromInt(30),
	}

	_, err := calc.CalculateShipping(zone, decimal.NewFromInt(31), decimal.NewFromInt(10000))
	assert.ErrorIs(t, err, apperr.ErrWeightExceeded)
}

func TestStaticZoneProviderTiers(t *testing.T) {
	p := NewStaticZoneProvider(decimal.NewFromInt(150000))
	ctx := context.Background()

	zone, err := p.GetShippingZone(ctx, "Douala")
	require.NoError(t, err)
	assert.Equal(t, "major", zone.Code)

	zone, err = p.GetShippingZone(ctx, "  yaoundé ")
	require.NoError(t, err)
	assert.Equal(t, "major", zone.Code)

	zone, err = p.GetShippingZone(ctx, "Bamenda")
	require.NoError(t, err)
	assert.Equal(t, "regional", zone.Code)

	zone, err = p.GetShippingZone(ctx, "Kribi")
	require.NoError(t, err)
	assert.Equal(t, "remote", zone.Code)
}
