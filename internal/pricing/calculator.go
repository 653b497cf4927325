package pricing

import (
	"fmt"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// Calculator computes shipping, tax, and deposit splits. It is pure: all
// state comes from configuration passed at construction.
type Calculator struct {
	taxRate        decimal.Decimal
	depositPercent decimal.Decimal
	roundingUnit   decimal.Decimal
}

// NewCalculator creates a calculator. roundingUnit is the smallest money step
// the deposit is rounded to (e.g. 100 for "nearest 100 XAF").
func NewCalculator(taxRate, depositPercent, roundingUnit decimal.Decimal) *Calculator {
	if roundingUnit.IsZero() {
		roundingUnit = decimal.NewFromInt(1)
	}
	return &Calculator{
		taxRate:        taxRate,
		depositPercent: depositPercent,
		roundingUnit:   roundingUnit,
	}
}

// CalculateShipping returns the shipping cost for a zone. Orders at or above
// the zone's free-shipping threshold ship free; otherwise cost is base plus a
// per-kg charge. A zone weight limit is enforced when set.
func (c *Calculator) CalculateShipping(zone models.ShippingZone, totalWeightKg, subtotal decimal.Decimal) (decimal.Decimal, error) {
	if zone.MaxWeightKg.IsPositive() && totalWeightKg.GreaterThan(zone.MaxWeightKg) {
		return decimal.Zero, fmt.Errorf("%w: zone %s allows %s kg, order is %s kg",
			apperr.ErrWeightExceeded, zone.Code, zone.MaxWeightKg, totalWeightKg)
	}

	if zone.FreeShippingThreshold.IsPositive() && subtotal.GreaterThanOrEqual(zone.FreeShippingThreshold) {
		return decimal.Zero, nil
	}

	cost := zone.BaseCost.Add(zone.CostPerKg.Mul(totalWeightKg))
	return c.roundToUnit(cost), nil
}

// CalculateTax returns the tax for a taxable amount.
func (c *Calculator) CalculateTax(taxableAmount decimal.Decimal) decimal.Decimal {
	return taxableAmount.Mul(c.taxRate).Round(0)
}

// SplitDeposit splits a total into deposit and remaining balance. The deposit
// is rounded to the nearest rounding unit; the remainder is computed by
// subtraction so deposit + remaining always equals total exactly.
func (c *Calculator) SplitDeposit(total decimal.Decimal) (deposit, remaining decimal.Decimal) {
	raw := total.Mul(c.depositPercent).Div(decimal.NewFromInt(100))
	deposit = c.roundToUnit(raw)
	if deposit.GreaterThan(total) {
		deposit = total
	}
	remaining = total.Sub(deposit)
	return deposit, remaining
}

func (c *Calculator) roundToUnit(amount decimal.Decimal) decimal.Decimal {
	return amount.Div(c.roundingUnit).Round(0).Mul(c.roundingUnit)
}
