package pricing

import (
	"context"
	"strings"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// ZoneProvider resolves a delivery city to its shipping zone configuration.
// The surrounding geography service implements this in production; the static
// provider below is the default.
type ZoneProvider interface {
	GetShippingZone(ctx context.Context, city string) (models.ShippingZone, error)
}

// StaticZoneProvider maps cities to three configured tiers: major cities,
// regional capitals, and everything else.
type StaticZoneProvider struct {
	major    models.ShippingZone
	regional models.ShippingZone
	remote   models.ShippingZone

	majorCities    map[string]bool
	regionalCities map[string]bool
}

// NewStaticZoneProvider builds the default Cameroon zone table.
func NewStaticZoneProvider(freeShippingThreshold decimal.Decimal) *StaticZoneProvider {
	return &StaticZoneProvider{
		major: models.ShippingZone{
			Code:                  "major",
			BaseCost:              decimal.NewFromInt(2500),
			CostPerKg:             decimal.NewFromInt(500),
			FreeShippingThreshold: freeShippingThreshold,
			MaxWeightKg:           decimal.NewFromInt(100),
		},
		regional: models.ShippingZone{
			Code:                  "regional",
			BaseCost:              decimal.NewFromInt(3750),
			CostPerKg:             decimal.NewFromInt(750),
			FreeShippingThreshold: freeShippingThreshold,
			MaxWeightKg:           decimal.NewFromInt(60),
		},
		remote: models.ShippingZone{
			Code:                  "remote",
			BaseCost:              decimal.NewFromInt(5000),
			CostPerKg:             decimal.NewFromInt(1000),
			FreeShippingThreshold: freeShippingThreshold,
			MaxWeightKg:           decimal.NewFromInt(30),
		},
		majorCities: map[string]bool{
			"douala": true, "yaounde": true, "yaoundé": true,
		},
		regionalCities: map[string]bool{
			"bamenda": true, "bafoussam": true, "garoua": true, "maroua": true,
		},
	}
}

// GetShippingZone resolves a city name to its zone. Unknown cities fall into
// the remote tier.
func (p *StaticZoneProvider) GetShippingZone(_ context.Context, city string) (models.ShippingZone, error) {
	c := strings.ToLower(strings.TrimSpace(city))
	switch {
	case p.majorCities[c]:
		return p.major, nil
	case p.regionalCities[c]:
		return p.regional, nil
	default:
		return p.remote, nil
	}
}
