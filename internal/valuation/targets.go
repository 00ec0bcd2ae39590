package valuation

import "github.com/mstrand/appraise/internal/models"

// Band holds low/base/high target multiples for one ratio.
type Band struct {
	Low  float64
	Base float64
	High float64
}

// TargetTable holds the target multiples for one market-cap tier. The values
// are empirical policy constants, not derived figures: larger caps command
// richer multiples by convention. Retune here, not in the engine.
type TargetTable struct {
	PE   Band
	PFCF Band
	PS   Band
	PB   Band
}

var targetsByBand = map[models.CapBand]TargetTable{
	models.CapSmall: {
		PE:   Band{Low: 8, Base: 12, High: 16},
		PFCF: Band{Low: 8, Base: 12, High: 16},
		PS:   Band{Low: 1, Base: 2, High: 3},
		PB:   Band{Low: 1, Base: 2, High: 3},
	},
	models.CapMid: {
		PE:   Band{Low: 10, Base: 14, High: 18},
		PFCF: Band{Low: 10, Base: 14, High: 18},
		PS:   Band{Low: 1.5, Base: 2.5, High: 3.5},
		PB:   Band{Low: 1.5, Base: 2.5, High: 3.5},
	},
	models.CapLarge: {
		PE:   Band{Low: 12, Base: 16, High: 20},
		PFCF: Band{Low: 12, Base: 16, High: 20},
		PS:   Band{Low: 2, Base: 3, High: 4.5},
		PB:   Band{Low: 2, Base: 3, High: 4},
	},
}

// Targets returns the target-multiple table for a market-cap tier. Unknown
// or empty tiers fall back to the small/micro table, the conservative choice.
func Targets(category models.CapBand) TargetTable {
	if t, ok := targetsByBand[category]; ok {
		return t
	}
	return targetsByBand[models.CapSmall]
}

// Market-cap banding thresholds in millions of dollars. The source call
// sites disagreed ($1B vs $2B for the small/mid line); $2B/$10B is the
// canonical table here.
const (
	midBandFloorM   = 2_000
	largeBandFloorM = 10_000
)

// BandForMarketCapM maps a market cap in millions to its tier.
func BandForMarketCapM(capM float64) models.CapBand {
	switch {
	case capM >= largeBandFloorM:
		return models.CapLarge
	case capM >= midBandFloorM:
		return models.CapMid
	default:
		return models.CapSmall
	}
}
