// Package valuation implements the multi-method fair-value blending engine.
package valuation

import "github.com/mstrand/appraise/internal/models"

// Canonical metric field names probed by the engine.
const (
	FieldPE            = "pe"
	FieldPFCF          = "pfcf"
	FieldPS            = "ps"
	FieldPB            = "pb"
	FieldNetMargin     = "netMargin"
	FieldROE           = "roe"
	FieldRevenueGrowth = "revenueGrowth"
	FieldWeek52Return  = "week52Return"
	FieldBeta          = "beta"
	FieldMarketCap     = "marketCap"
)

// fieldAliases maps each canonical field to the ordered list of provider
// field names that may carry it. Providers disagree on naming (peTTM vs
// peInclExtraTTM and so on), so consumers take the first finite number in
// order. Order matters: TTM values come before annual ones.
var fieldAliases = map[string][]string{
	FieldPE: {
		"peTTM", "peInclExtraTTM", "peBasicExclExtraTTM", "peExclExtraTTM",
		"peNormalizedAnnual", "PERatio", "pe",
	},
	FieldPFCF: {
		"pfcfShareTTM", "pfcfShareAnnual", "currentEv/freeCashFlowTTM", "pfcf",
	},
	FieldPS: {
		"psTTM", "priceToSalesTTM", "psAnnual", "PriceToSalesRatioTTM", "ps",
	},
	FieldPB: {
		"pbQuarterly", "pbAnnual", "priceToBookMRQ", "PriceToBookRatio", "pb",
	},
	FieldNetMargin: {
		"netProfitMarginTTM", "netProfitMargin5Y", "netProfitMarginAnnual", "ProfitMargin",
	},
	FieldROE: {
		"roeTTM", "roeRfy", "roe5Y", "ReturnOnEquityTTM",
	},
	FieldRevenueGrowth: {
		"revenueGrowthTTMYoy", "revenueGrowthQuarterlyYoy", "revenueGrowth5Y",
		"QuarterlyRevenueGrowthYOY",
	},
	FieldWeek52Return: {
		"52WeekPriceReturnDaily", "priceReturn52W",
	},
	FieldBeta: {
		"beta", "Beta", "beta5Y",
	},
	FieldMarketCap: {
		"marketCapitalization", "marketCapM", "MarketCapitalization",
	},
}

// PickFinite probes the alias list for the canonical field and returns the
// first finite numeric value found. The bool is false when no alias carries
// a usable number.
func PickFinite(bag models.MetricsBag, canonical string) (float64, bool) {
	for _, name := range fieldAliases[canonical] {
		if v, ok := bag.Number(name); ok {
			return v, true
		}
	}
	return 0, false
}

// Aliases returns the ordered alias list for a canonical field. Exposed for
// tests and diagnostics.
func Aliases(canonical string) []string {
	return fieldAliases[canonical]
}
