package valuation

import (
	"fmt"
	"math"

	"github.com/mstrand/appraise/internal/models"
)

// Option defaults and bounds.
const (
	DefaultMarginOfSafety  = 0.30
	MaxMarginOfSafety      = 0.90
	DefaultRiskCapMultiple = 5.0
	MinRiskCapMultiple     = 1.0
	MaxRiskCapMultiple     = 20.0
)

// Risk downshift factors applied to target multiples (policy constants).
const (
	negativeMarginFactor = 0.5  // P/E and P/FCF targets when net margin < 0
	lowROEFactor         = 0.7  // P/B targets when ROE < 5%
	negativeGrowthFactor = 0.75 // P/S targets when revenue YoY < 0
)

// High-risk flag thresholds.
const (
	crashReturnThreshold = -90.0 // 52-week return at or below this (%)
	highBetaThreshold    = 2.2
)

// methodKeys is the reporting order of the ratio methods.
var methodKeys = []string{"pe", "pfcf", "ps", "pb"}

// Compute produces the full valuation for one ticker. It is a pure function:
// no I/O, deterministic, and total over its input domain. Invalid input
// yields an "unavailable" result with warnings, never a panic.
func Compute(in models.ValuationInput) models.ValuationResult {
	opts := normalizeOptions(in.Options)

	result := models.ValuationResult{
		Methods:  []models.MethodResult{},
		Warnings: []string{},
		AltCalcs: []models.AltCalc{},
		MoS:      models.MarginOfSafety{Threshold: opts.MarginOfSafety},
	}

	if !finite(in.Price) || in.Price <= 0 {
		result.Warnings = append(result.Warnings, "No valuation possible: price is missing or non-positive")
		return result
	}

	targets := Targets(in.Category)

	// Current multiples from the metrics bag. A missing or non-positive
	// current multiple disables that method: a negative P/E would invert the
	// fair value into nonsense.
	current := map[string]float64{}
	for canonical, key := range map[string]string{FieldPE: "pe", FieldPFCF: "pfcf", FieldPS: "ps", FieldPB: "pb"} {
		if v, ok := PickFinite(in.Metric, canonical); ok && v > 0 {
			current[key] = v
		}
	}

	// Risk downshifts apply to the target multiples, not the computed values.
	highRisk := false
	if m, ok := PickFinite(in.Metric, FieldNetMargin); ok && m < 0 {
		targets.PE = scaleBand(targets.PE, negativeMarginFactor)
		targets.PFCF = scaleBand(targets.PFCF, negativeMarginFactor)
		result.Warnings = append(result.Warnings, "Negative net margin: earnings and cash-flow targets halved")
	}
	if roe, ok := PickFinite(in.Metric, FieldROE); ok && roe < 5 {
		targets.PB = scaleBand(targets.PB, lowROEFactor)
		result.Warnings = append(result.Warnings, "Return on equity below 5%: book-value targets reduced")
	}
	if g, ok := PickFinite(in.Metric, FieldRevenueGrowth); ok && g < 0 {
		targets.PS = scaleBand(targets.PS, negativeGrowthFactor)
		result.Warnings = append(result.Warnings, "Shrinking revenue: sales targets reduced")
	}
	if r, ok := PickFinite(in.Metric, FieldWeek52Return); ok && r <= crashReturnThreshold {
		highRisk = true
		result.Warnings = append(result.Warnings, "High risk: stock is down more than 90% over 52 weeks")
	}
	if b, ok := PickFinite(in.Metric, FieldBeta); ok && b > highBetaThreshold {
		highRisk = true
		result.Warnings = append(result.Warnings, fmt.Sprintf("High risk: beta %.2f exceeds %.1f", b, highBetaThreshold))
	}

	bands := map[string]Band{"pe": targets.PE, "pfcf": targets.PFCF, "ps": targets.PS, "pb": targets.PB}

	// Per-method fair values: price rescaled by target over current multiple.
	methods := map[string]models.MethodResult{}
	for _, key := range methodKeys {
		m := models.MethodResult{Key: key}
		if cur, ok := current[key]; ok {
			band := bands[key]
			m.Available = true
			m.Low = fairValue(in.Price, band.Low, cur)
			m.Base = fairValue(in.Price, band.Base, cur)
			m.High = fairValue(in.Price, band.High, cur)
		}
		methods[key] = m
		result.Methods = append(result.Methods, m)
	}

	blended := blend(methods)
	result.Blended = blended

	// Alternate calculators. The primary blend is itself reported as the
	// first alt-calc so the composite average can include it.
	alts := []models.AltCalc{
		{
			Key:       "blend",
			Source:    "Weighted blend of available ratio methods",
			Available: blended.Base != nil,
			Low:       blended.Low,
			Base:      blended.Base,
			High:      blended.High,
		},
		equalWeight(methods),
		downside(methods),
		singleMethod(methods["pb"], "pb_only", "Price-to-book method alone"),
		singleMethod(methods["ps"], "ps_only", "Price-to-sales method alone"),
	}

	if highRisk {
		limit := in.Price * opts.RiskCapMultiple
		result.Blended = capRange(result.Blended, limit)
		for i := range alts {
			alts[i].Low = capValue(alts[i].Low, limit)
			alts[i].Base = capValue(alts[i].Base, limit)
			alts[i].High = capValue(alts[i].High, limit)
		}
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("High-risk cap applied: estimates limited to ×%g of current price", opts.RiskCapMultiple))
	}
	result.AltCalcs = alts

	if result.Blended.Base != nil {
		pass := in.Price <= *result.Blended.Base*(1-opts.MarginOfSafety)
		result.MoS.Pass = &pass
	}

	result.CompositeAverage = composite(alts)

	return result
}

// normalizeOptions clamps options into their documented ranges, falling back
// to the defaults when unset or out of range.
func normalizeOptions(o models.ValuationOptions) models.ValuationOptions {
	out := o
	if !finite(out.MarginOfSafety) || out.MarginOfSafety <= 0 || out.MarginOfSafety > MaxMarginOfSafety {
		out.MarginOfSafety = DefaultMarginOfSafety
	}
	if !finite(out.RiskCapMultiple) || out.RiskCapMultiple < MinRiskCapMultiple || out.RiskCapMultiple > MaxRiskCapMultiple {
		out.RiskCapMultiple = DefaultRiskCapMultiple
	}
	return out
}

func scaleBand(b Band, factor float64) Band {
	return Band{Low: b.Low * factor, Base: b.Base * factor, High: b.High * factor}
}

// fairValue rescales price by target/current, or nil when the result would
// not be a finite number.
func fairValue(price, target, current float64) *float64 {
	v := price * (target / current)
	if !finite(v) {
		return nil
	}
	r := round2(v)
	return &r
}

// blendWeights picks the weighting scheme for the methods that are present.
// Priority: cash flow and earnings both available, then cash flow alone,
// then earnings alone, then sales/book only.
func blendWeights(methods map[string]models.MethodResult) map[string]float64 {
	has := func(key string) bool { return methods[key].Available }

	var weights map[string]float64
	switch {
	case has("pfcf") && has("pe"):
		weights = map[string]float64{"pfcf": 0.45, "pe": 0.30, "pb": 0.15, "ps": 0.10}
	case has("pfcf"):
		weights = map[string]float64{"pfcf": 0.60, "ps": 0.25, "pb": 0.15}
	case has("pe"):
		weights = map[string]float64{"pe": 0.55, "pb": 0.30, "ps": 0.15}
	default:
		weights = map[string]float64{"ps": 0.60, "pb": 0.40}
	}

	// Drop unavailable keys and renormalize the rest to sum to 1.
	total := 0.0
	for key := range weights {
		if !has(key) {
			delete(weights, key)
			continue
		}
		total += weights[key]
	}
	if total == 0 {
		return nil
	}
	for key := range weights {
		weights[key] /= total
	}
	return weights
}

func blend(methods map[string]models.MethodResult) models.Range {
	weights := blendWeights(methods)
	if weights == nil {
		return models.Range{}
	}

	slot := func(pick func(models.MethodResult) *float64) *float64 {
		sum := 0.0
		for key, w := range weights {
			v := pick(methods[key])
			if v == nil {
				return nil
			}
			sum += *v * w
		}
		r := round2(sum)
		return &r
	}

	return models.Range{
		Low:  slot(func(m models.MethodResult) *float64 { return m.Low }),
		Base: slot(func(m models.MethodResult) *float64 { return m.Base }),
		High: slot(func(m models.MethodResult) *float64 { return m.High }),
	}
}

// equalWeight is the unweighted mean of all available methods per slot.
func equalWeight(methods map[string]models.MethodResult) models.AltCalc {
	alt := models.AltCalc{Key: "equal_weight", Source: "Unweighted mean of available methods"}

	slot := func(pick func(models.MethodResult) *float64) *float64 {
		sum, n := 0.0, 0
		for _, key := range methodKeys {
			m := methods[key]
			if !m.Available {
				continue
			}
			if v := pick(m); v != nil {
				sum += *v
				n++
			}
		}
		if n == 0 {
			return nil
		}
		r := round2(sum / float64(n))
		return &r
	}

	alt.Low = slot(func(m models.MethodResult) *float64 { return m.Low })
	alt.Base = slot(func(m models.MethodResult) *float64 { return m.Base })
	alt.High = slot(func(m models.MethodResult) *float64 { return m.High })
	alt.Available = alt.Base != nil
	return alt
}

// downside is the mean of the low slots only, reported as a single
// conservative point estimate (low = base = high).
func downside(methods map[string]models.MethodResult) models.AltCalc {
	alt := models.AltCalc{Key: "downside", Source: "Mean of conservative (low) estimates"}

	sum, n := 0.0, 0
	for _, key := range methodKeys {
		m := methods[key]
		if !m.Available || m.Low == nil {
			continue
		}
		sum += *m.Low
		n++
	}
	if n == 0 {
		return alt
	}
	v := round2(sum / float64(n))
	alt.Available = true
	alt.Low, alt.Base, alt.High = &v, &v, &v
	return alt
}

func singleMethod(m models.MethodResult, key, source string) models.AltCalc {
	return models.AltCalc{
		Key:       key,
		Source:    source,
		Available: m.Available,
		Low:       m.Low,
		Base:      m.Base,
		High:      m.High,
	}
}

// capValue clamps v to the cap. min(v, cap) is idempotent: re-applying the
// cap never changes an already-capped value.
func capValue(v *float64, limit float64) *float64 {
	if v == nil || *v <= limit {
		return v
	}
	r := round2(limit)
	return &r
}

func capRange(r models.Range, limit float64) models.Range {
	return models.Range{
		Low:  capValue(r.Low, limit),
		Base: capValue(r.Base, limit),
		High: capValue(r.High, limit),
	}
}

// composite is the mean of the base slot across all available alt-calcs.
func composite(alts []models.AltCalc) *float64 {
	sum, n := 0.0, 0
	for _, a := range alts {
		if !a.Available || a.Base == nil {
			continue
		}
		sum += *a.Base
		n++
	}
	if n == 0 {
		return nil
	}
	r := round2(sum / float64(n))
	return &r
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
