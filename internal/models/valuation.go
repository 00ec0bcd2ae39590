package models

// CapBand is a market-capitalization tier used to select target multiples.
type CapBand string

const (
	CapSmall CapBand = "small"
	CapMid   CapBand = "mid"
	CapLarge CapBand = "large"
)

// ValuationOptions tunes the valuation engine.
type ValuationOptions struct {
	MarginOfSafety  float64 `json:"marginOfSafety"`  // required discount below fair value, [0, 0.9]
	RiskCapMultiple float64 `json:"riskCapMultiple"` // high-risk output cap as a price multiple, [1, 20]
}

// ValuationInput is the full input to the valuation engine.
type ValuationInput struct {
	Price    float64          `json:"price"`
	Category CapBand          `json:"category,omitempty"`
	Metric   MetricsBag       `json:"metric"`
	Options  ValuationOptions `json:"options"`
}

// Range holds low/base/high fair-value estimates. Nil slots mean "no
// estimate"; consumers must not read them as zero.
type Range struct {
	Low  *float64 `json:"low"`
	Base *float64 `json:"base"`
	High *float64 `json:"high"`
}

// MethodResult is one per-ratio fair-value estimate (pe, pfcf, ps, pb),
// derived by rescaling price by target multiple over current multiple.
type MethodResult struct {
	Key       string   `json:"key"`
	Available bool     `json:"available"`
	Low       *float64 `json:"low,omitempty"`
	Base      *float64 `json:"base,omitempty"`
	High      *float64 `json:"high,omitempty"`
}

// AltCalc is a named alternative combination strategy over the methods.
type AltCalc struct {
	Key       string   `json:"key"`
	Source    string   `json:"source"`
	Available bool     `json:"available"`
	Low       *float64 `json:"low,omitempty"`
	Base      *float64 `json:"base,omitempty"`
	High      *float64 `json:"high,omitempty"`
}

// MarginOfSafety reports whether the current price clears the required
// discount below the blended base estimate. Pass is nil when no blend exists.
type MarginOfSafety struct {
	Threshold float64 `json:"threshold"`
	Pass      *bool   `json:"pass"`
}

// ValuationResult is the full output of the valuation engine. Produced fresh
// on every call; stateless.
type ValuationResult struct {
	Blended          Range          `json:"blended"`
	Methods          []MethodResult `json:"methods"`
	MoS              MarginOfSafety `json:"mos"`
	Warnings         []string       `json:"warnings"`
	AltCalcs         []AltCalc      `json:"altCalcs"`
	CompositeAverage *float64       `json:"compositeAverage"`
}
