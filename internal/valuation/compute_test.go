package valuation

import (
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/mstrand/appraise/internal/models"
)

func f64(t *testing.T, p *float64, name string) float64 {
	t.Helper()
	if p == nil {
		t.Fatalf("%s is nil, want a value", name)
	}
	return *p
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestCompute_SingleMethodLargeCap(t *testing.T) {
	in := models.ValuationInput{
		Price:    100,
		Category: models.CapLarge,
		Metric:   models.MetricsBag{"peTTM": 20.0},
	}

	result := Compute(in)

	// Large-cap P/E targets are 12/16/20 against a current multiple of 20.
	if got := f64(t, result.Blended.Low, "blended.low"); !approxEqual(got, 60) {
		t.Errorf("blended low = %v, want 60", got)
	}
	if got := f64(t, result.Blended.Base, "blended.base"); !approxEqual(got, 80) {
		t.Errorf("blended base = %v, want 80", got)
	}
	if got := f64(t, result.Blended.High, "blended.high"); !approxEqual(got, 100) {
		t.Errorf("blended high = %v, want 100", got)
	}

	if result.MoS.Pass == nil {
		t.Fatal("MoS.Pass is nil, want false")
	}
	if *result.MoS.Pass {
		t.Error("MoS.Pass = true; price 100 does not clear 30% below base 80")
	}
}

func TestCompute_NegativeMarginHalvesEarningsTargets(t *testing.T) {
	in := models.ValuationInput{
		Price: 100,
		Metric: models.MetricsBag{
			"peTTM":              15.0,
			"netProfitMarginTTM": -5.0,
		},
	}

	result := Compute(in)

	// Small-cap P/E base 12 halves to 6: 100 * 6/15 = 40.
	if got := f64(t, result.Blended.Base, "blended.base"); !approxEqual(got, 40) {
		t.Errorf("blended base = %v, want 40", got)
	}
	if !hasWarning(result.Warnings, "Negative net margin") {
		t.Errorf("warnings = %v, want negative-margin warning", result.Warnings)
	}
}

func TestCompute_EmptyMetricsAllUnavailable(t *testing.T) {
	result := Compute(models.ValuationInput{Price: 50, Metric: models.MetricsBag{}})

	for _, m := range result.Methods {
		if m.Available {
			t.Errorf("method %s available with empty metrics", m.Key)
		}
	}
	if result.Blended.Base != nil {
		t.Errorf("blended base = %v, want nil", *result.Blended.Base)
	}
	if result.MoS.Pass != nil {
		t.Errorf("MoS.Pass = %v, want nil with no blend", *result.MoS.Pass)
	}
	if result.CompositeAverage != nil {
		t.Errorf("composite = %v, want nil", *result.CompositeAverage)
	}
}

func TestCompute_HighBetaCapsEstimates(t *testing.T) {
	in := models.ValuationInput{
		Price: 10,
		Metric: models.MetricsBag{
			"peTTM": 0.5,
			"beta":  2.5,
		},
	}

	result := Compute(in)

	// Uncapped base would be 10 * 12/0.5 = 240; the default risk cap is 5x.
	if got := f64(t, result.Blended.Base, "blended.base"); !approxEqual(got, 50) {
		t.Errorf("blended base = %v, want 50 (capped)", got)
	}
	if got := f64(t, result.Blended.High, "blended.high"); !approxEqual(got, 50) {
		t.Errorf("blended high = %v, want 50 (capped)", got)
	}
	if !hasWarning(result.Warnings, "High-risk cap applied") {
		t.Errorf("warnings = %v, want high-risk cap warning", result.Warnings)
	}
	for _, a := range result.AltCalcs {
		if a.Available && a.Base != nil && *a.Base > 50 {
			t.Errorf("alt-calc %s base = %v, exceeds risk cap", a.Key, *a.Base)
		}
	}
}

func TestCompute_CrashReturnTriggersCap(t *testing.T) {
	in := models.ValuationInput{
		Price: 10,
		Metric: models.MetricsBag{
			"peTTM":                  0.5,
			"52WeekPriceReturnDaily": -95.0,
		},
	}

	result := Compute(in)

	if got := f64(t, result.Blended.Base, "blended.base"); !approxEqual(got, 50) {
		t.Errorf("blended base = %v, want 50 (capped)", got)
	}
	if !hasWarning(result.Warnings, "down more than 90%") {
		t.Errorf("warnings = %v, want crash warning", result.Warnings)
	}
}

func TestCompute_WeightRenormalization(t *testing.T) {
	in := models.ValuationInput{
		Price: 100,
		Metric: models.MetricsBag{
			"peTTM":       10.0,
			"pbQuarterly": 2.0,
		},
	}

	result := Compute(in)

	// P/E and P/B weights (0.55/0.30) renormalize to 0.55/0.85 and 0.30/0.85.
	// Bases: pe 100*12/10 = 120, pb 100*2/2 = 100.
	want := math.Round((120*(0.55/0.85)+100*(0.30/0.85))*100) / 100
	if got := f64(t, result.Blended.Base, "blended.base"); !approxEqual(got, want) {
		t.Errorf("blended base = %v, want %v", got, want)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	in := models.ValuationInput{
		Price: 37.5,
		Metric: models.MetricsBag{
			"peTTM":        18.2,
			"psTTM":        3.4,
			"pbQuarterly":  2.1,
			"pfcfShareTTM": 14.9,
			"beta":         1.1,
		},
	}

	first := Compute(in)
	second := Compute(in)
	if !reflect.DeepEqual(first, second) {
		t.Error("Compute is not deterministic for identical input")
	}
}

func TestCompute_NonPositivePrice(t *testing.T) {
	for _, price := range []float64{0, -12.5, math.NaN()} {
		result := Compute(models.ValuationInput{Price: price, Metric: models.MetricsBag{"peTTM": 10.0}})
		if !hasWarning(result.Warnings, "No valuation possible") {
			t.Errorf("price %v: warnings = %v, want no-valuation warning", price, result.Warnings)
		}
		if result.Blended.Base != nil {
			t.Errorf("price %v: blended base = %v, want nil", price, *result.Blended.Base)
		}
	}
}

func TestCompute_NegativeCurrentMultipleDisablesMethod(t *testing.T) {
	result := Compute(models.ValuationInput{
		Price:  100,
		Metric: models.MetricsBag{"peTTM": -8.0, "psTTM": 2.0},
	})

	for _, m := range result.Methods {
		switch m.Key {
		case "pe":
			if m.Available {
				t.Error("pe method available with negative current multiple")
			}
		case "ps":
			if !m.Available {
				t.Error("ps method unavailable with positive current multiple")
			}
		}
	}
}

func TestCompute_DownsideIsPointEstimate(t *testing.T) {
	result := Compute(models.ValuationInput{
		Price:  100,
		Metric: models.MetricsBag{"peTTM": 10.0, "psTTM": 2.0},
	})

	var down models.AltCalc
	for _, a := range result.AltCalcs {
		if a.Key == "downside" {
			down = a
		}
	}
	if !down.Available {
		t.Fatal("downside alt-calc unavailable")
	}
	low, base, high := f64(t, down.Low, "low"), f64(t, down.Base, "base"), f64(t, down.High, "high")
	if low != base || base != high {
		t.Errorf("downside slots differ: %v/%v/%v", low, base, high)
	}
	// Mean of pe low (100*8/10 = 80) and ps low (100*1/2 = 50).
	if !approxEqual(base, 65) {
		t.Errorf("downside = %v, want 65", base)
	}
}

func TestCompute_OptionsClampedToDefaults(t *testing.T) {
	result := Compute(models.ValuationInput{
		Price:  100,
		Metric: models.MetricsBag{"peTTM": 10.0},
		Options: models.ValuationOptions{
			MarginOfSafety:  5,   // above max
			RiskCapMultiple: 100, // above max
		},
	})

	if !approxEqual(result.MoS.Threshold, DefaultMarginOfSafety) {
		t.Errorf("MoS threshold = %v, want default %v", result.MoS.Threshold, DefaultMarginOfSafety)
	}
}

func TestCompute_MarginOfSafetyPass(t *testing.T) {
	// Base 10*12/2 = 60; 10 <= 60*0.7 = 42, so the check passes.
	result := Compute(models.ValuationInput{
		Price:  10,
		Metric: models.MetricsBag{"peTTM": 2.0},
	})

	if result.MoS.Pass == nil || !*result.MoS.Pass {
		t.Error("MoS.Pass should be true for a deeply discounted price")
	}
}

func TestCompute_RoundsToTwoDecimals(t *testing.T) {
	result := Compute(models.ValuationInput{
		Price:  99.99,
		Metric: models.MetricsBag{"peTTM": 17.3},
	})

	for _, p := range []*float64{result.Blended.Low, result.Blended.Base, result.Blended.High} {
		if p == nil {
			t.Fatal("blended slot nil")
		}
		if rounded := math.Round(*p*100) / 100; rounded != *p {
			t.Errorf("value %v not rounded to two decimals", *p)
		}
	}
}

func TestCompute_CompositeAveragesAltCalcBases(t *testing.T) {
	result := Compute(models.ValuationInput{
		Price:  100,
		Metric: models.MetricsBag{"peTTM": 10.0},
	})

	sum, n := 0.0, 0
	for _, a := range result.AltCalcs {
		if a.Available && a.Base != nil {
			sum += *a.Base
			n++
		}
	}
	if n == 0 {
		t.Fatal("no available alt-calcs")
	}
	want := math.Round(sum/float64(n)*100) / 100
	if got := f64(t, result.CompositeAverage, "composite"); !approxEqual(got, want) {
		t.Errorf("composite = %v, want %v", got, want)
	}
}
