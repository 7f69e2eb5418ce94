package election

import (
	"fmt"
	"sort"
	"time"

	"votecast/domain/core"
)

// BaselineRow is one row of the prior-election feature table, keyed by
// (region_code, unit_id). Attributes carries any categorical columns the
// caller may request as fixed effects (district, county category, ...).
type BaselineRow struct {
	RegionCode     string
	UnitID         string
	UnitName       string
	BaselineResult float64
	TotalVoters    float64
	Attributes     map[string]string
}

// Key returns the composite unit key for this row.
func (r BaselineRow) Key() core.UnitKey {
	return core.NewUnitKey(r.RegionCode, r.UnitID)
}

// ReturnsRow is one row of the live current-returns feed. CurrentResult is
// nil when the feed has published the unit without a vote count yet.
type ReturnsRow struct {
	RegionCode    string
	UnitID        string
	ReportingPct  float64
	CurrentResult *float64
}

// Key returns the composite unit key for this row.
func (r ReturnsRow) Key() core.UnitKey {
	return core.NewUnitKey(r.RegionCode, r.UnitID)
}

// Unit is one geographic reporting entity after the baseline/returns join.
type Unit struct {
	RegionCode     string
	UnitID         string
	UnitName       string
	BaselineResult float64
	TotalVoters    float64
	ReportingPct   float64
	CurrentResult  float64
	HasCurrent     bool
	Attributes     map[string]string
}

// Key returns the composite unit key.
func (u Unit) Key() core.UnitKey {
	return core.NewUnitKey(u.RegionCode, u.UnitID)
}

// Residual is current minus baseline. Only meaningful for observed units.
func (u Unit) Residual() float64 {
	return u.CurrentResult - u.BaselineResult
}

// NormalizedResidual is the residual divided by prior turnout, the
// dependent variable of the quantile regression.
func (u Unit) NormalizedResidual() float64 {
	return u.Residual() / u.TotalVoters
}

// Denormalize converts a predicted normalized residual back to a vote
// count for this unit, flooring at the votes already counted: a final
// tally can never fall below what is in.
func (u Unit) Denormalize(normalized float64) float64 {
	v := normalized*u.TotalVoters + u.BaselineResult
	if u.HasCurrent && v < u.CurrentResult {
		v = u.CurrentResult
	}
	return v
}

// ModelSettings configures one estimation run.
type ModelSettings struct {
	// FixedEffects is the ordered set of baseline attribute names encoded
	// as dummy columns. Empty means intercept-only.
	FixedEffects []string
	// Robust selects max(base, population-weighted) for the conformal
	// correction instead of the population-weighted value alone.
	Robust bool
	// Seed drives the calibration-split shuffles. Zero means derive from
	// the clock (non-reproducible; logged by the service).
	Seed int64
}

// DefaultConfidenceLevels is used when the caller passes no levels.
var DefaultConfidenceLevels = []float64{0.8}

// ValidateLevels checks each confidence level is in (0,1) and returns a
// sorted copy with duplicates removed.
func ValidateLevels(levels []float64) ([]float64, error) {
	if len(levels) == 0 {
		levels = DefaultConfidenceLevels
	}
	seen := make(map[float64]bool, len(levels))
	out := make([]float64, 0, len(levels))
	for _, a := range levels {
		if a <= 0 || a >= 1 {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfidence, a)
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Float64s(out)
	return out, nil
}

// Interval is one calibrated prediction interval at confidence Alpha.
type Interval struct {
	Alpha float64 `json:"alpha"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// UnitEstimate is the per-unit output row: point prediction plus one
// interval per requested confidence level, sorted by Alpha.
type UnitEstimate struct {
	RegionCode string     `json:"region_code"`
	UnitID     string     `json:"unit_id"`
	Pred       float64    `json:"pred"`
	Intervals  []Interval `json:"intervals"`
}

// AggregateRow is one output row of a grouped aggregation. Keys holds the
// group key values in selector order.
type AggregateRow struct {
	Keys      []string   `json:"keys"`
	Pred      float64    `json:"pred"`
	Intervals []Interval `json:"intervals"`
}

// AggregateTable is the result of aggregating by one key set.
type AggregateTable struct {
	KeyNames []string       `json:"key_names"`
	Rows     []AggregateRow `json:"rows"`
}

// ResidualDiagnostics summarizes the observed normalized residuals of a
// run. Attached to the run manifest for auditability.
type ResidualDiagnostics struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P90    float64 `json:"p90"`
}

// RunManifest records what one Estimate call saw and did.
type RunManifest struct {
	RunID           core.RunID          `json:"run_id"`
	StartedAt       core.Timestamp      `json:"started_at"`
	Duration        time.Duration       `json:"duration_ns"`
	Seed            int64               `json:"seed"`
	ObservedCount   int                 `json:"observed_count"`
	UnobservedCount int                 `json:"unobserved_count"`
	UnexpectedCount int                 `json:"unexpected_count"`
	Levels          []float64           `json:"levels"`
	Diagnostics     ResidualDiagnostics `json:"diagnostics"`
}

// EstimateResult is the full output of one estimation run.
type EstimateResult struct {
	Manifest   RunManifest      `json:"manifest"`
	Units      []UnitEstimate   `json:"units"`
	Aggregates []AggregateTable `json:"aggregates"`
}
