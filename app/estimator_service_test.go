package app

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votecast/domain/core"
	"votecast/domain/election"
	"votecast/internal/aggregate"
	"votecast/internal/testkit"
)

func ptr(v float64) *float64 { return &v }

// threeUnitScenario: two fully-counted units with residuals -50 and +30,
// one unit at 40% reporting to be estimated.
func threeUnitScenario() (*testkit.StaticBaseline, []election.ReturnsRow) {
	baseline := &testkit.StaticBaseline{Rows: []election.BaselineRow{
		{RegionCode: "MA", UnitID: "001", BaselineResult: 1000, TotalVoters: 1200},
		{RegionCode: "MA", UnitID: "002", BaselineResult: 2000, TotalVoters: 2200},
		{RegionCode: "MA", UnitID: "003", BaselineResult: 1500, TotalVoters: 1800},
	}}
	returns := []election.ReturnsRow{
		{RegionCode: "MA", UnitID: "001", ReportingPct: 100, CurrentResult: ptr(950)},
		{RegionCode: "MA", UnitID: "002", ReportingPct: 100, CurrentResult: ptr(2030)},
		{RegionCode: "MA", UnitID: "003", ReportingPct: 40, CurrentResult: ptr(400)},
	}
	return baseline, returns
}

func TestEstimate_ThreeUnitScenario(t *testing.T) {
	baseline, returns := threeUnitScenario()
	svc := NewEstimatorService(baseline, nil)

	result, err := svc.Estimate(context.Background(), returns,
		election.ModelSettings{Seed: 1}, []float64{0.8})
	require.NoError(t, err)

	require.Len(t, result.Units, 3)
	var unobs *election.UnitEstimate
	for i := range result.Units {
		if result.Units[i].UnitID == "003" {
			unobs = &result.Units[i]
		}
	}
	require.NotNil(t, unobs, "unobserved unit missing from results")

	assert.GreaterOrEqual(t, unobs.Pred, 400.0, "prediction below votes already counted")
	require.Len(t, unobs.Intervals, 1)
	// Solver tolerance, not semantics, decides the last few ulps.
	assert.LessOrEqual(t, unobs.Intervals[0].Lower, unobs.Pred+1e-6)
	assert.GreaterOrEqual(t, unobs.Intervals[0].Upper, unobs.Pred-1e-6)

	require.Len(t, result.Aggregates, 1)
	require.Len(t, result.Aggregates[0].Rows, 1)
	region := result.Aggregates[0].Rows[0]
	assert.Equal(t, []string{"MA"}, region.Keys)
	assert.InDelta(t, 950+2030+unobs.Pred, region.Pred, 1e-9,
		"aggregate must equal observed sum plus unobserved prediction")
	require.Len(t, region.Intervals, 1)
	assert.LessOrEqual(t, region.Intervals[0].Lower, region.Pred+1e-6)
	assert.GreaterOrEqual(t, region.Intervals[0].Upper, region.Pred-1e-6)
}

func TestEstimate_FloorInvariant(t *testing.T) {
	scenario := testkit.GenerateScenario(testkit.GeneratorConfig{
		Units: 150, Regions: 3, ObservedFraction: 0.7,
		ResidualMean: -0.05, ResidualStdDev: 0.02, Seed: 4,
	})
	svc := NewEstimatorService(&testkit.StaticBaseline{Rows: scenario.Baseline}, nil)

	result, err := svc.Estimate(context.Background(), scenario.Returns,
		election.ModelSettings{Seed: 2}, []float64{0.8})
	require.NoError(t, err)

	counted := make(map[string]float64)
	for _, r := range scenario.Returns {
		if r.ReportingPct < 100 && r.CurrentResult != nil {
			counted[r.UnitID] = *r.CurrentResult
		}
	}
	for _, u := range result.Units {
		c, ok := counted[u.UnitID]
		if !ok {
			continue
		}
		assert.GreaterOrEqual(t, u.Pred, c, "unit %s: pred below counted votes", u.UnitID)
		for _, iv := range u.Intervals {
			assert.GreaterOrEqual(t, iv.Lower, c, "unit %s: lower below counted votes", u.UnitID)
			assert.GreaterOrEqual(t, iv.Upper, c, "unit %s: upper below counted votes", u.UnitID)
		}
	}
}

func TestEstimate_DeterministicGivenSeed(t *testing.T) {
	scenario := testkit.GenerateScenario(testkit.GeneratorConfig{
		Units: 100, Regions: 2, ObservedFraction: 0.75,
		ResidualMean: 0.01, ResidualStdDev: 0.03, Seed: 8,
	})
	svc := NewEstimatorService(&testkit.StaticBaseline{Rows: scenario.Baseline}, nil)
	settings := election.ModelSettings{Seed: 99}

	first, err := svc.Estimate(context.Background(), scenario.Returns, settings, []float64{0.8, 0.95})
	require.NoError(t, err)
	second, err := svc.Estimate(context.Background(), scenario.Returns, settings, []float64{0.8, 0.95})
	require.NoError(t, err)

	assert.Equal(t, first.Units, second.Units)
	assert.Equal(t, first.Aggregates, second.Aggregates)
}

func TestEstimate_UnitsSortedByUnitID(t *testing.T) {
	scenario := testkit.GenerateScenario(testkit.GeneratorConfig{
		Units: 60, Regions: 2, ObservedFraction: 0.7,
		ResidualMean: 0, ResidualStdDev: 0.02, Seed: 13,
	})
	svc := NewEstimatorService(&testkit.StaticBaseline{Rows: scenario.Baseline}, nil)

	result, err := svc.Estimate(context.Background(), scenario.Returns,
		election.ModelSettings{Seed: 3}, nil)
	require.NoError(t, err)

	ids := make([]string, len(result.Units))
	for i, u := range result.Units {
		ids[i] = u.UnitID
	}
	assert.True(t, sort.StringsAreSorted(ids), "unit results not sorted by unit_id")
}

func TestEstimate_MultipleLevels(t *testing.T) {
	scenario := testkit.GenerateScenario(testkit.GeneratorConfig{
		Units: 120, Regions: 2, ObservedFraction: 0.75,
		ResidualMean: 0.01, ResidualStdDev: 0.03, Seed: 17,
	})
	svc := NewEstimatorService(&testkit.StaticBaseline{Rows: scenario.Baseline}, nil)

	result, err := svc.Estimate(context.Background(), scenario.Returns,
		election.ModelSettings{Seed: 5, Robust: true}, []float64{0.5, 0.95})
	require.NoError(t, err)

	for _, u := range result.Units {
		require.Len(t, u.Intervals, 2)
		assert.Equal(t, 0.5, u.Intervals[0].Alpha)
		assert.Equal(t, 0.95, u.Intervals[1].Alpha)
		assert.LessOrEqual(t, u.Intervals[0].Lower, u.Intervals[0].Upper)
		assert.LessOrEqual(t, u.Intervals[1].Lower, u.Intervals[1].Upper)
	}
}

func TestEstimate_DistrictAggregation(t *testing.T) {
	baseline := &testkit.StaticBaseline{Rows: []election.BaselineRow{
		{RegionCode: "MA", UnitID: "001", BaselineResult: 1000, TotalVoters: 1200, Attributes: map[string]string{"district": "D1"}},
		{RegionCode: "MA", UnitID: "002", BaselineResult: 2000, TotalVoters: 2200, Attributes: map[string]string{"district": "D2"}},
		{RegionCode: "MA", UnitID: "003", BaselineResult: 1500, TotalVoters: 1800, Attributes: map[string]string{"district": "D1"}},
	}}
	returns := []election.ReturnsRow{
		{RegionCode: "MA", UnitID: "001", ReportingPct: 100, CurrentResult: ptr(950)},
		{RegionCode: "MA", UnitID: "002", ReportingPct: 100, CurrentResult: ptr(2030)},
		{RegionCode: "MA", UnitID: "003", ReportingPct: 40, CurrentResult: ptr(400)},
		// Unexpected unit: counts at region grain, not district grain.
		{RegionCode: "MA", UnitID: "999", ReportingPct: 100, CurrentResult: ptr(60)},
	}
	svc := NewEstimatorService(baseline, nil)

	result, err := svc.Estimate(context.Background(), returns,
		election.ModelSettings{Seed: 1}, []float64{0.8},
		[]aggregate.Selector{aggregate.ByRegion, aggregate.ByAttribute("district")})
	require.NoError(t, err)
	require.Len(t, result.Aggregates, 2)

	regionTable := result.Aggregates[0]
	assert.Equal(t, []string{"region_code"}, regionTable.KeyNames)
	require.Len(t, regionTable.Rows, 1)

	districtTable := result.Aggregates[1]
	assert.Equal(t, []string{"region_code", "district"}, districtTable.KeyNames)
	require.Len(t, districtTable.Rows, 2)

	var districtSum float64
	for _, row := range districtTable.Rows {
		districtSum += row.Pred
	}
	// The unexpected unit's 60 votes appear only at region grain.
	assert.InDelta(t, 60, regionTable.Rows[0].Pred-districtSum, 1e-9)
}

func TestEstimate_ZeroTurnoutBaselineRejected(t *testing.T) {
	baseline := &testkit.StaticBaseline{Rows: []election.BaselineRow{
		{RegionCode: "MA", UnitID: "001", BaselineResult: 1000, TotalVoters: 1200},
		{RegionCode: "MA", UnitID: "002", BaselineResult: 2000, TotalVoters: 0},
		{RegionCode: "MA", UnitID: "003", BaselineResult: 1500, TotalVoters: 1800},
	}}
	returns := []election.ReturnsRow{
		{RegionCode: "MA", UnitID: "001", ReportingPct: 100, CurrentResult: ptr(950)},
		{RegionCode: "MA", UnitID: "002", ReportingPct: 100, CurrentResult: ptr(2030)},
		{RegionCode: "MA", UnitID: "003", ReportingPct: 40, CurrentResult: ptr(400)},
	}
	svc := NewEstimatorService(baseline, nil)

	_, err := svc.Estimate(context.Background(), returns, election.ModelSettings{Seed: 1}, []float64{0.8})
	require.ErrorIs(t, err, core.ErrNonPositiveTurnout,
		"a zero-turnout baseline row must surface as an error, not crash the run")
}

func TestEstimate_InvalidLevelRejected(t *testing.T) {
	baseline, returns := threeUnitScenario()
	svc := NewEstimatorService(baseline, nil)

	_, err := svc.Estimate(context.Background(), returns, election.ModelSettings{Seed: 1}, []float64{1.2})
	require.Error(t, err)
}

func TestEstimate_UnknownFixedEffectSurfaced(t *testing.T) {
	baseline, returns := threeUnitScenario()
	svc := NewEstimatorService(baseline, nil)

	_, err := svc.Estimate(context.Background(), returns,
		election.ModelSettings{Seed: 1, FixedEffects: []string{"turnout_band"}}, nil)
	require.ErrorIs(t, err, core.ErrUnknownFixedEffect)
}

func TestEstimate_ManifestPopulated(t *testing.T) {
	baseline, returns := threeUnitScenario()
	svc := NewEstimatorService(baseline, nil)

	result, err := svc.Estimate(context.Background(), returns, election.ModelSettings{Seed: 1}, nil)
	require.NoError(t, err)

	m := result.Manifest
	assert.False(t, core.ID(m.RunID).IsEmpty())
	assert.Equal(t, 2, m.ObservedCount)
	assert.Equal(t, 1, m.UnobservedCount)
	assert.Equal(t, 0, m.UnexpectedCount)
	assert.Equal(t, int64(1), m.Seed)
	assert.Equal(t, 2, m.Diagnostics.Count)
}
