package testkit

import (
	"context"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"votecast/domain/core"
	"votecast/domain/election"
)

// Scenario is a synthetic election with known ground truth, used by
// calibration-coverage and end-to-end tests.
type Scenario struct {
	Baseline []election.BaselineRow
	Returns  []election.ReturnsRow

	// TrueResults holds the final tally of every unit, including the ones
	// the returns snapshot reports only partially.
	TrueResults map[core.UnitKey]float64
}

// GeneratorConfig controls the synthetic election shape.
type GeneratorConfig struct {
	Units            int
	Regions          int
	ObservedFraction float64

	// Normalized-residual noise: (current-baseline)/total_voters is drawn
	// from Normal(ResidualMean, ResidualStdDev).
	ResidualMean   float64
	ResidualStdDev float64

	// FixedEffect optionally names a categorical attribute assigned
	// round-robin over Categories values, each shifting the residual.
	FixedEffect  string
	Categories   int
	CategoryLift float64

	Seed int64
}

// GenerateScenario builds a reproducible synthetic election. Residual
// noise is drawn by inverse-CDF sampling so the whole scenario depends
// only on the seed.
func GenerateScenario(cfg GeneratorConfig) *Scenario {
	rng := rand.New(rand.NewSource(cfg.Seed))
	noise := distuv.Normal{Mu: cfg.ResidualMean, Sigma: cfg.ResidualStdDev}
	if cfg.Regions < 1 {
		cfg.Regions = 1
	}

	s := &Scenario{TrueResults: make(map[core.UnitKey]float64, cfg.Units)}
	for i := 0; i < cfg.Units; i++ {
		region := fmt.Sprintf("R%02d", i%cfg.Regions)
		unitID := fmt.Sprintf("U%04d", i)
		voters := 800 + rng.Float64()*4200
		baseline := voters * (0.35 + rng.Float64()*0.3)

		residual := noise.Quantile(rng.Float64())
		attrs := map[string]string{}
		if cfg.FixedEffect != "" && cfg.Categories > 0 {
			cat := i % cfg.Categories
			attrs[cfg.FixedEffect] = fmt.Sprintf("%d", cat)
			residual += cfg.CategoryLift * float64(cat)
		}
		truth := baseline + residual*voters
		if truth < 0 {
			truth = 0
		}

		s.Baseline = append(s.Baseline, election.BaselineRow{
			RegionCode:     region,
			UnitID:         unitID,
			UnitName:       fmt.Sprintf("Synthetic County %d", i),
			BaselineResult: baseline,
			TotalVoters:    voters,
			Attributes:     attrs,
		})
		s.TrueResults[core.NewUnitKey(region, unitID)] = truth

		ret := election.ReturnsRow{RegionCode: region, UnitID: unitID}
		if rng.Float64() < cfg.ObservedFraction {
			ret.ReportingPct = 100
			v := truth
			ret.CurrentResult = &v
		} else {
			ret.ReportingPct = rng.Float64() * 95
			counted := truth * ret.ReportingPct / 100 * (0.85 + rng.Float64()*0.15)
			ret.CurrentResult = &counted
		}
		s.Returns = append(s.Returns, ret)
	}
	return s
}

// UnobservedKeys lists the units the snapshot has not fully reported,
// i.e. the ones an estimator must predict.
func (s *Scenario) UnobservedKeys() []core.UnitKey {
	byKey := make(map[core.UnitKey]election.ReturnsRow, len(s.Returns))
	for _, r := range s.Returns {
		byKey[r.Key()] = r
	}
	var out []core.UnitKey
	for _, b := range s.Baseline {
		if r, ok := byKey[b.Key()]; !ok || r.ReportingPct < 100 {
			out = append(out, b.Key())
		}
	}
	return out
}

// StaticBaseline is a BaselineSource serving a fixed table, for tests.
type StaticBaseline struct {
	Rows []election.BaselineRow
}

// FetchBaseline returns the fixed table.
func (s *StaticBaseline) FetchBaseline(_ context.Context) ([]election.BaselineRow, error) {
	return s.Rows, nil
}
