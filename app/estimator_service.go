package app

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"votecast/domain/core"
	"votecast/domain/election"
	"votecast/internal"
	"votecast/internal/aggregate"
	"votecast/internal/conformal"
	"votecast/internal/features"
	"votecast/internal/quantreg"
	"votecast/ports"
)

// EstimatorService runs the full estimation pipeline: feature build,
// median fit, per-level conformal calibration, aggregation. Each call is
// stateless; the baseline table is fetched fresh every time.
type EstimatorService struct {
	baseline   ports.BaselineSource
	builder    *features.Builder
	fitter     *quantreg.Fitter
	calibrator *conformal.Calibrator
	aggregator *aggregate.Aggregator
	log        *internal.Logger
}

// NewEstimatorService wires the pipeline around a baseline source.
func NewEstimatorService(baseline ports.BaselineSource, log *internal.Logger) *EstimatorService {
	if log == nil {
		log = internal.DefaultLogger
	}
	fitter := quantreg.NewFitter(log)
	return &EstimatorService{
		baseline:   baseline,
		builder:    features.NewBuilder(log),
		fitter:     fitter,
		calibrator: conformal.NewCalibrator(fitter, log),
		aggregator: aggregate.New(log),
		log:        log,
	}
}

// Estimate produces unit-level and aggregate-level estimates from one
// returns snapshot. Aggregation is by region; callers wanting finer
// grain pass extra key sets (e.g. region+district).
func (s *EstimatorService) Estimate(ctx context.Context, returns []election.ReturnsRow, settings election.ModelSettings, levels []float64, extraKeys ...[]aggregate.Selector) (*election.EstimateResult, error) {
	started := time.Now()

	levels, err := election.ValidateLevels(levels)
	if err != nil {
		return nil, err
	}

	seed := settings.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
		s.log.Warn("no seed configured, derived %d from clock; run is not reproducible", seed)
	}

	baseline, err := s.baseline.FetchBaseline(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching baseline: %w", err)
	}

	set, err := s.builder.Build(baseline, returns, settings.FixedEffects)
	if err != nil {
		return nil, err
	}

	preds, err := s.pointPredictions(set)
	if err != nil {
		return nil, err
	}

	bands, err := s.calibrateAll(ctx, set, settings, levels, seed)
	if err != nil {
		return nil, err
	}

	units := s.unitResults(set, preds, bands, levels)
	aggregates, err := s.aggregateAll(set, preds, bands, levels, extraKeys)
	if err != nil {
		return nil, err
	}

	diag := residualDiagnostics(set.Observed)
	s.log.Debug("run diagnostics: n=%d mean=%.6f median=%.6f p90=%.6f", diag.Count, diag.Mean, diag.Median, diag.P90)

	result := &election.EstimateResult{
		Manifest: election.RunManifest{
			RunID:           core.RunID(core.NewID()),
			StartedAt:       core.NewTimestamp(started),
			Duration:        time.Since(started),
			Seed:            seed,
			ObservedCount:   len(set.Observed.Units),
			UnobservedCount: len(set.Unobserved.Units),
			UnexpectedCount: len(set.Unexpected),
			Levels:          levels,
			Diagnostics:     diag,
		},
		Units:      units,
		Aggregates: aggregates,
	}
	s.log.Info("estimate run %s: %d observed, %d unobserved, %d unexpected, levels %v, %s",
		result.Manifest.RunID, len(set.Observed.Units), len(set.Unobserved.Units), len(set.Unexpected),
		levels, result.Manifest.Duration)
	return result, nil
}

// pointPredictions fits the median model and returns the denormalized,
// floored point prediction per unobserved unit.
func (s *EstimatorService) pointPredictions(set *features.FeatureSet) ([]float64, error) {
	models, err := s.fitter.Fit(set.Observed.Design, set.Observed.Residuals, set.Observed.Weights, []float64{0.5})
	if err != nil {
		return nil, err
	}
	normalized, err := models[0].Predict(set.Unobserved.Design)
	if err != nil {
		return nil, err
	}
	preds := make([]float64, len(normalized))
	for i, u := range set.Unobserved.Units {
		preds[i] = u.Denormalize(normalized[i])
	}
	return preds, nil
}

// calibrateAll computes one conformal band per confidence level. Levels
// are independent given the shared read-only features, so they run
// concurrently; each gets its own seeded shuffle source.
func (s *EstimatorService) calibrateAll(ctx context.Context, set *features.FeatureSet, settings election.ModelSettings, levels []float64, seed int64) ([]*conformal.Band, error) {
	bands := make([]*conformal.Band, len(levels))
	g, _ := errgroup.WithContext(ctx)
	for i, alpha := range levels {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed + int64(math.Round(alpha*1000))))
			band, err := s.calibrator.Calibrate(set.Observed, set.Unobserved, alpha, settings.Robust, rng)
			if err != nil {
				return err
			}
			bands[i] = band
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bands, nil
}

// unitResults assembles the per-unit output table: observed units report
// their counted result, unobserved units their prediction and calibrated
// bounds. Unexpected units have no covariates and appear only in
// aggregates.
func (s *EstimatorService) unitResults(set *features.FeatureSet, preds []float64, bands []*conformal.Band, levels []float64) []election.UnitEstimate {
	out := make([]election.UnitEstimate, 0, len(set.Observed.Units)+len(set.Unobserved.Units))

	for _, u := range set.Observed.Units {
		est := election.UnitEstimate{RegionCode: u.RegionCode, UnitID: u.UnitID, Pred: u.CurrentResult}
		for _, alpha := range levels {
			est.Intervals = append(est.Intervals, election.Interval{Alpha: alpha, Lower: u.CurrentResult, Upper: u.CurrentResult})
		}
		out = append(out, est)
	}
	for i, u := range set.Unobserved.Units {
		est := election.UnitEstimate{RegionCode: u.RegionCode, UnitID: u.UnitID, Pred: preds[i]}
		for k, alpha := range levels {
			est.Intervals = append(est.Intervals, election.Interval{
				Alpha: alpha,
				Lower: u.Denormalize(bands[k].Lower[i]),
				Upper: u.Denormalize(bands[k].Upper[i]),
			})
		}
		out = append(out, est)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].RegionCode < out[j].RegionCode
	})
	return out
}

// aggregateAll builds one aggregate table per key set, region first.
func (s *EstimatorService) aggregateAll(set *features.FeatureSet, preds []float64, bands []*conformal.Band, levels []float64, extraKeys [][]aggregate.Selector) ([]election.AggregateTable, error) {
	predicted := make([]aggregate.PredictedUnit, len(set.Unobserved.Units))
	for i, u := range set.Unobserved.Units {
		predicted[i] = aggregate.PredictedUnit{Unit: u, Pred: preds[i]}
	}
	bounded := make([][]aggregate.BoundedUnit, len(bands))
	for k, band := range bands {
		bounded[k] = make([]aggregate.BoundedUnit, len(set.Unobserved.Units))
		for i, u := range set.Unobserved.Units {
			bounded[k][i] = aggregate.BoundedUnit{
				Unit:  u,
				Lower: u.Denormalize(band.Lower[i]),
				Upper: u.Denormalize(band.Upper[i]),
			}
		}
	}

	keySets := append([][]aggregate.Selector{{aggregate.ByRegion}}, extraKeys...)
	tables := make([]election.AggregateTable, 0, len(keySets))
	for _, keys := range keySets {
		points, err := s.aggregator.Points(set.Observed.Units, set.Unexpected, predicted, keys)
		if err != nil {
			return nil, err
		}

		rowsByID := make(map[string]*election.AggregateRow, len(points))
		table := election.AggregateTable{KeyNames: keyNames(keys)}
		table.Rows = make([]election.AggregateRow, len(points))
		for i, p := range points {
			table.Rows[i] = election.AggregateRow{Keys: p.Keys, Pred: p.Pred}
			rowsByID[groupID(p.Keys)] = &table.Rows[i]
		}

		for k, alpha := range levels {
			intervals, err := s.aggregator.Intervals(set.Observed.Units, set.Unexpected, bounded[k], keys)
			if err != nil {
				return nil, err
			}
			for _, iv := range intervals {
				row, ok := rowsByID[groupID(iv.Keys)]
				if !ok {
					return nil, fmt.Errorf("%w: interval group %v missing from point table", core.ErrAggregation, iv.Keys)
				}
				row.Intervals = append(row.Intervals, election.Interval{Alpha: alpha, Lower: iv.Lower, Upper: iv.Upper})
			}
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func keyNames(keys []aggregate.Selector) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Name
	}
	return out
}

func groupID(keys []string) string {
	return strings.Join(keys, "\x1f")
}

// residualDiagnostics summarizes the observed normalized residuals for
// the run manifest.
func residualDiagnostics(obs features.ObservedSet) election.ResidualDiagnostics {
	data := make([]float64, len(obs.Units))
	for i := range obs.Units {
		data[i] = obs.Residuals[i]
	}
	if len(data) == 0 {
		return election.ResidualDiagnostics{}
	}
	mean, _ := stats.Mean(data)
	median, _ := stats.Median(data)
	min, _ := stats.Min(data)
	max, _ := stats.Max(data)
	p90, _ := stats.Percentile(data, 90)
	return election.ResidualDiagnostics{
		Count:  len(data),
		Mean:   mean,
		Median: median,
		Min:    min,
		Max:    max,
		P90:    p90,
	}
}
