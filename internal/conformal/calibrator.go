package conformal

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"votecast/domain/core"
	"votecast/domain/design"
	"votecast/internal"
	"votecast/internal/features"
	"votecast/internal/quantreg"
)

// Band holds the calibrated interval bounds for the unobserved units at
// one confidence level, in normalized-residual units and row-aligned with
// the unobserved set.
type Band struct {
	Alpha      float64
	Lower      []float64
	Upper      []float64
	Correction float64
}

// Calibrator produces split-conformal prediction bands. Observed units
// are shuffled and split into a training fold that fits the tail quantile
// models and a calibration fold whose nonconformity scores back out the
// additive correction that restores marginal coverage.
type Calibrator struct {
	fitter *quantreg.Fitter
	log    *internal.Logger
}

// NewCalibrator creates a calibrator around the given fitter.
func NewCalibrator(fitter *quantreg.Fitter, log *internal.Logger) *Calibrator {
	if log == nil {
		log = internal.DefaultLogger
	}
	return &Calibrator{fitter: fitter, log: log}
}

// Calibrate computes the prediction band at confidence alpha. The rng
// drives the calibration-split shuffle; callers pass an independent,
// seeded source per level so levels are reproducible and parallelizable.
func (c *Calibrator) Calibrate(obs features.ObservedSet, unobs features.UnobservedSet, alpha float64, robust bool, rng *rand.Rand) (*Band, error) {
	nObs := len(obs.Units)
	if nObs == 0 {
		return nil, core.NewCalibrationError(alpha, core.ErrNoObservedUnits)
	}

	// Constraint rows sit past the data rows and never enter the split.
	perm := rng.Perm(nObs)

	// Reserve enough calibration points to resolve the conformal quantile
	// (roughly alpha/0.05 of them), capped so at least 10% calibrates.
	trainFrac := math.Min(1-(alpha/0.05)/float64(nObs), 0.9)
	nTrain := int(math.Floor(trainFrac * float64(nObs)))
	if nTrain < 1 {
		nTrain = 1
	}
	nCal := nObs - nTrain
	if nCal < 1 {
		return nil, core.NewCalibrationError(alpha, core.ErrEmptyCalibration)
	}
	trainIdx, calIdx := perm[:nTrain], perm[nTrain:]

	trainDesign, trainY, trainW := c.trainingFold(obs, trainIdx)

	tauLow := (1 - alpha) / 2
	tauHigh := (1 + alpha) / 2
	models, err := c.fitter.Fit(trainDesign, trainY, trainW, []float64{tauLow, tauHigh})
	if err != nil {
		return nil, core.NewCalibrationError(alpha, err)
	}
	lowModel, highModel := models[0], models[1]

	scores, calWeights, calUnits, err := c.scoreCalibrationFold(obs, calIdx, lowModel, highModel)
	if err != nil {
		return nil, core.NewCalibrationError(alpha, err)
	}

	level := alpha * (1 + 1/float64(nCal))
	base := baseCorrection(scores, level)
	weighted := weightedCorrection(scores, calWeights, calUnits, level)

	correction := weighted
	if robust {
		correction = math.Max(base, weighted)
	}
	c.log.Debug("calibration alpha=%.2f: n_train=%d n_cal=%d base=%.6f weighted=%.6f robust=%v",
		alpha, nTrain, nCal, base, weighted, robust)

	lowPred, err := lowModel.Predict(unobs.Design)
	if err != nil {
		return nil, core.NewCalibrationError(alpha, err)
	}
	highPred, err := highModel.Predict(unobs.Design)
	if err != nil {
		return nil, core.NewCalibrationError(alpha, err)
	}

	band := &Band{
		Alpha:      alpha,
		Lower:      make([]float64, len(lowPred)),
		Upper:      make([]float64, len(highPred)),
		Correction: correction,
	}
	for i := range lowPred {
		band.Lower[i] = lowPred[i] - correction
		band.Upper[i] = highPred[i] + correction
	}
	return band, nil
}

// trainingFold extracts the training rows and re-appends the constraint
// rows restricted to the columns that survive the split. A dummy column
// that is all zero across the training fold carries no information and is
// dropped before fitting.
func (c *Calibrator) trainingFold(obs features.ObservedSet, trainIdx []int) (*design.Matrix, []float64, []float64) {
	fold := obs.Design.SubsetRows(trainIdx)

	surviving := make([]string, 0, fold.NumCols())
	for j, col := range fold.Columns {
		keep := col == features.InterceptColumn
		for _, row := range fold.Data {
			if row[j] != 0 {
				keep = true
				break
			}
		}
		if keep {
			surviving = append(surviving, col)
		}
	}
	reduced, _ := fold.Select(surviving)

	y := make([]float64, 0, len(trainIdx)+obs.ConstraintRows)
	w := make([]float64, 0, len(trainIdx)+obs.ConstraintRows)
	for _, i := range trainIdx {
		y = append(y, obs.Residuals[i])
		w = append(w, obs.Weights[i])
	}

	nData := len(obs.Units)
	for k := 0; k < obs.ConstraintRows; k++ {
		full := obs.Design.Data[nData+k]
		row := make([]float64, len(surviving))
		for j, col := range surviving {
			if idx, ok := obs.Design.ColumnIndex(col); ok {
				row[j] = full[idx]
			}
		}
		_ = reduced.AppendRow(row)
		y = append(y, obs.Residuals[nData+k])
		w = append(w, obs.Weights[nData+k])
	}
	return reduced, y, w
}

// calUnit ties one calibration score to its unit for deterministic
// tie-breaking and turnout weighting.
type calUnit struct {
	score  float64
	weight float64
	unitID string
}

func (c *Calibrator) scoreCalibrationFold(obs features.ObservedSet, calIdx []int, low, high quantreg.Model) ([]float64, []float64, []string, error) {
	fold := obs.Design.SubsetRows(calIdx)
	lowPred, err := low.Predict(fold)
	if err != nil {
		return nil, nil, nil, err
	}
	highPred, err := high.Predict(fold)
	if err != nil {
		return nil, nil, nil, err
	}

	scores := make([]float64, len(calIdx))
	weights := make([]float64, len(calIdx))
	unitIDs := make([]string, len(calIdx))
	for k, i := range calIdx {
		resid := obs.Residuals[i]
		scores[k] = math.Max(lowPred[k]-resid, resid-highPred[k])
		weights[k] = obs.Units[i].TotalVoters
		unitIDs[k] = obs.Units[i].UnitID
	}
	return scores, weights, unitIDs, nil
}

// baseCorrection is the finite-sample conformal quantile of the scores:
// the ceil(level*n)-th smallest, clamped to the sample.
func baseCorrection(scores []float64, level float64) float64 {
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	k := int(math.Ceil(level * float64(len(sorted))))
	if k < 1 {
		k = 1
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[k-1]
}

// weightedCorrection finds the smallest score whose cumulative
// turnout-weighted mass exceeds the target level, so large units dominate
// coverage. Ties in score order break by unit id to keep the cumulative
// sum reproducible under a fixed shuffle seed.
func weightedCorrection(scores, weights []float64, unitIDs []string, level float64) float64 {
	n := len(scores)
	units := make([]calUnit, n)
	var total float64
	for i := 0; i < n; i++ {
		units[i] = calUnit{score: scores[i], weight: weights[i], unitID: unitIDs[i]}
		total += weights[i]
	}
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].score != units[j].score {
			return units[i].score < units[j].score
		}
		return units[i].unitID < units[j].unitID
	})

	var cum float64
	for _, u := range units {
		cum += u.weight / total
		if cum > level {
			return u.score
		}
	}
	// level at or past the total mass: the largest score is the quantile.
	return units[n-1].score
}

// Describe reports the band in one line, for run logs.
func (b *Band) Describe() string {
	return fmt.Sprintf("band alpha=%.2f correction=%.6f units=%d", b.Alpha, b.Correction, len(b.Lower))
}
