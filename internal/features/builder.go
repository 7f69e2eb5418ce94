package features

import (
	"fmt"
	"sort"

	"votecast/domain/core"
	"votecast/domain/design"
	"votecast/domain/election"
	"votecast/internal"
)

// InterceptColumn is the constant column present in every design.
const InterceptColumn = "intercept"

// referenceLevel is the category dropped from each fixed-effect encoding
// to keep the dummies from being collinear with the intercept.
const referenceLevel = "0"

// ObservedSet is the training-side feature bundle: fully-reporting units
// with known residuals, plus the synthetic constraint row when fixed
// effects are encoded.
type ObservedSet struct {
	Units     []election.Unit
	Design    *design.Matrix
	Residuals []float64 // normalized; zero on constraint rows
	Weights   []float64 // total_voters; one on constraint rows

	// ConstraintRows counts synthetic rows appended at the end of Design.
	// Units covers only the leading non-constraint rows.
	ConstraintRows int
}

// UnobservedSet is the prediction-side feature bundle. Its design shares
// the exact column schema of the observed design.
type UnobservedSet struct {
	Units  []election.Unit
	Design *design.Matrix
}

// FeatureSet is the output of one Build call: the three disjoint unit
// partitions with their feature matrices.
type FeatureSet struct {
	Observed   ObservedSet
	Unobserved UnobservedSet
	Unexpected []election.Unit
}

// Builder joins current returns onto the baseline table, partitions the
// units and encodes the fixed-effect design matrices.
type Builder struct {
	log *internal.Logger
}

// NewBuilder creates a feature builder.
func NewBuilder(log *internal.Logger) *Builder {
	if log == nil {
		log = internal.DefaultLogger
	}
	return &Builder{log: log}
}

// Build joins returns onto the baseline by (region_code, unit_id),
// partitions the rows into observed / unobserved / unexpected and encodes
// the requested fixed effects. The observed and unobserved designs come
// back with identical column schemas.
func (b *Builder) Build(baseline []election.BaselineRow, returns []election.ReturnsRow, fixedEffects []string) (*FeatureSet, error) {
	if err := validateFixedEffects(baseline, fixedEffects); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrFeatureBuild, err)
	}

	baseByKey := make(map[core.UnitKey]election.BaselineRow, len(baseline))
	for _, row := range baseline {
		if _, dup := baseByKey[row.Key()]; dup {
			return nil, core.NewPartitionInvariantError(row.Key())
		}
		// Turnout divides the residual and scales every prediction; a
		// zero or negative value poisons the fit with non-finite values.
		if row.TotalVoters <= 0 {
			return nil, fmt.Errorf("%w: %w: unit %s", core.ErrFeatureBuild, core.ErrNonPositiveTurnout, row.Key())
		}
		baseByKey[row.Key()] = row
	}
	retByKey := make(map[core.UnitKey]election.ReturnsRow, len(returns))
	for _, row := range returns {
		retByKey[row.Key()] = row
	}

	var observed, unobserved, unexpected []election.Unit
	for _, base := range baseline {
		unit := election.Unit{
			RegionCode:     base.RegionCode,
			UnitID:         base.UnitID,
			UnitName:       base.UnitName,
			BaselineResult: base.BaselineResult,
			TotalVoters:    base.TotalVoters,
			Attributes:     base.Attributes,
		}
		if ret, ok := retByKey[base.Key()]; ok {
			unit.ReportingPct = ret.ReportingPct
			if ret.CurrentResult != nil {
				unit.CurrentResult = *ret.CurrentResult
				unit.HasCurrent = true
			}
		}
		if unit.ReportingPct >= 100 && unit.HasCurrent {
			observed = append(observed, unit)
		} else {
			unobserved = append(unobserved, unit)
		}
	}

	seenUnexpected := make(map[core.UnitKey]bool)
	for _, row := range returns {
		if _, known := baseByKey[row.Key()]; known {
			continue
		}
		// A key repeated in the feed resolves to its joined row, same as
		// for baseline-known units, and contributes once.
		if seenUnexpected[row.Key()] {
			continue
		}
		seenUnexpected[row.Key()] = true
		ret := retByKey[row.Key()]
		if ret.ReportingPct < 100 {
			// No covariates and no final tally: nothing to learn or add.
			continue
		}
		unit := election.Unit{
			RegionCode:   ret.RegionCode,
			UnitID:       ret.UnitID,
			ReportingPct: ret.ReportingPct,
		}
		if ret.CurrentResult != nil {
			unit.CurrentResult = *ret.CurrentResult
			unit.HasCurrent = true
		}
		unexpected = append(unexpected, unit)
	}

	sortUnits(observed)
	sortUnits(unobserved)
	sortUnits(unexpected)

	if len(observed) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrFeatureBuild, core.ErrNoObservedUnits)
	}

	obsDesign := encodeDesign(observed, fixedEffects, true)
	unobsDesign := encodeDesign(unobserved, fixedEffects, false)

	// Reconcile: unobserved adopts the observed schema exactly. Dummies
	// seen only in unobserved rows carry no fitted coefficient and are
	// dropped; observed-only dummies become all-zero columns.
	for _, col := range obsDesign.Columns {
		unobsDesign.EnsureColumn(col)
	}
	unobsDesign, err := unobsDesign.Select(obsDesign.Columns)
	if err != nil {
		return nil, fmt.Errorf("%w: reconciling unobserved columns: %w", core.ErrFeatureBuild, err)
	}

	set := &FeatureSet{
		Observed: ObservedSet{
			Units:     observed,
			Design:    obsDesign,
			Residuals: make([]float64, len(observed)),
			Weights:   make([]float64, len(observed)),
		},
		Unobserved: UnobservedSet{Units: unobserved, Design: unobsDesign},
		Unexpected: unexpected,
	}
	for i, u := range observed {
		set.Observed.Residuals[i] = u.NormalizedResidual()
		set.Observed.Weights[i] = u.TotalVoters
	}

	if len(fixedEffects) > 0 {
		appendConstraintRow(&set.Observed)
	}

	b.log.Debug("feature build: %d observed, %d unobserved, %d unexpected, %d design columns",
		len(observed), len(unobserved), len(unexpected), obsDesign.NumCols())
	return set, nil
}

// validateFixedEffects fails fast when a requested attribute is absent
// from the baseline table.
func validateFixedEffects(baseline []election.BaselineRow, fixedEffects []string) error {
	for _, name := range fixedEffects {
		found := false
		for _, row := range baseline {
			if _, ok := row.Attributes[name]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %q", core.ErrUnknownFixedEffect, name)
		}
	}
	return nil
}

// encodeDesign builds the intercept + dummy design for a unit partition.
// The observed side drops the reference level per effect; the unobserved
// side encodes every category it sees and is reconciled afterwards.
func encodeDesign(units []election.Unit, fixedEffects []string, dropReference bool) *design.Matrix {
	m := design.New(InterceptColumn)
	m.Data = make([][]float64, len(units))
	for i := range units {
		m.Data[i] = []float64{1}
	}

	for _, effect := range fixedEffects {
		for _, category := range categoriesOf(units, effect, dropReference) {
			col := make([]float64, len(units))
			for i, u := range units {
				if categoryOf(u, effect) == category {
					col[i] = 1
				}
			}
			// Encoding is schema-driven, so repeating an effect with the
			// same input reproduces the same columns byte for byte.
			name := dummyName(effect, category)
			if _, exists := m.ColumnIndex(name); !exists {
				_ = m.AddColumn(name, col)
			}
		}
	}
	return m
}

// categoriesOf lists the distinct categories of one effect, sorted, with
// the reference level removed when requested. When the literal reference
// level is absent the smallest category takes its place so the design
// never carries a full dummy set alongside the intercept.
func categoriesOf(units []election.Unit, effect string, dropReference bool) []string {
	seen := make(map[string]bool)
	for _, u := range units {
		seen[categoryOf(u, effect)] = true
	}
	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	if dropReference && len(cats) > 0 {
		if seen[referenceLevel] {
			cats = removeString(cats, referenceLevel)
		} else {
			cats = cats[1:]
		}
	}
	return cats
}

// categoryOf reads one fixed-effect value, defaulting missing values to
// the reference level.
func categoryOf(u election.Unit, effect string) string {
	if v, ok := u.Attributes[effect]; ok {
		return v
	}
	return referenceLevel
}

func dummyName(effect, category string) string {
	return effect + "_" + category
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// appendConstraintRow adds the synthetic regularization row: intercept
// zero, every dummy one, unit weight, zero residual. It keeps a design
// with sparsely-populated categories from going rank deficient.
func appendConstraintRow(obs *ObservedSet) {
	row := make([]float64, obs.Design.NumCols())
	for j, col := range obs.Design.Columns {
		if col == InterceptColumn {
			row[j] = 0
		} else {
			row[j] = 1
		}
	}
	_ = obs.Design.AppendRow(row)
	obs.Residuals = append(obs.Residuals, 0)
	obs.Weights = append(obs.Weights, 1)
	obs.ConstraintRows++
}

func sortUnits(units []election.Unit) {
	sort.Slice(units, func(i, j int) bool {
		if units[i].UnitID != units[j].UnitID {
			return units[i].UnitID < units[j].UnitID
		}
		return units[i].RegionCode < units[j].RegionCode
	})
}
