package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions. Every estimation failure
// wraps exactly one stage sentinel so callers can tell which stage of the
// pipeline rejected the run.
var (
	// Input shape errors
	ErrMissingColumn      = errors.New("required column not present")
	ErrUnknownFixedEffect = errors.New("requested fixed effect not present in baseline")
	ErrInvalidConfidence  = errors.New("confidence level outside (0,1)")
	ErrNonPositiveTurnout = errors.New("baseline total_voters must be positive")

	// Stage errors
	ErrFeatureBuild = errors.New("feature building failed")
	ErrFit          = errors.New("quantile regression fit failed")
	ErrCalibration  = errors.New("conformal calibration failed")
	ErrAggregation  = errors.New("aggregation failed")

	// Degenerate statistical state
	ErrNoObservedUnits  = errors.New("no fully-reporting units available for fitting")
	ErrEmptyCalibration = errors.New("calibration set empty after split")
	ErrSingularDesign   = errors.New("design matrix singular despite constraint row")

	// Invariant violations - assert eagerly, never recover
	ErrPartitionInvariant = errors.New("unit partition invariant violated")
)

// Error constructors with context
func NewFeatureBuildError(detail string) error {
	return fmt.Errorf("%w: %s", ErrFeatureBuild, detail)
}

func NewFitError(tau float64, err error) error {
	return fmt.Errorf("%w at tau=%.3f: %w", ErrFit, tau, err)
}

func NewCalibrationError(alpha float64, err error) error {
	return fmt.Errorf("%w at alpha=%.2f: %w", ErrCalibration, alpha, err)
}

func NewPartitionInvariantError(key UnitKey) error {
	return fmt.Errorf("%w: unit %s appears more than once in the baseline", ErrPartitionInvariant, key)
}

// Error checking helpers
func IsInputShapeError(err error) bool {
	return errors.Is(err, ErrMissingColumn) ||
		errors.Is(err, ErrUnknownFixedEffect) ||
		errors.Is(err, ErrInvalidConfidence) ||
		errors.Is(err, ErrNonPositiveTurnout)
}

func IsDegenerateStateError(err error) bool {
	return errors.Is(err, ErrNoObservedUnits) ||
		errors.Is(err, ErrEmptyCalibration) ||
		errors.Is(err, ErrSingularDesign)
}

func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrPartitionInvariant)
}
