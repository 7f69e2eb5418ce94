package quantreg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"votecast/domain/core"
	"votecast/domain/design"
	"votecast/internal"
)

// Model holds the fitted coefficients of one linear quantile model.
type Model struct {
	Tau          float64
	Columns      []string
	Coefficients []float64
}

// Fitter estimates linear quantile models by minimizing weighted pinball
// loss. The minimization is posed as a linear program and solved with the
// simplex method; ties between equally optimal vertices resolve however
// the solver pivots, which is deterministic for fixed input.
type Fitter struct {
	log *internal.Logger
	tol float64
}

// NewFitter creates a quantile regression fitter.
func NewFitter(log *internal.Logger) *Fitter {
	if log == nil {
		log = internal.DefaultLogger
	}
	return &Fitter{log: log, tol: 1e-10}
}

// Fit estimates one model per requested tau on the same design. y holds
// normalized residuals and weights the per-row turnout. Rows with larger
// weight pull the fit harder, matching the voter-normalized dependent
// variable.
func (f *Fitter) Fit(m *design.Matrix, y, weights []float64, taus []float64) ([]Model, error) {
	n, p := m.NumRows(), m.NumCols()
	if n == 0 || p == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrFit, core.ErrNoObservedUnits)
	}
	if len(y) != n || len(weights) != n {
		return nil, fmt.Errorf("%w: design has %d rows, y has %d, weights has %d", core.ErrFit, n, len(y), len(weights))
	}
	// The simplex solver panics on non-finite input instead of erroring.
	for i := 0; i < n; i++ {
		if !isFinite(y[i]) || !isFinite(weights[i]) {
			return nil, fmt.Errorf("%w: non-finite value at row %d (y=%v, weight=%v)", core.ErrFit, i, y[i], weights[i])
		}
	}
	for _, tau := range taus {
		if tau <= 0 || tau >= 1 {
			return nil, fmt.Errorf("%w: tau %v outside (0,1)", core.ErrFit, tau)
		}
	}

	models := make([]Model, 0, len(taus))
	for _, tau := range taus {
		coefs, err := f.fitOne(m, y, weights, tau)
		if err != nil {
			return nil, core.NewFitError(tau, err)
		}
		models = append(models, Model{
			Tau:          tau,
			Columns:      append([]string(nil), m.Columns...),
			Coefficients: coefs,
		})
	}
	f.log.Debug("fit %d quantile models on %d rows x %d columns", len(models), n, p)
	return models, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// fitOne solves min Σ w_i ρ_tau(y_i - x_i b) as the LP
//
//	min Σ w_i (tau u⁺_i + (1-tau) u⁻_i)
//	s.t. X(b⁺-b⁻) + u⁺ - u⁻ = y,  b⁺,b⁻,u⁺,u⁻ ≥ 0
//
// splitting the free coefficients into positive and negative parts.
func (f *Fitter) fitOne(m *design.Matrix, y, weights []float64, tau float64) ([]float64, error) {
	n, p := m.NumRows(), m.NumCols()
	nVars := 2*p + 2*n

	c := make([]float64, nVars)
	for i := 0; i < n; i++ {
		c[2*p+i] = weights[i] * tau
		c[2*p+n+i] = weights[i] * (1 - tau)
	}

	a := mat.NewDense(n, nVars, nil)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		sign := 1.0
		if y[i] < 0 {
			// Keep the right-hand side nonnegative; equality rows may be
			// negated freely.
			sign = -1.0
		}
		for j := 0; j < p; j++ {
			a.Set(i, j, sign*m.Data[i][j])
			a.Set(i, p+j, -sign*m.Data[i][j])
		}
		a.Set(i, 2*p+i, sign)
		a.Set(i, 2*p+n+i, -sign)
		b[i] = sign * y[i]
	}

	_, x, err := lp.Simplex(c, a, b, f.tol, nil)
	if err != nil {
		if errors.Is(err, lp.ErrSingular) {
			return nil, fmt.Errorf("%w: %v", core.ErrSingularDesign, err)
		}
		return nil, fmt.Errorf("simplex: %w", err)
	}

	coefs := make([]float64, p)
	for j := 0; j < p; j++ {
		coefs[j] = x[j] - x[p+j]
		if math.IsNaN(coefs[j]) || math.IsInf(coefs[j], 0) {
			return nil, fmt.Errorf("non-finite coefficient for column %q", m.Columns[j])
		}
	}
	return coefs, nil
}

// Predict evaluates the model on a design, aligning columns by name so a
// reconciled unobserved design predicts correctly regardless of column
// order.
func (mo Model) Predict(m *design.Matrix) ([]float64, error) {
	aligned, err := m.Select(mo.Columns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFit, err)
	}
	out := make([]float64, aligned.NumRows())
	for i, row := range aligned.Data {
		var v float64
		for j, x := range row {
			v += x * mo.Coefficients[j]
		}
		out[i] = v
	}
	return out, nil
}
