package postsel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"postsel/affine"
	"postsel/stepwise"
)

// CovTest runs the covariance test for the column of X most correlated
// with y. It conditions on the selection event — which column won, and with
// which sign — by building the polyhedral cone of responses that reproduce
// it, then computes either the exact spacings p-value or the exponential
// approximation against that cone.
//
// Ties among equal-magnitude maximal correlations go to the lowest column
// index. A winning correlation of exactly zero leaves the selection sign
// undefined and is reported as an error rather than resolved silently.
func CovTest(x *mat.Dense, y *mat.VecDense, opts CovTestOptions) (*TestResult, error) {
	n, p := x.Dims()
	if n < 1 || p < 1 {
		return nil, fmt.Errorf("postsel: design must have at least one row and column, got %dx%d", n, p)
	}
	if y.Len() != n {
		return nil, fmt.Errorf("postsel: response length %d does not match %d rows", y.Len(), n)
	}
	sigma := opts.Sigma
	if sigma <= 0 {
		sigma = 1
	}

	// Correlations Z = X'y and the selection event.
	var z mat.VecDense
	z.MulVec(x.T(), y)
	idx, sign, err := selectEvent(&z)
	if err != nil {
		return nil, err
	}

	// eta = sign * X_idx is the direction of interest.
	eta := mat.NewVecDense(n, nil)
	eta.ScaleVec(sign, x.ColView(idx))

	// Cone rows: the winner beat both signs of every other column, and its
	// own signed correlation is nonnegative.
	rows := mat.NewDense(2*(p-1)+1, n, nil)
	r := 0
	for j := 0; j < p; j++ {
		if j == idx {
			continue
		}
		for i := 0; i < n; i++ {
			rows.Set(r, i, x.At(i, j)-eta.AtVec(i))
			rows.Set(r+1, i, -x.At(i, j)-eta.AtVec(i))
		}
		r += 2
	}
	for i := 0; i < n; i++ {
		rows.Set(r, i, -eta.AtVec(i))
	}

	con := affine.NewConstraints(rows, nil)
	if opts.Covariance != nil {
		con = con.WithCovariance(opts.Covariance)
	}
	con = con.ScaleCovariance(sigma * sigma)

	if opts.Exact {
		pv, err := con.Pivot(eta, y, affine.Greater)
		if err != nil {
			return nil, err
		}
		return &TestResult{Constraint: con, PValue: pv, Index: idx, Sign: sign}, nil
	}

	lower, value, _, scale, err := con.Bounds(eta, y)
	if err != nil {
		return nil, err
	}
	// Deep in the tail the truncated density concentrates at the observed
	// value, and only the gap to the nearest lower truncation point
	// matters; the upper limit is deliberately unused.
	pv := math.Exp(-value * (value - lower) / (scale * scale))
	return &TestResult{Constraint: con, PValue: pv, Index: idx, Sign: sign}, nil
}

// ReducedCovTest computes the same selection event and cone as CovTest but
// gets its p-value by Gibbs sampling the truncated Gaussian, which lets the
// noise scale be unknown: with Sigma unset the scale is removed by
// conditioning on the observed radius instead of fixed.
func ReducedCovTest(x *mat.Dense, y *mat.VecDense, opts ReducedCovTestOptions) (*TestResult, error) {
	if opts.NDraw <= 0 {
		return nil, fmt.Errorf("postsel: ndraw must be positive, got %d", opts.NDraw)
	}
	if opts.Burnin < 0 {
		return nil, fmt.Errorf("postsel: burnin must be nonnegative, got %d", opts.Burnin)
	}

	sigmaKnown := opts.Sigma > 0
	sigma := opts.Sigma
	if !sigmaKnown {
		sigma = 1
	}

	// Region construction is delegated to CovTest so both test families
	// condition on the identical cone; its p-value is discarded.
	res, err := CovTest(x, y, CovTestOptions{Sigma: sigma, Exact: true, Covariance: opts.Covariance})
	if err != nil {
		return nil, err
	}

	sampler := opts.Sampler
	if sampler == nil {
		if opts.Rand == nil {
			return nil, fmt.Errorf("postsel: ReducedCovTest requires an explicit random source")
		}
		sampler = affine.NewGibbsSampler(opts.Rand)
	}

	n, _ := x.Dims()
	eta := mat.NewVecDense(n, nil)
	eta.ScaleVec(res.Sign, x.ColView(res.Index))

	pv, err := sampler.SamplePValue(res.Constraint, y, eta, opts.NDraw, opts.Burnin, sigmaKnown)
	if err != nil {
		return nil, err
	}
	return &TestResult{Constraint: res.Constraint, PValue: pv, Index: res.Index, Sign: res.Sign}, nil
}

// ForwardStep runs NSteps rounds of forward stepwise selection and, at each
// step, two selection-adjusted p-values for the variable just chosen: the
// covariance test on the residualized, standardized data, and a Monte Carlo
// p-value conditioned on the full selection history so far. The returned
// slices both have length NSteps.
//
// Residualizing factorizations are recomputed from scratch every step.
func ForwardStep(x *mat.Dense, y *mat.VecDense, opts ForwardStepOptions) (covtestP, reducedP []float64, err error) {
	if opts.Rand == nil {
		return nil, nil, fmt.Errorf("postsel: ForwardStep requires an explicit random source")
	}
	nstep := opts.NSteps
	if nstep == 0 {
		nstep = 5
	}
	if nstep < 0 {
		return nil, nil, fmt.Errorf("postsel: nstep must be positive, got %d", nstep)
	}
	ndraw := opts.NDraw
	if ndraw == 0 {
		ndraw = 5000
	}
	if ndraw < 0 {
		return nil, nil, fmt.Errorf("postsel: ndraw must be positive, got %d", ndraw)
	}
	burnin := opts.Burnin
	if burnin == 0 {
		burnin = 1000
	}
	if burnin < 0 {
		return nil, nil, fmt.Errorf("postsel: burnin must be nonnegative, got %d", burnin)
	}
	sigma := opts.Sigma
	if sigma <= 0 {
		sigma = 1
	}

	n, _ := x.Dims()
	if y.Len() != n {
		return nil, nil, fmt.Errorf("postsel: response length %d does not match %d rows", y.Len(), n)
	}

	fs := stepwise.New(x, y)
	sampler := affine.NewGibbsSampler(opts.Rand)

	covtestP = make([]float64, 0, nstep)
	reducedP = make([]float64, 0, nstep)
	for i := 0; i < nstep; i++ {
		if err := fs.Advance(); err != nil {
			return nil, nil, err
		}

		// Residualize against everything selected before this step. The
		// covariance I - U U' reflects the degrees of freedom already
		// spent on prior conditioning.
		proj := fs.Projection(i)
		resX := mat.DenseCopyOf(x)
		resY := mat.VecDenseCopyOf(y)
		var cov *mat.Dense
		if proj != nil {
			resX.Sub(resX, proj.Apply(x))
			resY.SubVec(resY, proj.ApplyVec(y))

			u := proj.Basis()
			cov = mat.NewDense(n, n, nil)
			var uut mat.Dense
			uut.Mul(u, u.T())
			for a := 0; a < n; a++ {
				for b := 0; b < n; b++ {
					v := -uut.At(a, b)
					if a == b {
						v++
					}
					cov.Set(a, b, v)
				}
			}
		}

		// Residualization rescales columns; the test's geometry assumes
		// standardized correlations.
		standardizeColumns(resX)

		ctOpts := CovTestOptions{Sigma: sigma, Exact: opts.Exact}
		if cov != nil {
			ctOpts.Covariance = cov
		}
		res, err := CovTest(resX, resY, ctOpts)
		if err != nil {
			return nil, nil, err
		}
		covtestP = append(covtestP, res.PValue)

		// Monte Carlo p-value against the accumulated selection history,
		// conditioned for i > 0 on the observed projection onto the
		// previously selected subspace.
		eta := mat.NewVecDense(n, nil)
		eta.ScaleVec(res.Sign, resX.ColView(res.Index))

		acon := affine.NewConstraints(fs.ConstraintRows(), nil)
		if i > 0 {
			u := fs.Projection(i).Basis()
			_, k := u.Dims()
			uy := mat.NewVecDense(k, nil)
			uy.MulVec(u.T(), y)
			acon, err = acon.Conditional(u.T(), uy)
			if err != nil {
				return nil, nil, err
			}
		}
		acon = acon.ScaleCovariance(sigma * sigma)

		draws, err := sampler.Sample(acon, y, ndraw, burnin)
		if err != nil {
			return nil, nil, err
		}
		observed := mat.Dot(eta, y)
		count := 0
		for d := 0; d < ndraw; d++ {
			row := draws.RawRowView(d)
			stat := 0.0
			for a := 0; a < n; a++ {
				stat += row[a] * eta.AtVec(a)
			}
			if stat >= observed {
				count++
			}
		}
		reducedP = append(reducedP, float64(count)/float64(ndraw))
	}

	return covtestP, reducedP, nil
}

// selectEvent picks the column with the largest absolute correlation.
// Ties go to the lowest index; an exactly zero winner is an error.
func selectEvent(z *mat.VecDense) (idx int, sign float64, err error) {
	best := math.Abs(z.AtVec(0))
	idx = 0
	for j := 1; j < z.Len(); j++ {
		if a := math.Abs(z.AtVec(j)); a > best {
			best = a
			idx = j
		}
	}
	if best == 0 {
		return 0, 0, fmt.Errorf("postsel: observed correlation is zero, selection sign undefined")
	}
	sign = 1.0
	if z.AtVec(idx) < 0 {
		sign = -1.0
	}
	return idx, sign, nil
}

// standardizeColumns centers each column and divides by its population
// standard deviation, in place.
func standardizeColumns(x *mat.Dense) {
	n, p := x.Dims()
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		mean := stat.Mean(col, nil)
		ss := 0.0
		for i := 0; i < n; i++ {
			col[i] -= mean
			ss += col[i] * col[i]
		}
		sd := math.Sqrt(ss / float64(n))
		if sd > 0 {
			for i := 0; i < n; i++ {
				col[i] /= sd
			}
		}
		x.SetCol(j, col)
	}
}
