package postsel

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"postsel/affine"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func stdNormalSF(x float64) float64 {
	return 0.5 * math.Erfc(x/math.Sqrt2)
}

// identityDesign embeds p orthonormal columns e_1..e_p into n rows.
func identityDesign(n, p int) *mat.Dense {
	x := mat.NewDense(n, p, nil)
	for j := 0; j < p; j++ {
		x.Set(j, j, 1)
	}
	return x
}

// ============================================================================
// EXACT COVARIANCE TEST
// ============================================================================

func TestCovTestClosedForm(t *testing.T) {
	// Two orthonormal columns with correlations (2, 0.5): column 0 wins
	// with positive sign, and the truncation interval for its correlation
	// is [0.5, Inf), so the exact p-value is Q(2)/Q(0.5).
	x := identityDesign(2, 2)
	y := mat.NewVecDense(2, []float64{2, 0.5})

	res, err := CovTest(x, y, CovTestOptions{Exact: true})
	if err != nil {
		t.Fatalf("CovTest returned error: %v", err)
	}
	if res.Index != 0 {
		t.Errorf("Index = %d, want 0", res.Index)
	}
	if res.Sign != 1 {
		t.Errorf("Sign = %v, want 1", res.Sign)
	}
	want := stdNormalSF(2) / stdNormalSF(0.5)
	if !almostEqual(res.PValue, want, 1e-10) {
		t.Errorf("PValue = %v, want %v", res.PValue, want)
	}
	if m, n := res.Constraint.Dims(); m != 3 || n != 2 {
		t.Errorf("constraint is %dx%d, want 3x2", m, n)
	}
}

func TestCovTestSingleColumn(t *testing.T) {
	// With one column the only conditioning is on the sign, so the
	// truncation interval is [0, Inf).
	x := identityDesign(3, 1)
	y := mat.NewVecDense(3, []float64{1.2, 0.4, 0})

	res, err := CovTest(x, y, CovTestOptions{Exact: true})
	if err != nil {
		t.Fatalf("CovTest returned error: %v", err)
	}
	want := stdNormalSF(1.2) / stdNormalSF(0)
	if !almostEqual(res.PValue, want, 1e-10) {
		t.Errorf("PValue = %v, want %v", res.PValue, want)
	}
}

func TestCovTestSigmaScaling(t *testing.T) {
	// Doubling sigma halves every standardized quantity.
	x := identityDesign(2, 2)
	y := mat.NewVecDense(2, []float64{2, 0.5})

	res, err := CovTest(x, y, CovTestOptions{Exact: true, Sigma: 2})
	if err != nil {
		t.Fatalf("CovTest returned error: %v", err)
	}
	want := stdNormalSF(1) / stdNormalSF(0.25)
	if !almostEqual(res.PValue, want, 1e-10) {
		t.Errorf("PValue at sigma=2 = %v, want %v", res.PValue, want)
	}
}

func TestCovTestNullPValueRange(t *testing.T) {
	rng := rand.New(rand.NewSource(2024))
	for rep := 0; rep < 200; rep++ {
		inst, err := GaussianInstance(InstanceOptions{N: 20, P: 5}, rng)
		if err != nil {
			t.Fatalf("GaussianInstance returned error: %v", err)
		}
		for _, exact := range []bool{true, false} {
			res, err := CovTest(inst.X, inst.Y, CovTestOptions{Exact: exact})
			if err != nil {
				t.Fatalf("rep %d exact=%v: CovTest returned error: %v", rep, exact, err)
			}
			if math.IsNaN(res.PValue) || res.PValue < 0 || res.PValue > 1 {
				t.Fatalf("rep %d exact=%v: PValue = %v, want value in [0,1]", rep, exact, res.PValue)
			}
		}
	}
}

func TestCovTestApproximationConverges(t *testing.T) {
	// The exponential approximation approaches the exact spacings p-value
	// as the winning correlation moves into the tail with the runner-up
	// close behind.
	cases := []struct{ v, l float64 }{
		{2, 1.5},
		{5, 4.9},
		{8, 7.95},
	}
	prevDiff := math.Inf(1)
	for _, c := range cases {
		x := identityDesign(500, 2)
		y := mat.NewVecDense(500, nil)
		y.SetVec(0, c.v)
		y.SetVec(1, c.l)

		exact, err := CovTest(x, y, CovTestOptions{Exact: true})
		if err != nil {
			t.Fatalf("exact CovTest at v=%v returned error: %v", c.v, err)
		}
		approx, err := CovTest(x, y, CovTestOptions{})
		if err != nil {
			t.Fatalf("approximate CovTest at v=%v returned error: %v", c.v, err)
		}
		if approx.PValue < 0 || approx.PValue > 1 {
			t.Fatalf("approximate PValue = %v at v=%v, want value in [0,1]", approx.PValue, c.v)
		}

		diff := math.Abs(approx.PValue - exact.PValue)
		if diff >= prevDiff {
			t.Errorf("approximation error grew from %v to %v at v=%v", prevDiff, diff, c.v)
		}
		if diff > 0.05 {
			t.Errorf("approximation error %v at v=%v, want < 0.05", diff, c.v)
		}
		prevDiff = diff
	}
}

func TestCovTestPermutationInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	n, p := 15, 6
	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
		y.SetVec(i, rng.NormFloat64())
	}

	base, err := CovTest(x, y, CovTestOptions{Exact: true})
	if err != nil {
		t.Fatalf("CovTest returned error: %v", err)
	}

	// Rotate the columns; the winner must follow its column.
	const shift = 2
	xp := mat.NewDense(n, p, nil)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		xp.SetCol((j+shift)%p, col)
	}

	perm, err := CovTest(xp, y, CovTestOptions{Exact: true})
	if err != nil {
		t.Fatalf("CovTest on permuted design returned error: %v", err)
	}
	if perm.Index != (base.Index+shift)%p {
		t.Errorf("permuted Index = %d, want %d", perm.Index, (base.Index+shift)%p)
	}
	if perm.Sign != base.Sign {
		t.Errorf("permuted Sign = %v, want %v", perm.Sign, base.Sign)
	}
	if !almostEqual(perm.PValue, base.PValue, 1e-10) {
		t.Errorf("permuted PValue = %v, want %v", perm.PValue, base.PValue)
	}
}

func TestSelectEvent(t *testing.T) {
	z := mat.NewVecDense(3, []float64{-1.5, 1.5, 0.5})
	idx, sign, err := selectEvent(z)
	if err != nil {
		t.Fatalf("selectEvent returned error: %v", err)
	}
	if idx != 0 {
		t.Errorf("tied maximum selected index %d, want lowest index 0", idx)
	}
	if sign != -1 {
		t.Errorf("sign = %v, want -1", sign)
	}

	if _, _, err := selectEvent(mat.NewVecDense(2, nil)); err == nil {
		t.Errorf("selectEvent of a zero vector should fail")
	}
}

func TestCovTestErrors(t *testing.T) {
	x := identityDesign(3, 1)

	if _, err := CovTest(x, mat.NewVecDense(2, nil), CovTestOptions{}); err == nil {
		t.Errorf("mismatched response length should fail")
	}

	// Response orthogonal to the only column: the selection sign is
	// undefined.
	y := mat.NewVecDense(3, []float64{0, 1, 0})
	if _, err := CovTest(x, y, CovTestOptions{Exact: true}); err == nil {
		t.Errorf("zero observed correlation should fail")
	}
}

// ============================================================================
// REDUCED COVARIANCE TEST
// ============================================================================

// recordingSampler is a Sampler stub that records its arguments.
type recordingSampler struct {
	con        *affine.Constraints
	eta        *mat.VecDense
	ndraw      int
	burnin     int
	sigmaKnown bool
}

func (s *recordingSampler) SamplePValue(con *affine.Constraints, y, eta *mat.VecDense, ndraw, burnin int, sigmaKnown bool) (float64, error) {
	s.con = con
	s.eta = mat.VecDenseCopyOf(eta)
	s.ndraw = ndraw
	s.burnin = burnin
	s.sigmaKnown = sigmaKnown
	return 0.42, nil
}

func TestReducedCovTestValidation(t *testing.T) {
	x := identityDesign(2, 2)
	y := mat.NewVecDense(2, []float64{2, 0.5})
	rng := rand.New(rand.NewSource(1))

	if _, err := ReducedCovTest(x, y, ReducedCovTestOptions{NDraw: 0, Burnin: 10, Rand: rng}); err == nil {
		t.Errorf("NDraw=0 should fail")
	}
	if _, err := ReducedCovTest(x, y, ReducedCovTestOptions{NDraw: 10, Burnin: -1, Rand: rng}); err == nil {
		t.Errorf("negative Burnin should fail")
	}
	if _, err := ReducedCovTest(x, y, ReducedCovTestOptions{NDraw: 10, Burnin: 10}); err == nil {
		t.Errorf("missing random source should fail")
	}
}

func TestReducedCovTestSamplerOverride(t *testing.T) {
	x := identityDesign(2, 2)
	y := mat.NewVecDense(2, []float64{2, 0.5})

	rec := &recordingSampler{}
	res, err := ReducedCovTest(x, y, ReducedCovTestOptions{NDraw: 100, Burnin: 10, Sigma: 1, Sampler: rec})
	if err != nil {
		t.Fatalf("ReducedCovTest returned error: %v", err)
	}
	if res.PValue != 0.42 {
		t.Errorf("PValue = %v, want the sampler's 0.42", res.PValue)
	}
	if res.Index != 0 || res.Sign != 1 {
		t.Errorf("selection = (%d, %v), want (0, 1)", res.Index, res.Sign)
	}
	if rec.ndraw != 100 || rec.burnin != 10 {
		t.Errorf("sampler received ndraw=%d burnin=%d, want 100 and 10", rec.ndraw, rec.burnin)
	}
	if !rec.sigmaKnown {
		t.Errorf("sigmaKnown = false with Sigma set, want true")
	}
	if !almostEqual(rec.eta.AtVec(0), 1, 1e-12) || !almostEqual(rec.eta.AtVec(1), 0, 1e-12) {
		t.Errorf("sampler received eta = (%v, %v), want (1, 0)", rec.eta.AtVec(0), rec.eta.AtVec(1))
	}
	if m, nc := rec.con.Dims(); m != 3 || nc != 2 {
		t.Errorf("sampler received %dx%d constraints, want 3x2", m, nc)
	}

	// Without Sigma the scale is a nuisance.
	rec = &recordingSampler{}
	if _, err := ReducedCovTest(x, y, ReducedCovTestOptions{NDraw: 100, Burnin: 10, Sampler: rec}); err != nil {
		t.Fatalf("ReducedCovTest returned error: %v", err)
	}
	if rec.sigmaKnown {
		t.Errorf("sigmaKnown = true with Sigma unset, want false")
	}
}

func TestReducedCovTestConvergesToExact(t *testing.T) {
	// Sampling the full cone approximates the exact pivot up to the gap
	// between conditioning on the cone and conditioning on the orthogonal
	// complement; the Monte Carlo error on top of that gap shrinks with
	// the number of draws.
	x := identityDesign(2, 2)
	y := mat.NewVecDense(2, []float64{1.2, 0.4})

	exact, err := CovTest(x, y, CovTestOptions{Exact: true, Sigma: 1})
	if err != nil {
		t.Fatalf("CovTest returned error: %v", err)
	}

	prevDiff := math.Inf(1)
	for _, ndraw := range []int{500, 5000, 50000} {
		res, err := ReducedCovTest(x, y, ReducedCovTestOptions{
			NDraw:  ndraw,
			Burnin: 1000,
			Sigma:  1,
			Rand:   rand.New(rand.NewSource(uint64(ndraw))),
		})
		if err != nil {
			t.Fatalf("ReducedCovTest at ndraw=%d returned error: %v", ndraw, err)
		}
		if res.PValue < 0 || res.PValue > 1 {
			t.Fatalf("PValue = %v at ndraw=%d, want value in [0,1]", res.PValue, ndraw)
		}
		diff := math.Abs(res.PValue - exact.PValue)
		if diff > prevDiff+0.05 {
			t.Errorf("difference to the exact pivot grew from %v to %v at ndraw=%d", prevDiff, diff, ndraw)
		}
		prevDiff = diff
	}
	if prevDiff > 0.1 {
		t.Errorf("difference to the exact pivot at 50000 draws = %v, want < 0.1", prevDiff)
	}
}

func TestReducedCovTestUnknownSigma(t *testing.T) {
	// With two orthonormal columns the cone is the wedge |z2| <= z1, and
	// after rescaling to the observed radius the statistic depends only on
	// the draw's angle, uniform over the wedge. The limit is the fraction
	// of the wedge angle beyond the observed direction.
	x := identityDesign(2, 2)
	y := mat.NewVecDense(2, []float64{1.2, 0.4})

	res, err := ReducedCovTest(x, y, ReducedCovTestOptions{
		NDraw:  6000,
		Burnin: 1000,
		Rand:   rand.New(rand.NewSource(5)),
	})
	if err != nil {
		t.Fatalf("ReducedCovTest returned error: %v", err)
	}
	want := 2 * math.Atan(0.4/1.2) / (math.Pi / 2)
	if !almostEqual(res.PValue, want, 0.04) {
		t.Errorf("PValue = %v, want %v within 0.04", res.PValue, want)
	}
}
