// Package affine implements polyhedral constraints of the form {z : Az <= b}
// on a Gaussian vector, together with the conditional inference primitives
// built on them: exact truncated-Gaussian pivots, truncation bounds for a
// direction of interest, conditional slices, and Gibbs sampling from the
// constrained law.
package affine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Alternative selects the tail of a pivot.
type Alternative int

const (
	Greater Alternative = iota
	Less
	TwoSided
)

// Rows with a smaller relative interaction with the direction of interest
// do not constrain the truncation interval.
const boundsTol = 1e-4

// containsSlack is how far a point may violate a constraint row and still
// count as feasible.
const containsSlack = 1e-8

// Constraints is the region {z : Az <= b} paired with the Gaussian law
// N(mean, covariance) being truncated to it. A value is immutable after
// construction; derived laws (scaled covariance, conditional slices) are
// returned as new handles so a shared handle is never changed underfoot.
type Constraints struct {
	linear *mat.Dense    // m x n
	offset *mat.VecDense // length m
	mean   *mat.VecDense // length n
	cov    *mat.Dense    // n x n
}

// NewConstraints builds the region {z : Az <= b} with a standard Gaussian
// law (zero mean, identity covariance). A nil b means a zero offset.
func NewConstraints(a mat.Matrix, b *mat.VecDense) *Constraints {
	m, n := a.Dims()

	offset := mat.NewVecDense(m, nil)
	if b != nil {
		if b.Len() != m {
			panic(fmt.Sprintf("affine: offset length %d does not match %d rows", b.Len(), m))
		}
		offset.CopyVec(b)
	}

	cov := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		cov.Set(i, i, 1.0)
	}

	return &Constraints{
		linear: mat.DenseCopyOf(a),
		offset: offset,
		mean:   mat.NewVecDense(n, nil),
		cov:    cov,
	}
}

// WithCovariance returns a new handle with the given covariance; the linear
// part, offset and mean are shared values, copied so neither handle can
// alias the other.
func (c *Constraints) WithCovariance(cov mat.Matrix) *Constraints {
	_, n := c.linear.Dims()
	cr, cc := cov.Dims()
	if cr != n || cc != n {
		panic(fmt.Sprintf("affine: covariance is %dx%d, want %dx%d", cr, cc, n, n))
	}
	out := c.clone()
	out.cov = mat.DenseCopyOf(cov)
	return out
}

// WithMean returns a new handle with the given Gaussian mean.
func (c *Constraints) WithMean(mu *mat.VecDense) *Constraints {
	_, n := c.linear.Dims()
	if mu.Len() != n {
		panic(fmt.Sprintf("affine: mean length %d, want %d", mu.Len(), n))
	}
	out := c.clone()
	out.mean = mat.VecDenseCopyOf(mu)
	return out
}

// ScaleCovariance returns a new handle whose covariance is f times this
// one's. The receiver is not modified.
func (c *Constraints) ScaleCovariance(f float64) *Constraints {
	out := c.clone()
	out.cov.Scale(f, c.cov)
	return out
}

func (c *Constraints) clone() *Constraints {
	return &Constraints{
		linear: mat.DenseCopyOf(c.linear),
		offset: mat.VecDenseCopyOf(c.offset),
		mean:   mat.VecDenseCopyOf(c.mean),
		cov:    mat.DenseCopyOf(c.cov),
	}
}

// Dims returns the number of rows m and the ambient dimension n.
func (c *Constraints) Dims() (m, n int) {
	return c.linear.Dims()
}

// Linear returns a copy of the m x n constraint matrix.
func (c *Constraints) Linear() *mat.Dense { return mat.DenseCopyOf(c.linear) }

// Offset returns a copy of the offset vector b.
func (c *Constraints) Offset() *mat.VecDense { return mat.VecDenseCopyOf(c.offset) }

// Mean returns a copy of the Gaussian mean.
func (c *Constraints) Mean() *mat.VecDense { return mat.VecDenseCopyOf(c.mean) }

// Covariance returns a copy of the Gaussian covariance.
func (c *Constraints) Covariance() *mat.Dense { return mat.DenseCopyOf(c.cov) }

// Contains reports whether y satisfies every constraint row up to a small
// slack.
func (c *Constraints) Contains(y *mat.VecDense) bool {
	m, n := c.linear.Dims()
	if y.Len() != n {
		return false
	}
	var ay mat.VecDense
	ay.MulVec(c.linear, y)
	for i := 0; i < m; i++ {
		if ay.AtVec(i)-c.offset.AtVec(i) > containsSlack {
			return false
		}
	}
	return true
}

// Bounds computes the truncation interval for eta'Y implied by the region
// when the part of Y orthogonal to eta (under the covariance inner product)
// is held at its observed value. It returns the lower truncation limit, the
// observed value eta'y, the upper truncation limit and the standard
// deviation of eta'Y. Limits may be infinite when no row constrains the
// corresponding side.
func (c *Constraints) Bounds(eta, y *mat.VecDense) (lower, value, upper, scale float64, err error) {
	m, n := c.linear.Dims()
	if eta.Len() != n || y.Len() != n {
		return 0, 0, 0, 0, fmt.Errorf("affine: direction length %d, point length %d, want %d", eta.Len(), y.Len(), n)
	}

	// w = Sigma * eta, s2 = eta' Sigma eta
	var w mat.VecDense
	w.MulVec(c.cov, eta)
	s2 := mat.Dot(eta, &w)
	if s2 <= 0 || math.IsNaN(s2) {
		return 0, 0, 0, 0, fmt.Errorf("affine: degenerate scale %g for direction of interest", s2)
	}
	scale = math.Sqrt(s2)
	value = mat.Dot(eta, y)

	// Per-row slack and interaction with the direction.
	var ay, aw mat.VecDense
	ay.MulVec(c.linear, y)
	aw.MulVec(c.linear, &w)

	alpha := make([]float64, m)
	maxAbs := 0.0
	for i := 0; i < m; i++ {
		alpha[i] = aw.AtVec(i) / s2
		if a := math.Abs(alpha[i]); a > maxAbs {
			maxAbs = a
		}
	}

	lower = math.Inf(-1)
	upper = math.Inf(1)
	tol := boundsTol * maxAbs
	for i := 0; i < m; i++ {
		if math.Abs(alpha[i]) <= tol {
			continue
		}
		slack := ay.AtVec(i) - c.offset.AtVec(i)
		bound := value - slack/alpha[i]
		if alpha[i] > 0 {
			if bound < upper {
				upper = bound
			}
		} else {
			if bound > lower {
				lower = bound
			}
		}
	}

	return lower, value, upper, scale, nil
}

// Pivot returns the exact conditional tail probability of eta'Y given the
// region, for the requested alternative. The result is in [0, 1].
func (c *Constraints) Pivot(eta, y *mat.VecDense, alt Alternative) (float64, error) {
	lower, value, upper, scale, err := c.Bounds(eta, y)
	if err != nil {
		return 0, err
	}
	meanValue := mat.Dot(eta, c.mean)

	p := truncNormCDF((value-meanValue)/scale, (lower-meanValue)/scale, (upper-meanValue)/scale)
	switch alt {
	case Greater:
		p = 1 - p
	case Less:
		// p as computed
	case TwoSided:
		p = 2 * math.Min(p, 1-p)
	default:
		return 0, fmt.Errorf("affine: unknown alternative %d", alt)
	}
	return clamp01(p), nil
}

// Conditional returns the law of Y conditioned on U*Y = uy: the same
// inequalities, with the Gaussian mean and covariance replaced by their
// conditional counterparts. U is k x n.
func (c *Constraints) Conditional(u mat.Matrix, uy *mat.VecDense) (*Constraints, error) {
	_, n := c.linear.Dims()
	k, un := u.Dims()
	if un != n {
		return nil, fmt.Errorf("affine: conditioning matrix is %dx%d, want %d columns", k, un, n)
	}
	if uy.Len() != k {
		return nil, fmt.Errorf("affine: conditioning value length %d, want %d", uy.Len(), k)
	}

	// M1 = Sigma U', M2 = U Sigma U'
	var m1, m2 mat.Dense
	m1.Mul(c.cov, u.T())
	m2.Mul(u, &m1)

	m2inv, err := pseudoInverse(&m2)
	if err != nil {
		return nil, err
	}

	// mean' = mean + M1 M2^+ (uy - U mean)
	var umean mat.VecDense
	umean.MulVec(u, c.mean)
	resid := mat.NewVecDense(k, nil)
	resid.SubVec(uy, &umean)

	var shift, adj mat.VecDense
	shift.MulVec(m2inv, resid)
	adj.MulVec(&m1, &shift)

	newMean := mat.NewVecDense(n, nil)
	newMean.AddVec(c.mean, &adj)

	// cov' = Sigma - M1 M2^+ M1'
	var tmp, delta mat.Dense
	tmp.Mul(&m1, m2inv)
	delta.Mul(&tmp, m1.T())

	newCov := mat.NewDense(n, n, nil)
	newCov.Sub(c.cov, &delta)

	out := c.clone()
	out.mean = newMean
	out.cov = newCov
	return out, nil
}

// pseudoInverse computes the Moore-Penrose pseudo-inverse via a thin SVD,
// dropping singular values below a relative tolerance.
func pseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	r, cc := a.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("affine: SVD factorization failed for %dx%d matrix", r, cc)
	}

	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	tol := 1e-12
	if len(values) > 0 {
		tol *= values[0] * math.Max(float64(r), float64(cc))
	}

	k := len(values)
	scaled := mat.NewDense(cc, k, nil)
	for j := 0; j < k; j++ {
		inv := 0.0
		if values[j] > tol {
			inv = 1 / values[j]
		}
		for i := 0; i < cc; i++ {
			scaled.Set(i, j, v.At(i, j)*inv)
		}
	}

	out := mat.NewDense(cc, r, nil)
	out.Mul(scaled, u.T())
	return out, nil
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
