package affine

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// GibbsSampler draws from a Gaussian law truncated to a polyhedral region
// by hit-and-run over the whitened coordinates. The random source is
// explicit: two samplers built from equally-seeded sources produce
// identical draws.
type GibbsSampler struct {
	rng *rand.Rand
}

// NewGibbsSampler returns a sampler driven by rng.
func NewGibbsSampler(rng *rand.Rand) *GibbsSampler {
	return &GibbsSampler{rng: rng}
}

// Sample runs the chain started at y and returns ndraw successive states
// (one per row) after discarding burnin iterations. Each iteration
// resamples a single whitened coordinate from its exact one-dimensional
// truncated normal conditional. y must lie inside the region and in the
// support of the Gaussian law; a rank-deficient covariance (as produced by
// Conditional) confines the chain to the corresponding affine slice.
func (g *GibbsSampler) Sample(con *Constraints, y *mat.VecDense, ndraw, burnin int) (*mat.Dense, error) {
	if g.rng == nil {
		return nil, fmt.Errorf("affine: sampler requires an explicit random source")
	}
	if ndraw <= 0 {
		return nil, fmt.Errorf("affine: ndraw must be positive, got %d", ndraw)
	}
	if burnin < 0 {
		return nil, fmt.Errorf("affine: burnin must be nonnegative, got %d", burnin)
	}
	m, n := con.linear.Dims()
	if y.Len() != n {
		return nil, fmt.Errorf("affine: starting point has length %d, want %d", y.Len(), n)
	}
	if !con.Contains(y) {
		return nil, fmt.Errorf("affine: starting point violates the constraints")
	}

	basis, scales, err := covFactor(con.cov)
	if err != nil {
		return nil, err
	}
	r := len(scales)

	// Whitened coordinates of the start: u0_j = q_j . (y - mean) / sqrt(l_j).
	centered := mat.NewVecDense(n, nil)
	centered.SubVec(y, con.mean)

	u := make([]float64, r)
	for j := 0; j < r; j++ {
		u[j] = mat.Dot(basis.ColView(j), centered) / scales[j]
	}

	// L = basis * diag(scales); state in data space is z = mean + L u.
	l := mat.NewDense(n, r, nil)
	for j := 0; j < r; j++ {
		for i := 0; i < n; i++ {
			l.Set(i, j, basis.At(i, j)*scales[j])
		}
	}

	z := make([]float64, n)
	for i := 0; i < n; i++ {
		z[i] = con.mean.AtVec(i)
		for j := 0; j < r; j++ {
			z[i] += l.At(i, j) * u[j]
		}
	}

	// Whitened constraints: (A L) u <= b - A mean, with slack maintained
	// incrementally.
	var al mat.Dense
	al.Mul(con.linear, l)
	var amean mat.VecDense
	amean.MulVec(con.linear, con.mean)

	slack := make([]float64, m)
	for i := 0; i < m; i++ {
		s := con.offset.AtVec(i) - amean.AtVec(i)
		for j := 0; j < r; j++ {
			s -= al.At(i, j) * u[j]
		}
		if s < 0 {
			s = 0
		}
		slack[i] = s
	}

	out := mat.NewDense(ndraw, n, nil)
	total := burnin + ndraw
	for it := 0; it < total; it++ {
		// One iteration is a random scan: r single-coordinate updates,
		// each an exact draw from that coordinate's truncated conditional.
		for c := 0; c < r; c++ {
			k := g.rng.Intn(r)

			lower := math.Inf(-1)
			upper := math.Inf(1)
			for i := 0; i < m; i++ {
				aik := al.At(i, k)
				if math.Abs(aik) <= 1e-12 {
					continue
				}
				bound := u[k] + slack[i]/aik
				if aik > 0 {
					if bound < upper {
						upper = bound
					}
				} else if bound > lower {
					lower = bound
				}
			}

			t := sampleTruncStdNormal(g.rng, lower, upper)
			delta := t - u[k]
			u[k] = t
			for i := 0; i < m; i++ {
				slack[i] -= al.At(i, k) * delta
				if slack[i] < 0 {
					slack[i] = 0
				}
			}
			for i := 0; i < n; i++ {
				z[i] += l.At(i, k) * delta
			}
		}

		if it >= burnin {
			out.SetRow(it-burnin, z)
		}
	}

	return out, nil
}

// SamplePValue estimates P(eta'Z >= eta'y) for Z drawn from the truncated
// law, the Monte Carlo counterpart of Constraints.Pivot with the Greater
// alternative. With sigmaKnown=false the noise scale is removed by
// rescaling every draw to the observed radius |y|; that is exact for the
// zero-offset, zero-mean, isotropic-covariance cones produced by selection
// events, where the direction of a truncated draw is independent of its
// length, and is refused for anything that is not such a cone.
func (g *GibbsSampler) SamplePValue(con *Constraints, y, eta *mat.VecDense, ndraw, burnin int, sigmaKnown bool) (float64, error) {
	if !sigmaKnown && !con.isCenteredCone() {
		return 0, fmt.Errorf("affine: scale-free sampling requires a zero-offset cone with zero mean")
	}

	draws, err := g.Sample(con, y, ndraw, burnin)
	if err != nil {
		return 0, err
	}

	observed := mat.Dot(eta, y)
	radius := mat.Norm(y, 2)

	n := y.Len()
	count := 0
	for d := 0; d < ndraw; d++ {
		row := draws.RawRowView(d)
		stat := 0.0
		norm2 := 0.0
		for i := 0; i < n; i++ {
			stat += row[i] * eta.AtVec(i)
			norm2 += row[i] * row[i]
		}
		if !sigmaKnown && norm2 > 0 {
			stat *= radius / math.Sqrt(norm2)
		}
		if stat >= observed {
			count++
		}
	}
	return float64(count) / float64(ndraw), nil
}

// isCenteredCone reports whether the region is a cone through the origin
// carrying a zero-mean isotropic Gaussian. That is the setting where the
// direction of a truncated draw is independent of its length, which the
// radius-rescaling in SamplePValue relies on.
func (c *Constraints) isCenteredCone() bool {
	m, n := c.linear.Dims()
	for i := 0; i < m; i++ {
		if math.Abs(c.offset.AtVec(i)) > 1e-12 {
			return false
		}
	}
	for i := 0; i < n; i++ {
		if math.Abs(c.mean.AtVec(i)) > 1e-12 {
			return false
		}
	}
	v := c.cov.At(0, 0)
	if v <= 0 {
		return false
	}
	tol := 1e-12 * v
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := 0.0
			if i == j {
				want = v
			}
			if math.Abs(c.cov.At(i, j)-want) > tol {
				return false
			}
		}
	}
	return true
}

// covFactor eigendecomposes the (symmetrized) covariance and returns the
// eigenvectors with meaningfully positive eigenvalues plus the square roots
// of those eigenvalues, so cov ~= basis diag(scales^2) basis'.
func covFactor(cov *mat.Dense) (*mat.Dense, []float64, error) {
	n, _ := cov.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(cov.At(i, j)+cov.At(j, i)))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, nil, fmt.Errorf("affine: eigendecomposition of covariance failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	maxVal := 0.0
	for _, v := range values {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal <= 0 {
		return nil, nil, fmt.Errorf("affine: covariance has no positive spectrum")
	}

	tol := 1e-10 * maxVal
	keep := make([]int, 0, n)
	for j, v := range values {
		if v > tol {
			keep = append(keep, j)
		}
	}

	basis := mat.NewDense(n, len(keep), nil)
	scales := make([]float64, len(keep))
	for c, j := range keep {
		scales[c] = math.Sqrt(values[j])
		for i := 0; i < n; i++ {
			basis.Set(i, c, vectors.At(i, j))
		}
	}
	return basis, scales, nil
}
