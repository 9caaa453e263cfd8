package postsel

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// GaussianInstance generates a synthetic regression problem: an
// equicorrelated Gaussian design with centered, unit-norm columns, a sparse
// coefficient vector, and Gaussian noise. With Sparsity zero the instance
// is a global null (y independent of every column).
func GaussianInstance(opts InstanceOptions, rng *rand.Rand) (*Instance, error) {
	if rng == nil {
		return nil, fmt.Errorf("postsel: GaussianInstance requires an explicit random source")
	}
	n, p := opts.N, opts.P
	if n < 2 || p < 1 {
		return nil, fmt.Errorf("postsel: instance needs n >= 2 and p >= 1, got n=%d p=%d", n, p)
	}
	if opts.Sparsity < 0 || opts.Sparsity > p {
		return nil, fmt.Errorf("postsel: sparsity %d out of range [0,%d]", opts.Sparsity, p)
	}
	if opts.Rho < 0 || opts.Rho >= 1 {
		return nil, fmt.Errorf("postsel: equicorrelation %g out of range [0,1)", opts.Rho)
	}
	sigma := opts.Sigma
	if sigma <= 0 {
		sigma = 1
	}

	// Equicorrelated columns: sqrt(1-rho) * noise + sqrt(rho) * shared.
	x := mat.NewDense(n, p, nil)
	shared := make([]float64, n)
	for i := range shared {
		shared[i] = rng.NormFloat64()
	}
	a := math.Sqrt(1 - opts.Rho)
	b := math.Sqrt(opts.Rho)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			x.Set(i, j, a*rng.NormFloat64()+b*shared[i])
		}
	}

	// Center and scale every column to unit norm so correlations are
	// comparable across columns.
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		mean := 0.0
		for _, v := range col {
			mean += v
		}
		mean /= float64(n)
		norm := 0.0
		for i := range col {
			col[i] -= mean
			norm += col[i] * col[i]
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return nil, fmt.Errorf("postsel: generated a zero design column")
		}
		for i := range col {
			col[i] /= norm
		}
		x.SetCol(j, col)
	}

	beta := mat.NewVecDense(p, nil)
	active := make([]int, 0, opts.Sparsity)
	for j := 0; j < opts.Sparsity; j++ {
		v := opts.Signal
		if opts.RandomSigns && rng.Float64() < 0.5 {
			v = -v
		}
		beta.SetVec(j, v)
		active = append(active, j)
	}

	y := mat.NewVecDense(n, nil)
	y.MulVec(x, beta)
	for i := 0; i < n; i++ {
		y.SetVec(i, y.AtVec(i)+sigma*rng.NormFloat64())
	}

	return &Instance{X: x, Y: y, Beta: beta, Sigma: sigma, Active: active}, nil
}
