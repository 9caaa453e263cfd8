// Package postsel implements selection-adjusted hypothesis tests for the
// most correlated variable in linear regression: the exact spacings form of
// the covariance test, its exponential approximation, a sampling-based
// reduced form that works without a known noise scale, and a forward
// stepwise runner that applies the tests along a selection path.
package postsel

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"postsel/affine"
)

// TestResult is the outcome of one selection-adjusted test.
type TestResult struct {
	// Constraint is the polyhedral region conditioned on: exactly the set
	// of responses that reproduce the observed selection.
	Constraint *affine.Constraints

	// PValue is the test's p-value. Exact and Monte Carlo paths are in
	// [0,1]; the exponential approximation carries no such guarantee in
	// general.
	PValue float64

	// Index is the column achieving the maximal absolute correlation.
	Index int

	// Sign is the sign (+1 or -1) of the winning correlation.
	Sign float64
}

// CovTestOptions configures CovTest.
type CovTestOptions struct {
	// Sigma is the noise level. Values <= 0 mean the default of 1; Type I
	// error is off if the wrong value is used.
	Sigma float64

	// Exact selects the spacings test; otherwise the exponential
	// approximation is used.
	Exact bool

	// Covariance optionally pre-scales the constraint's covariance
	// (n x n). Nil means the identity.
	Covariance mat.Matrix
}

// ReducedCovTestOptions configures ReducedCovTest.
type ReducedCovTestOptions struct {
	// NDraw is how many samples are retained; must be positive.
	NDraw int

	// Burnin is how many iterations are discarded before recording;
	// must be nonnegative.
	Burnin int

	// Sigma, if positive, fixes the noise scale for the sampler.
	// Otherwise the scale is integrated out as a nuisance.
	Sigma float64

	// Covariance optionally replaces the identity covariance of the
	// selection cone.
	Covariance mat.Matrix

	// Rand drives the sampler; required unless Sampler is set.
	Rand *rand.Rand

	// Sampler overrides the default Gibbs sampler.
	Sampler Sampler
}

// ForwardStepOptions configures ForwardStep.
type ForwardStepOptions struct {
	// Sigma is the noise level; values <= 0 mean 1 wherever a scale is
	// needed.
	Sigma float64

	// NSteps is how many selection steps to run (default 5).
	NSteps int

	// Exact selects the exact covariance test at each step; otherwise the
	// exponential approximation.
	Exact bool

	// Burnin and NDraw control the per-step Monte Carlo p-value
	// (defaults 1000 and 5000).
	Burnin int
	NDraw  int

	// Rand drives the per-step sampling; required.
	Rand *rand.Rand
}

// Sampler produces Monte Carlo p-values over a truncated Gaussian law. The
// default implementation is affine.GibbsSampler.
type Sampler interface {
	SamplePValue(con *affine.Constraints, y, eta *mat.VecDense, ndraw, burnin int, sigmaKnown bool) (float64, error)
}

// InstanceOptions configures GaussianInstance.
type InstanceOptions struct {
	// N and P are the design dimensions.
	N, P int

	// Sparsity is how many leading coefficients are nonzero.
	Sparsity int

	// Rho is the equicorrelation of the design columns.
	Rho float64

	// Signal is the magnitude of each nonzero coefficient.
	Signal float64

	// Sigma is the noise level (default 1).
	Sigma float64

	// RandomSigns flips each nonzero coefficient's sign with probability
	// one half.
	RandomSigns bool
}

// Instance is a synthetic regression problem.
type Instance struct {
	X     *mat.Dense
	Y     *mat.VecDense
	Beta  *mat.VecDense
	Sigma float64

	// Active lists the indices with nonzero coefficients.
	Active []int
}

// CalibrationOptions configures CalibrateNull.
type CalibrationOptions struct {
	// Trials is the number of independent null datasets (default 500).
	Trials int

	// N and P are the per-trial design dimensions (defaults 20 and 5).
	N, P int

	// Sigma is the noise level used both to generate and to test
	// (default 1).
	Sigma float64

	// Exact selects the exact test per trial; otherwise the exponential
	// approximation.
	Exact bool

	// Seed seeds the master RNG that derives one seed per trial.
	Seed uint64

	// Workers caps the worker pool (default runtime.NumCPU).
	Workers int
}

// CalibrationResult holds the null p-value distribution from CalibrateNull.
type CalibrationResult struct {
	// PValues are the per-trial p-values, sorted ascending.
	PValues []float64

	// KS is the Kolmogorov-Smirnov distance between PValues and the
	// Uniform[0,1] distribution a calibrated test produces under the
	// null.
	KS float64
}
