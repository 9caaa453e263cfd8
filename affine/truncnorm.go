package affine

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// truncNormCDF evaluates P(Z <= z | a <= Z <= b) for a standard normal Z.
// The interesting regime here is intervals deep in a tail, where the naive
// ratio of CDFs loses all precision; those cases are routed through
// survival functions and, past the point where even those underflow, a
// log-scale asymptotic expansion.
func truncNormCDF(z, a, b float64) float64 {
	if z <= a {
		return 0
	}
	if z >= b {
		return 1
	}

	switch {
	case a >= 0:
		// Interval in the upper tail: work with survival functions.
		// P = (Q(a) - Q(z)) / (Q(a) - Q(b)) = (1 - Q(z)/Q(a)) / (1 - Q(b)/Q(a)).
		qa := normSurvival(a)
		qb := normSurvival(b)
		qz := normSurvival(z)
		if qa > 1e-280 {
			return clamp01((qa - qz) / (qa - qb))
		}
		rz := math.Exp(logStdNormSF(z) - logStdNormSF(a))
		rb := 0.0
		if !math.IsInf(b, 1) {
			rb = math.Exp(logStdNormSF(b) - logStdNormSF(a))
		}
		if 1-rb <= 0 {
			return clamp01(1 - rz)
		}
		return clamp01((1 - rz) / (1 - rb))
	case b <= 0:
		// Lower tail: reflect.
		return clamp01(1 - truncNormCDF(-z, -b, -a))
	default:
		// Interval straddles zero; plain CDFs are well conditioned.
		pa := distuv.UnitNormal.CDF(a)
		pb := distuv.UnitNormal.CDF(b)
		pz := distuv.UnitNormal.CDF(z)
		den := pb - pa
		if den <= 0 {
			return 0.5
		}
		return clamp01((pz - pa) / den)
	}
}

// normSurvival is the standard normal survival function Q(x). Computed
// through erfc, which keeps full relative precision far into the tail;
// the CDF complement 1-Phi(x) quantizes past x ~ 6 and dies at x ~ 8.3.
func normSurvival(x float64) float64 {
	return 0.5 * math.Erfc(x/math.Sqrt2)
}

// logStdNormSF is log Q(x) for the standard normal survival function,
// switching to the continued-fraction style expansion once Q(x) itself is
// accurate but its log would lose precision through underflow.
func logStdNormSF(x float64) float64 {
	if x < 8 {
		return math.Log(normSurvival(x))
	}
	x2 := x * x
	return -0.5*x2 - 0.5*math.Log(2*math.Pi) - math.Log(x) + math.Log1p(-1/x2+3/(x2*x2))
}

// sampleTruncStdNormal draws from a standard normal restricted to
// [lower, upper]. Either limit may be infinite. Moderate intervals use
// inverse-CDF sampling; intervals deep in a tail use Robert's translated
// exponential rejection sampler.
func sampleTruncStdNormal(rng *rand.Rand, lower, upper float64) float64 {
	if lower > upper {
		lower, upper = upper, lower
	}

	const tailCut = 5.0
	switch {
	case lower >= tailCut:
		return tailSample(rng, lower, upper)
	case upper <= -tailCut:
		return -tailSample(rng, -upper, -lower)
	}

	pl := 0.0
	if !math.IsInf(lower, -1) {
		pl = distuv.UnitNormal.CDF(lower)
	}
	pu := 1.0
	if !math.IsInf(upper, 1) {
		pu = distuv.UnitNormal.CDF(upper)
	}
	if pu-pl > 1e-12 {
		u := pl + rng.Float64()*(pu-pl)
		if u < 1e-300 {
			u = 1e-300
		}
		if u > 1-1e-16 {
			u = 1 - 1e-16
		}
		return distuv.UnitNormal.Quantile(u)
	}

	// Nearly massless interval: the density is monotone toward the
	// boundary closest to zero.
	if lower >= 0 {
		return tailSample(rng, lower, upper)
	}
	return -tailSample(rng, -upper, -lower)
}

// tailSample draws Z | lower <= Z <= upper with lower >= 0 using the
// translated exponential proposal of Robert (1995).
func tailSample(rng *rand.Rand, lower, upper float64) float64 {
	a := lower
	alpha := (a + math.Sqrt(a*a+4)) / 2
	for it := 0; it < 10000; it++ {
		z := a - math.Log(1-rng.Float64())/alpha
		if z > upper {
			continue
		}
		d := z - alpha
		if rng.Float64() <= math.Exp(-d*d/2) {
			return z
		}
	}
	// The interval is so short that rejection kept missing it; fall back
	// to a uniform point inside.
	if math.IsInf(upper, 1) {
		return lower
	}
	return lower + rng.Float64()*(upper-lower)
}
