package postsel

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

// trialResult carries one worker's p-value back to the aggregator.
type trialResult struct {
	pvalue float64
	err    error
}

// CalibrateNull estimates the null distribution of the covariance test by
// running independent trials: each trial draws a fresh global-null dataset
// from its own seeded RNG, runs CovTest, and records the p-value. Trials
// are spread over a worker pool; the per-trial seeds all derive from
// opts.Seed, so results are reproducible regardless of scheduling. For a
// calibrated exact test the collected p-values are Uniform[0,1] and the
// reported KS distance is small.
func CalibrateNull(opts CalibrationOptions) (*CalibrationResult, error) {
	if opts.Trials <= 0 {
		opts.Trials = 500
	}
	if opts.N <= 0 {
		opts.N = 20
	}
	if opts.P <= 0 {
		opts.P = 5
	}
	if opts.Sigma <= 0 {
		opts.Sigma = 1
	}

	// One seed per trial, all derived from the master seed so workers
	// never share RNG state.
	masterRng := rand.New(rand.NewSource(opts.Seed))
	seeds := make([]uint64, opts.Trials)
	for i := range seeds {
		seeds[i] = masterRng.Uint64()
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > opts.Trials {
		numWorkers = opts.Trials
	}

	jobs := make(chan int)
	results := make(chan trialResult, opts.Trials)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	worker := func() {
		defer wg.Done()
		for b := range jobs {
			rng := rand.New(rand.NewSource(seeds[b]))

			inst, err := GaussianInstance(InstanceOptions{
				N:     opts.N,
				P:     opts.P,
				Sigma: opts.Sigma,
			}, rng)
			if err != nil {
				results <- trialResult{err: err}
				continue
			}

			res, err := CovTest(inst.X, inst.Y, CovTestOptions{
				Sigma: opts.Sigma,
				Exact: opts.Exact,
			})
			if err != nil {
				results <- trialResult{err: err}
				continue
			}
			results <- trialResult{pvalue: res.PValue}
		}
	}

	for w := 0; w < numWorkers; w++ {
		go worker()
	}
	go func() {
		for b := 0; b < opts.Trials; b++ {
			jobs <- b
		}
		close(jobs)
	}()

	pvalues := make([]float64, 0, opts.Trials)
	var firstErr error
	for i := 0; i < opts.Trials; i++ {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		pvalues = append(pvalues, r.pvalue)
	}
	wg.Wait()
	close(results)

	if firstErr != nil {
		return nil, firstErr
	}

	sort.Float64s(pvalues)
	return &CalibrationResult{
		PValues: pvalues,
		KS:      uniformKS(pvalues),
	}, nil
}

// Quantile returns the empirical q-quantile of the null p-values.
func (r *CalibrationResult) Quantile(q float64) float64 {
	return stat.Quantile(q, stat.Empirical, r.PValues, nil)
}

// WriteCSV writes the sorted null p-values with their empirical CDF, one
// trial per row.
func (r *CalibrationResult) WriteCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Trial", "PValue", "EmpiricalCDF"}); err != nil {
		return err
	}
	n := len(r.PValues)
	for i, p := range r.PValues {
		record := []string{
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%f", p),
			fmt.Sprintf("%f", float64(i+1)/float64(n)),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// uniformKS is the Kolmogorov-Smirnov distance between sorted values in
// [0,1] and the Uniform[0,1] distribution.
func uniformKS(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	d := 0.0
	for i, p := range sorted {
		lo := p - float64(i)/float64(n)
		hi := float64(i+1)/float64(n) - p
		if lo > d {
			d = lo
		}
		if hi > d {
			d = hi
		}
	}
	return d
}

// KSCritical returns the large-sample critical value of the one-sample
// Kolmogorov-Smirnov statistic for n observations at the given level.
// Supported levels are 0.10, 0.05 and 0.01.
func KSCritical(n int, alpha float64) (float64, error) {
	var c float64
	switch alpha {
	case 0.10:
		c = 1.224
	case 0.05:
		c = 1.358
	case 0.01:
		c = 1.628
	default:
		return 0, fmt.Errorf("postsel: unsupported KS level %g", alpha)
	}
	if n <= 0 {
		return 0, fmt.Errorf("postsel: KS critical value needs n > 0, got %d", n)
	}
	return c / math.Sqrt(float64(n)), nil
}
