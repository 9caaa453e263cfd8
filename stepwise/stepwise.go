// Package stepwise implements forward stepwise variable selection with the
// bookkeeping selective inference needs: the orthogonal projection onto the
// selected subspace after every step, and the accumulated matrix of linear
// inequalities on the response that encode the whole selection path.
package stepwise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Columns whose residual norm falls below this are treated as already in
// the selected span and drop out of both selection and constraints.
const degenerateTol = 1e-12

// Projection is an orthogonal projection onto the span of an orthonormal
// basis U, applied as U U' v.
type Projection struct {
	basis *mat.Dense // n x k, orthonormal columns
}

// Basis returns a copy of the n x k orthonormal basis.
func (p *Projection) Basis() *mat.Dense { return mat.DenseCopyOf(p.basis) }

// Rank returns the dimension of the projected subspace.
func (p *Projection) Rank() int {
	_, k := p.basis.Dims()
	return k
}

// Apply projects every column of a.
func (p *Projection) Apply(a mat.Matrix) *mat.Dense {
	var ut, out mat.Dense
	ut.Mul(p.basis.T(), a)
	out.Mul(p.basis, &ut)
	return &out
}

// ApplyVec projects a vector.
func (p *Projection) ApplyVec(v *mat.VecDense) *mat.VecDense {
	n, _ := p.basis.Dims()
	var uv mat.VecDense
	uv.MulVec(p.basis.T(), v)
	out := mat.NewVecDense(n, nil)
	out.MulVec(p.basis, &uv)
	return out
}

// ForwardStepwise selects one variable per Advance call: the column of X
// with the largest absolute correlation against the response after
// residualizing both against everything selected so far. It keeps, per
// step, the projection onto the span of the selected columns and the
// selection-cone inequalities on Y implied by each choice.
type ForwardStepwise struct {
	x *mat.Dense
	y *mat.VecDense

	selected    []int
	signs       []float64
	projections []*Projection // projections[i] spans the first i selections; projections[0] is nil
	rows        *mat.Dense    // accumulated constraint rows, offset zero
}

// New prepares a selector over the n x p design X and length-n response y.
func New(x *mat.Dense, y *mat.VecDense) *ForwardStepwise {
	n, _ := x.Dims()
	if y.Len() != n {
		panic(fmt.Sprintf("stepwise: response length %d does not match %d rows", y.Len(), n))
	}
	return &ForwardStepwise{
		x:           mat.DenseCopyOf(x),
		y:           mat.VecDenseCopyOf(y),
		projections: []*Projection{nil},
	}
}

// Selected returns the indices chosen so far, in selection order.
func (fs *ForwardStepwise) Selected() []int {
	out := make([]int, len(fs.selected))
	copy(out, fs.selected)
	return out
}

// Signs returns the sign of the winning correlation at each step.
func (fs *ForwardStepwise) Signs() []float64 {
	out := make([]float64, len(fs.signs))
	copy(out, fs.signs)
	return out
}

// Projection returns the projection onto the span of the first i selected
// columns; i=0 returns nil (nothing selected yet, projection is zero).
func (fs *ForwardStepwise) Projection(i int) *Projection {
	return fs.projections[i]
}

// Steps returns how many Advance calls have completed.
func (fs *ForwardStepwise) Steps() int { return len(fs.selected) }

// ConstraintRows returns a copy of the accumulated constraint matrix A: the
// observed response satisfies A y <= 0 by construction after every step.
// It is nil before the first Advance.
func (fs *ForwardStepwise) ConstraintRows() *mat.Dense {
	if fs.rows == nil {
		return nil
	}
	return mat.DenseCopyOf(fs.rows)
}

// Advance performs one selection step. Ties among equal-magnitude maximal
// correlations go to the lowest column index; a winning correlation of
// exactly zero is an error.
func (fs *ForwardStepwise) Advance() error {
	n, p := fs.x.Dims()

	// Residualized design and response against the current span.
	proj := fs.projections[len(fs.projections)-1]
	resX := mat.DenseCopyOf(fs.x)
	resY := mat.VecDenseCopyOf(fs.y)
	if proj != nil {
		resX.Sub(resX, proj.Apply(fs.x))
		resY.SubVec(resY, proj.ApplyVec(fs.y))
	}

	// Norm-scaled residual correlations. Columns already inside the span
	// residualize to numerically nothing and are skipped.
	scaled := make([]*mat.VecDense, p)
	corr := make([]float64, p)
	for j := 0; j < p; j++ {
		col := resX.ColView(j)
		norm := mat.Norm(col, 2)
		if norm <= degenerateTol {
			continue
		}
		sc := mat.NewVecDense(n, nil)
		sc.ScaleVec(1/norm, col)
		scaled[j] = sc
		corr[j] = mat.Dot(sc, resY)
	}

	idx := -1
	best := 0.0
	for j := 0; j < p; j++ {
		if scaled[j] == nil {
			continue
		}
		if a := math.Abs(corr[j]); idx < 0 || a > best {
			idx = j
			best = a
		}
	}
	if idx < 0 {
		return fmt.Errorf("stepwise: no columns left to select at step %d", len(fs.selected))
	}
	if best == 0 {
		return fmt.Errorf("stepwise: zero residual correlation at step %d, selection sign undefined", len(fs.selected))
	}
	sign := 1.0
	if corr[idx] < 0 {
		sign = -1.0
	}

	fs.selected = append(fs.selected, idx)
	fs.signs = append(fs.signs, sign)

	// Selection-cone rows for this step, acting on Y directly: the chosen
	// scaled column beat both signs of every live competitor.
	w := mat.NewVecDense(n, nil)
	w.ScaleVec(sign, scaled[idx])

	var stepRows []float64
	for j := 0; j < p; j++ {
		if j == idx || scaled[j] == nil {
			continue
		}
		for s := 0; s < 2; s++ {
			colSign := 1.0
			if s == 1 {
				colSign = -1.0
			}
			for i := 0; i < n; i++ {
				stepRows = append(stepRows, colSign*scaled[j].AtVec(i)-w.AtVec(i))
			}
		}
	}
	for i := 0; i < n; i++ {
		stepRows = append(stepRows, -w.AtVec(i))
	}
	newRows := mat.NewDense(len(stepRows)/n, n, stepRows)
	if fs.rows == nil {
		fs.rows = newRows
	} else {
		prev, _ := fs.rows.Dims()
		add, _ := newRows.Dims()
		stacked := mat.NewDense(prev+add, n, nil)
		stacked.Slice(0, prev, 0, n).(*mat.Dense).Copy(fs.rows)
		stacked.Slice(prev, prev+add, 0, n).(*mat.Dense).Copy(newRows)
		fs.rows = stacked
	}

	// Fresh orthonormal basis for the selected columns. Recomputed from
	// scratch each step; an incremental update would be cheaper.
	basis, err := orthonormalBasis(fs.x, fs.selected)
	if err != nil {
		return err
	}
	fs.projections = append(fs.projections, &Projection{basis: basis})

	return nil
}

// orthonormalBasis extracts an orthonormal basis for the span of the given
// columns of x via a thin SVD, dropping directions with negligible
// singular values when columns are dependent.
func orthonormalBasis(x *mat.Dense, cols []int) (*mat.Dense, error) {
	n, _ := x.Dims()
	sub := mat.NewDense(n, len(cols), nil)
	for c, j := range cols {
		for i := 0; i < n; i++ {
			sub.Set(i, c, x.At(i, j))
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(sub, mat.SVDThin); !ok {
		return nil, fmt.Errorf("stepwise: SVD of selected columns failed")
	}
	values := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)

	rank := 0
	for _, v := range values {
		if v > degenerateTol*values[0] {
			rank++
		}
	}
	if rank == 0 {
		return nil, fmt.Errorf("stepwise: selected columns are numerically zero")
	}

	basis := mat.NewDense(n, rank, nil)
	basis.Copy(u.Slice(0, n, 0, rank))
	return basis, nil
}
