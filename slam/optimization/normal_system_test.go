package optimization

import (
	"math"
	"testing"

	"github.com/valyala/fastrand"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/config"
	"go.viam.com/dso/slam/window"
)

// linearProblem is a random linear least squares problem shaped like the window: every point has
// residuals from its host frame into the other frames, and all frame parameters carry a unit
// prior. Residuals are r = r0 + J*z with z the stacked frame parameters and point offsets.
type linearProblem struct {
	numFrames int
	points    []linearPoint
}

type linearPoint struct {
	host      int
	residuals []linearResidual
}

type linearResidual struct {
	target int
	r0     [config.PatternNum]float64
	jh, jt [config.PatternNum]window.FrameVec
	jp     [config.PatternNum]float64
}

func uniform(rng *fastrand.RNG) float64 {
	return float64(rng.Uint32n(1<<20))/(1<<20)*2 - 1
}

func newLinearProblem(seed uint32, numFrames, numPoints int) *linearProblem {
	var rng fastrand.RNG
	rng.Seed(seed)
	lp := &linearProblem{numFrames: numFrames}
	for i := 0; i < numPoints; i++ {
		pt := linearPoint{host: i % numFrames}
		for t := 0; t < numFrames; t++ {
			if t == pt.host {
				continue
			}
			var res linearResidual
			res.target = t
			for k := 0; k < config.PatternNum; k++ {
				res.r0[k] = uniform(&rng)
				res.jp[k] = uniform(&rng)
				for a := 0; a < fd; a++ {
					res.jh[k][a] = uniform(&rng)
					res.jt[k][a] = uniform(&rng)
				}
			}
			pt.residuals = append(pt.residuals, res)
		}
		lp.points = append(lp.points, pt)
	}
	return lp
}

// rowValue returns a residual row evaluated at frame parameters x and point offset rho.
func (res *linearResidual) rowValue(k, host int, x []float64, rho float64) float64 {
	v := res.r0[k] + res.jp[k]*rho
	for a := 0; a < fd; a++ {
		v += res.jh[k][a]*x[host*fd+a] + res.jt[k][a]*x[res.target*fd+a]
	}
	return v
}

// minOverPoints returns min over all point offsets of the energy at frame parameters x,
// including the unit frame prior.
func (lp *linearProblem) minOverPoints(x []float64) float64 {
	var e float64
	for _, v := range x {
		e += v * v
	}
	for _, pt := range lp.points {
		var aa, aj, jj float64
		for i := range pt.residuals {
			res := &pt.residuals[i]
			for k := 0; k < config.PatternNum; k++ {
				a := res.rowValue(k, pt.host, x, 0)
				aa += a * a
				aj += a * res.jp[k]
				jj += res.jp[k] * res.jp[k]
			}
		}
		e += aa - aj*aj/jj
	}
	return e
}

// fullMinimum solves the whole problem densely.
func (lp *linearProblem) fullMinimum() float64 {
	nf := lp.numFrames * fd
	dim := nf + len(lp.points)
	h := mat.NewSymDense(dim, nil)
	b := mat.NewVecDense(dim, nil)
	var e0 float64
	for i := 0; i < nf; i++ {
		h.SetSym(i, i, 1)
	}
	for pi, pt := range lp.points {
		for i := range pt.residuals {
			res := &pt.residuals[i]
			for k := 0; k < config.PatternNum; k++ {
				row := make([]float64, dim)
				for a := 0; a < fd; a++ {
					row[pt.host*fd+a] += res.jh[k][a]
					row[res.target*fd+a] += res.jt[k][a]
				}
				row[nf+pi] = res.jp[k]
				for r := 0; r < dim; r++ {
					if row[r] == 0 {
						continue
					}
					for c := r; c < dim; c++ {
						h.SetSym(r, c, h.At(r, c)+row[r]*row[c])
					}
					b.SetVec(r, b.AtVec(r)+row[r]*res.r0[k])
				}
				e0 += res.r0[k] * res.r0[k]
			}
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(h) {
		panic("full problem is not positive definite")
	}
	var z mat.VecDense
	if err := chol.SolveVecTo(&z, b); err != nil {
		panic(err)
	}
	return e0 - mat.Dot(b, &z)
}

// marginalizeAllPoints folds every point, linearized at frame parameters xc, into a prior
// carrying the unit frame prior.
func (lp *linearProblem) marginalizeAllPoints(xc []float64) *marginalizationPrior {
	prior := newMarginalizationPrior()
	for i := 0; i < lp.numFrames; i++ {
		prior.addFrame()
		var ones window.FrameVec
		for k := range ones {
			ones[k] = 1
		}
		prior.addDiagonalPrior(i, ones, window.FrameVec{})
	}
	sys := newFrameSystem(lp.numFrames)
	for _, pt := range lp.points {
		ps := newPointSystem(lp.numFrames)
		for i := range pt.residuals {
			res := &pt.residuals[i]
			jac := window.ResidualJacobian{}
			for k := 0; k < config.PatternNum; k++ {
				jac.R[k] = res.rowValue(k, pt.host, xc, 0)
				jac.W[k] = 1
				jac.JHost[k] = res.jh[k]
				jac.JTarget[k] = res.jt[k]
				jac.JIDepth[k] = res.jp[k]
			}
			sys.addResidual(pt.host, res.target, &jac, ps)
		}
		sys.schurPoint(ps, ps.hpp)
	}
	prior.fold(sys, xc)
	return prior
}

func priorMinimum(t *testing.T, prior *marginalizationPrior) float64 {
	t.Helper()
	x, err := solveScaled(prior.sys, 0)
	test.That(t, err, test.ShouldBeNil)
	return prior.energyAt(x)
}

func randomVector(rng *fastrand.RNG, n int, scale float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = scale * uniform(rng)
	}
	return v
}

func TestPointMarginalizationIsExact(t *testing.T) {
	lp := newLinearProblem(3, 3, 12)
	var rng fastrand.RNG
	rng.Seed(99)
	xc := randomVector(&rng, 3*fd, 0.3)
	prior := lp.marginalizeAllPoints(xc)
	test.That(t, prior.numFrames(), test.ShouldEqual, 3)

	for trial := 0; trial < 5; trial++ {
		x := randomVector(&rng, 3*fd, 1)
		expected := lp.minOverPoints(x)
		test.That(t, prior.energyAt(x), test.ShouldAlmostEqual, expected, 1e-8*math.Max(1, expected))
	}
	expected := lp.minOverPoints(xc)
	test.That(t, prior.energyAt(xc), test.ShouldAlmostEqual, expected, 1e-8*math.Max(1, expected))
}

func TestMarginalizationPreservesMinimum(t *testing.T) {
	lp := newLinearProblem(7, 4, 20)
	full := lp.fullMinimum()

	prior := lp.marginalizeAllPoints(make([]float64, 4*fd))
	test.That(t, priorMinimum(t, prior), test.ShouldAlmostEqual, full, 1e-7*math.Max(1, full))

	test.That(t, prior.marginalizeFrame(0), test.ShouldBeNil)
	test.That(t, prior.numFrames(), test.ShouldEqual, 3)
	test.That(t, priorMinimum(t, prior), test.ShouldAlmostEqual, full, 1e-7*math.Max(1, full))

	test.That(t, prior.marginalizeFrame(1), test.ShouldBeNil)
	test.That(t, prior.numFrames(), test.ShouldEqual, 2)
	test.That(t, priorMinimum(t, prior), test.ShouldAlmostEqual, full, 1e-7*math.Max(1, full))
}

func TestFrameMarginalizationMinimizesOverFrame(t *testing.T) {
	lp := newLinearProblem(11, 3, 9)
	var rng fastrand.RNG
	rng.Seed(5)
	prior := lp.marginalizeAllPoints(randomVector(&rng, 3*fd, 0.2))

	before := &frameSystem{
		n:      prior.sys.n,
		h:      append([]float64(nil), prior.sys.h...),
		b:      append([]float64(nil), prior.sys.b...),
		energy: prior.sys.energy,
	}
	test.That(t, prior.marginalizeFrame(2), test.ShouldBeNil)

	rest := randomVector(&rng, 2*fd, 0.5)
	// minimize the old prior over the last frame with the others fixed at rest
	hff := mat.NewSymDense(fd, nil)
	rhs := mat.NewVecDense(fd, nil)
	for i := 0; i < fd; i++ {
		for j := i; j < fd; j++ {
			hff.SetSym(i, j, before.at(2*fd+i, 2*fd+j))
		}
		v := before.b[2*fd+i]
		for j := 0; j < 2*fd; j++ {
			v += before.at(2*fd+i, j) * rest[j]
		}
		rhs.SetVec(i, -v)
	}
	var chol mat.Cholesky
	test.That(t, chol.Factorize(hff), test.ShouldBeTrue)
	var xf mat.VecDense
	test.That(t, chol.SolveVecTo(&xf, rhs), test.ShouldBeNil)
	full := append(append([]float64(nil), rest...), xf.RawVector().Data...)

	old := &marginalizationPrior{sys: before}
	expected := old.energyAt(full)
	test.That(t, prior.energyAt(rest), test.ShouldAlmostEqual, expected, 1e-8*math.Max(1, math.Abs(expected)))
}

func TestSchurBackSubstitution(t *testing.T) {
	lp := newLinearProblem(13, 2, 1)
	pt := lp.points[0]
	sys := newFrameSystem(2)
	ps := newPointSystem(2)
	res := &pt.residuals[0]
	jac := window.ResidualJacobian{}
	for k := 0; k < config.PatternNum; k++ {
		jac.R[k] = res.r0[k]
		jac.W[k] = 1
		jac.JHost[k] = res.jh[k]
		jac.JTarget[k] = res.jt[k]
		jac.JIDepth[k] = res.jp[k]
	}
	sys.addResidual(pt.host, res.target, &jac, ps)
	for i := 0; i < sys.dim(); i++ {
		sys.addAt(i, i, 1)
	}
	sys.schurPoint(ps, ps.hpp)
	x, err := solveScaled(sys, 0)
	test.That(t, err, test.ShouldBeNil)
	rho := ps.backSubstitute(x, ps.hpp)

	// at the joint minimum the point gradient vanishes
	var grad float64
	for k := 0; k < config.PatternNum; k++ {
		grad += res.rowValue(k, pt.host, x, rho) * res.jp[k]
	}
	test.That(t, grad, test.ShouldAlmostEqual, 0, 1e-8)
}

func TestSolveScaledRejectsIndefinite(t *testing.T) {
	sys := newFrameSystem(1)
	for i := 0; i < fd; i++ {
		sys.addAt(i, i, 1)
	}
	sys.addAt(0, 1, 5)
	sys.addAt(1, 0, 5)
	_, err := solveScaled(sys, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, ErrNumericalFailure.Error())
}
