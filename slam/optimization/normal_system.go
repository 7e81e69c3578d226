package optimization

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/config"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/utils"
)

// ErrNumericalFailure is returned when the reduced system is not positive definite or the solve
// produced non-finite values.
var ErrNumericalFailure = errors.New("numerical failure in optimization")

const fd = window.FrameDim

// frameSystem is a dense quadratic model E(d) = energy + 2*b'd + d'Hd over the parameters of n
// keyframes, in window order.
type frameSystem struct {
	n      int
	h      []float64
	b      []float64
	energy float64
}

func newFrameSystem(n int) *frameSystem {
	return &frameSystem{n: n, h: make([]float64, n*fd*n*fd), b: make([]float64, n*fd)}
}

func (s *frameSystem) dim() int {
	return s.n * fd
}

func (s *frameSystem) at(i, j int) float64 {
	return s.h[i*s.dim()+j]
}

func (s *frameSystem) addAt(i, j int, v float64) {
	s.h[i*s.dim()+j] += v
}

func (s *frameSystem) add(o *frameSystem) {
	for i, v := range o.h {
		s.h[i] += v
	}
	for i, v := range o.b {
		s.b[i] += v
	}
	s.energy += o.energy
}

// pointSystem is the coupling of one point's inverse depth with the frame parameters.
type pointSystem struct {
	hfp     []float64
	touched []int
	hpp     float64
	bp      float64
}

func newPointSystem(n int) *pointSystem {
	return &pointSystem{hfp: make([]float64, n*fd)}
}

func (ps *pointSystem) touch(frameIdx int) {
	for _, t := range ps.touched {
		if t == frameIdx {
			return
		}
	}
	ps.touched = append(ps.touched, frameIdx)
}

// addResidual accumulates the linearization of one residual between host and target frames.
func (s *frameSystem) addResidual(hostIdx, targetIdx int, jac *window.ResidualJacobian, ps *pointSystem) {
	oh, ot := hostIdx*fd, targetIdx*fd
	ps.touch(hostIdx)
	ps.touch(targetIdx)
	for k := 0; k < config.PatternNum; k++ {
		w, r, jp := jac.W[k], jac.R[k], jac.JIDepth[k]
		if w == 0 {
			continue
		}
		jh, jt := &jac.JHost[k], &jac.JTarget[k]
		for a := 0; a < fd; a++ {
			wh, wt := w*jh[a], w*jt[a]
			for c := 0; c < fd; c++ {
				s.addAt(oh+a, oh+c, wh*jh[c])
				s.addAt(oh+a, ot+c, wh*jt[c])
				s.addAt(ot+a, oh+c, wt*jh[c])
				s.addAt(ot+a, ot+c, wt*jt[c])
			}
			s.b[oh+a] += wh * r
			s.b[ot+a] += wt * r
			ps.hfp[oh+a] += wh * jp
			ps.hfp[ot+a] += wt * jp
		}
		ps.hpp += w * jp * jp
		ps.bp += w * jp * r
		s.energy += w * r * r
	}
}

// addDepthPrior adds weight*(idepth-prior)^2 to the point.
func (s *frameSystem) addDepthPrior(ps *pointSystem, weight, diff float64) {
	ps.hpp += weight
	ps.bp += weight * diff
	s.energy += weight * diff * diff
}

// schurPoint eliminates the point's inverse depth using hpp as its Hessian.
func (s *frameSystem) schurPoint(ps *pointSystem, hpp float64) {
	inv := 1 / hpp
	for _, fi := range ps.touched {
		for a := fi * fd; a < (fi+1)*fd; a++ {
			ca := ps.hfp[a] * inv
			if ca == 0 {
				continue
			}
			for _, fj := range ps.touched {
				for c := fj * fd; c < (fj+1)*fd; c++ {
					s.addAt(a, c, -ca*ps.hfp[c])
				}
			}
			s.b[a] -= ca * ps.bp
		}
	}
	s.energy -= ps.bp * ps.bp * inv
}

// backSubstitute returns the point step for the frame step x.
func (ps *pointSystem) backSubstitute(x []float64, hpp float64) float64 {
	acc := ps.bp
	for _, fi := range ps.touched {
		for a := fi * fd; a < (fi+1)*fd; a++ {
			acc += ps.hfp[a] * x[a]
		}
	}
	return -acc / hpp
}

// marginalizationPrior is the quadratic energy left behind by marginalized points and frames,
// E(d) = constant + 2*b'd + d'Hd with d the offset of the active frames from their linearization
// points.
type marginalizationPrior struct {
	sys *frameSystem
}

func newMarginalizationPrior() *marginalizationPrior {
	return &marginalizationPrior{sys: newFrameSystem(0)}
}

func (m *marginalizationPrior) numFrames() int {
	return m.sys.n
}

// addFrame appends an empty block for a new newest frame.
func (m *marginalizationPrior) addFrame() {
	old := m.sys
	grown := newFrameSystem(old.n + 1)
	od, nd := old.dim(), grown.dim()
	for i := 0; i < od; i++ {
		copy(grown.h[i*nd:i*nd+od], old.h[i*od:(i+1)*od])
	}
	copy(grown.b, old.b)
	grown.energy = old.energy
	m.sys = grown
}

// energyAt evaluates the prior at offset delta.
func (m *marginalizationPrior) energyAt(delta []float64) float64 {
	e := m.sys.energy
	dim := m.sys.dim()
	for i := 0; i < dim; i++ {
		if delta[i] == 0 {
			continue
		}
		e += 2 * m.sys.b[i] * delta[i]
		var hd float64
		for j := 0; j < dim; j++ {
			hd += m.sys.h[i*dim+j] * delta[j]
		}
		e += delta[i] * hd
	}
	return e
}

// gradientAt returns b + H*delta, the linear coefficient of the prior around delta.
func (m *marginalizationPrior) gradientAt(delta []float64) []float64 {
	dim := m.sys.dim()
	g := append([]float64(nil), m.sys.b...)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			g[i] += m.sys.h[i*dim+j] * delta[j]
		}
	}
	return g
}

// fold adds a quadratic model expanded around the offset delta, re-expressing it around the
// linearization points.
func (m *marginalizationPrior) fold(s *frameSystem, delta []float64) {
	dim := s.dim()
	var bd, dhd float64
	for i := 0; i < dim; i++ {
		var hd float64
		for j := 0; j < dim; j++ {
			hd += s.h[i*dim+j] * delta[j]
		}
		bd += s.b[i] * delta[i]
		dhd += delta[i] * hd
		m.sys.b[i] += s.b[i] - hd
	}
	for i, v := range s.h {
		m.sys.h[i] += v
	}
	m.sys.energy += s.energy - 2*bd + dhd
}

// addDiagonalPrior adds sum_i p_i*(d_i+o_i)^2 to the block of frame idx.
func (m *marginalizationPrior) addDiagonalPrior(idx int, p, o window.FrameVec) {
	for i := 0; i < fd; i++ {
		k := idx*fd + i
		m.sys.addAt(k, k, p[i])
		m.sys.b[k] += p[i] * o[i]
		m.sys.energy += p[i] * o[i] * o[i]
	}
}

// marginalizeFrame eliminates the block of frame idx, minimizing the prior over it, and removes
// the block. The block inverse is a pseudo-inverse so that unconstrained directions drop out.
func (m *marginalizationPrior) marginalizeFrame(idx int) error {
	s := m.sys
	dim := s.dim()
	lo, hi := idx*fd, (idx+1)*fd

	hff := mat.NewSymDense(fd, nil)
	for i := 0; i < fd; i++ {
		for j := i; j < fd; j++ {
			hff.SetSym(i, j, 0.5*(s.at(lo+i, lo+j)+s.at(lo+j, lo+i)))
		}
	}
	inv, err := pseudoInverse(hff)
	if err != nil {
		return err
	}

	keep := make([]int, 0, dim-fd)
	for i := 0; i < dim; i++ {
		if i < lo || i >= hi {
			keep = append(keep, i)
		}
	}
	// hrf * hff^+ for every kept row
	proj := make([]float64, len(keep)*fd)
	for ki, r := range keep {
		for c := 0; c < fd; c++ {
			var v float64
			for k := 0; k < fd; k++ {
				v += s.at(r, lo+k) * inv.At(k, c)
			}
			proj[ki*fd+c] = v
		}
	}
	bf := s.b[lo:hi]
	var bfInvBf float64
	for i := 0; i < fd; i++ {
		for j := 0; j < fd; j++ {
			bfInvBf += bf[i] * inv.At(i, j) * bf[j]
		}
	}

	out := newFrameSystem(s.n - 1)
	od := out.dim()
	for ki, r := range keep {
		for kj, c := range keep {
			v := s.at(r, c)
			for k := 0; k < fd; k++ {
				v -= proj[ki*fd+k] * s.at(lo+k, c)
			}
			out.h[ki*od+kj] = v
		}
		v := s.b[r]
		for k := 0; k < fd; k++ {
			v -= proj[ki*fd+k] * bf[k]
		}
		out.b[ki] = v
	}
	out.energy = s.energy - bfInvBf
	if !finiteSlice(out.h) || !finiteSlice(out.b) || math.IsNaN(out.energy) {
		return errors.Wrap(ErrNumericalFailure, "marginalizing frame block")
	}
	m.sys = out
	return nil
}

// removeFrame deletes the block of frame idx without marginalizing it.
func (m *marginalizationPrior) removeFrame(idx int) {
	s := m.sys
	dim := s.dim()
	lo, hi := idx*fd, (idx+1)*fd
	out := newFrameSystem(s.n - 1)
	od := out.dim()
	ki := 0
	for r := 0; r < dim; r++ {
		if r >= lo && r < hi {
			continue
		}
		kj := 0
		for c := 0; c < dim; c++ {
			if c >= lo && c < hi {
				continue
			}
			out.h[ki*od+kj] = s.at(r, c)
			kj++
		}
		out.b[ki] = s.b[r]
		ki++
	}
	out.energy = s.energy
	m.sys = out
}

func pseudoInverse(a *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(a, true); !ok {
		return nil, errors.Wrap(ErrNumericalFailure, "eigen decomposition did not converge")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	maxVal := 0.0
	for _, v := range vals {
		maxVal = max(maxVal, math.Abs(v))
	}
	n := len(vals)
	inv := mat.NewDense(n, n, nil)
	for k, v := range vals {
		if v <= 1e-12*maxVal || v <= 0 {
			continue
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				inv.Set(i, j, inv.At(i, j)+vecs.At(i, k)*vecs.At(j, k)/v)
			}
		}
	}
	return inv, nil
}

// solveScaled solves (H + diag damping) x = -b with Jacobi scaling and a Cholesky factorization.
func solveScaled(s *frameSystem, lambda float64) ([]float64, error) {
	dim := s.dim()
	if dim == 0 {
		return nil, nil
	}
	scale := make([]float64, dim)
	for i := 0; i < dim; i++ {
		d := s.at(i, i)
		if d <= 0 || !utils.IsFinite(d) {
			scale[i] = 1
			continue
		}
		scale[i] = 1 / math.Sqrt(d*(1+lambda)+1e-12)
	}
	h := mat.NewSymDense(dim, nil)
	rhs := mat.NewVecDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := 0.5 * (s.at(i, j) + s.at(j, i))
			if i == j {
				v *= 1 + lambda
				v += 1e-12
			}
			h.SetSym(i, j, v*scale[i]*scale[j])
		}
		rhs.SetVec(i, -s.b[i]*scale[i])
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(h); !ok {
		return nil, errors.Wrap(ErrNumericalFailure, "reduced system is not positive definite")
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, rhs); err != nil {
		return nil, errors.Wrap(ErrNumericalFailure, err.Error())
	}
	out := make([]float64, dim)
	for i := range out {
		out[i] = x.AtVec(i) * scale[i]
		if !utils.IsFinite(out[i]) {
			return nil, errors.Wrap(ErrNumericalFailure, "non-finite step")
		}
	}
	return out, nil
}

func finiteSlice(vs []float64) bool {
	for _, v := range vs {
		if !utils.IsFinite(v) {
			return false
		}
	}
	return true
}
