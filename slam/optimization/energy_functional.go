package optimization

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/utils"
)

const (
	residualsPerRange = 64
	pointsPerRange    = 32
)

// Step is a solver increment, frames in window order.
type Step struct {
	Frames []window.FrameVec
	Points []PointStep
}

// PointStep is the inverse depth increment of one point.
type PointStep struct {
	Point window.Handle
	Delta float64
}

// Magnitude returns the root mean square of the translation, rotation, affine and inverse depth
// parts of the step.
func (s Step) Magnitude() (trans, rot, aff, idepth float64) {
	if len(s.Frames) > 0 {
		for _, f := range s.Frames {
			trans += floats.Dot(f[0:3], f[0:3])
			rot += floats.Dot(f[3:6], f[3:6])
			aff += floats.Dot(f[6:8], f[6:8])
		}
		n := float64(len(s.Frames))
		trans = math.Sqrt(trans / (3 * n))
		rot = math.Sqrt(rot / (3 * n))
		aff = math.Sqrt(aff / (2 * n))
	}
	if len(s.Points) > 0 {
		for _, p := range s.Points {
			idepth += p.Delta * p.Delta
		}
		idepth = math.Sqrt(idepth / float64(len(s.Points)))
	}
	return trans, rot, aff, idepth
}

type reduceStats struct {
	sys *frameSystem
}

// EnergyFunctional owns the active window together with the marginalization prior over its
// frames, and evaluates, linearizes and solves the windowed photometric energy. Frames must be
// added and removed through it so that the prior stays aligned with the window order. It is not
// safe for concurrent use.
type EnergyFunctional struct {
	settings *config.Settings
	intr     transform.PinholeCameraIntrinsics
	logger   logging.Logger

	w      *window.Window
	prior  *marginalizationPrior
	reduce *utils.IndexThreadReduce[*reduceStats]

	// number of frames of the system currently being reduced
	reduceFrames int
}

// NewEnergyFunctional returns an energy functional over an empty window.
func NewEnergyFunctional(
	intr transform.PinholeCameraIntrinsics,
	settings *config.Settings,
	logger logging.Logger,
) *EnergyFunctional {
	ef := &EnergyFunctional{
		settings: settings,
		intr:     intr,
		logger:   logger,
		// one slot for the keyframe inserted before flagged frames leave
		w:        window.New(settings.MaxFrames + 1),
		prior:    newMarginalizationPrior(),
	}
	ef.reduce = utils.NewIndexThreadReduce(
		settings.NumWorkers,
		func() *reduceStats {
			if ef.reduceFrames == 0 {
				return &reduceStats{}
			}
			return &reduceStats{sys: newFrameSystem(ef.reduceFrames)}
		},
		func(into, from *reduceStats) *reduceStats {
			if into.sys != nil && from.sys != nil {
				into.sys.add(from.sys)
			}
			return into
		},
	)
	return ef
}

// Window returns the active window.
func (ef *EnergyFunctional) Window() *window.Window {
	return ef.w
}

// Close stops the worker pool.
func (ef *EnergyFunctional) Close() {
	ef.reduce.Close()
}

// Reset empties the window and forgets the marginalization prior.
func (ef *EnergyFunctional) Reset() {
	ef.w.Clear()
	ef.prior = newMarginalizationPrior()
}

// InsertFrame adds f as the newest keyframe and fixes its linearization point.
func (ef *EnergyFunctional) InsertFrame(f *window.Frame) error {
	if err := ef.w.AddFrame(f); err != nil {
		return err
	}
	f.FixLinearizationPoint()
	ef.prior.addFrame()
	return nil
}

// InsertPoint adds an active point hosted by host.
func (ef *EnergyFunctional) InsertPoint(host *window.Frame, p *window.Point) (window.Handle, error) {
	return ef.w.AddPoint(host, p)
}

// InsertResidual adds a residual between a live point and a live target.
func (ef *EnergyFunctional) InsertResidual(r *window.Residual) (window.Handle, error) {
	return ef.w.AddResidual(r)
}

// DropResidual removes a residual without marginalizing it.
func (ef *EnergyFunctional) DropResidual(r *window.Residual) {
	ef.w.RemoveResidual(r.Handle())
}

// DropPoint removes a point and its residuals without marginalizing them.
func (ef *EnergyFunctional) DropPoint(p *window.Point) {
	ef.w.RemovePoint(p.Handle())
}

// DropFrame removes a frame and everything attached to it without marginalizing; its block of
// the prior is discarded.
func (ef *EnergyFunctional) DropFrame(f *window.Frame) {
	if idx := f.Idx(); idx >= 0 && ef.w.Frame(f.Handle()) == f {
		ef.prior.removeFrame(idx)
		ef.w.RemoveFrame(f)
	}
}

// deltas returns the offsets of all frames from their linearization points.
func (ef *EnergyFunctional) deltas(frames []*window.Frame) []float64 {
	delta := make([]float64, len(frames)*fd)
	for i, f := range frames {
		d := f.DeltaFromLin()
		copy(delta[i*fd:], d[:])
	}
	return delta
}

func (ef *EnergyFunctional) precalc(frames []*window.Frame) [][]PrecalcHostTarget {
	pre := make([][]PrecalcHostTarget, len(frames))
	for i, host := range frames {
		pre[i] = make([]PrecalcHostTarget, len(frames))
		for j, target := range frames {
			if i != j {
				pre[i][j] = NewPrecalcHostTarget(host, target)
			}
		}
	}
	return pre
}

// Linearize evaluates every residual at the current state in parallel, accepts the resulting
// states and returns the total energy. With fixLinearization, residuals that are not inside are
// removed and the point statistics used for marginalization decisions are refreshed.
func (ef *EnergyFunctional) Linearize(fixLinearization bool) (float64, error) {
	frames := ef.w.Frames()
	pre := ef.precalc(frames)
	residuals := ef.w.Residuals()

	ef.reduceFrames = 0
	ef.reduce.Reduce(0, len(residuals), residualsPerRange, func(from, to int, stats *reduceStats, _ int) *reduceStats {
		for _, r := range residuals[from:to] {
			host, target, p := ef.w.Frame(r.Host), ef.w.Frame(r.Target), ef.w.Point(r.Point)
			LinearizeResidual(host, target, p, r, &pre[host.Idx()][target.Idx()], &ef.intr, ef.settings)
		}
		return stats
	})
	for _, r := range residuals {
		r.ApplyNewState()
	}

	if fixLinearization {
		ef.fixLinearization(residuals)
	}
	ef.updateIDepthHessians()

	energy := ef.Energy()
	if !utils.IsFinite(energy) {
		return energy, errors.Wrap(ErrNumericalFailure, "non-finite energy")
	}
	return energy, nil
}

func (ef *EnergyFunctional) fixLinearization(residuals []*window.Residual) {
	for _, r := range residuals {
		p := ef.w.Point(r.Point)
		for i := range p.LastResiduals {
			if p.LastResiduals[i].Residual == r.Handle() {
				p.LastResiduals[i].State = r.State
			}
		}
	}

	bad := lo.Filter(residuals, func(r *window.Residual, _ int) bool {
		return r.State != window.ResidualIn
	})
	for _, r := range bad {
		ef.DropResidual(r)
	}

	for _, p := range ef.w.Points() {
		p.NumGoodResiduals = len(p.Residuals)
		hostPos := ef.w.Frame(p.Host).CamToWorld().Point()
		for _, rh := range p.Residuals {
			target := ef.w.Frame(ef.w.Residual(rh).Target)
			baseline := hostPos.Sub(target.CamToWorld().Point()).Norm()
			p.MaxRelBaseline = max(p.MaxRelBaseline, baseline*p.IDepth)
		}
	}
}

func (ef *EnergyFunctional) updateIDepthHessians() {
	for _, p := range ef.w.Points() {
		var h float64
		for _, rh := range p.Residuals {
			r := ef.w.Residual(rh)
			if r.State != window.ResidualIn {
				continue
			}
			for k := 0; k < config.PatternNum; k++ {
				h += r.Jac.W[k] * r.Jac.JIDepth[k] * r.Jac.JIDepth[k]
			}
		}
		p.IDepthHessian = h
	}
}

// Energy returns the total energy at the last evaluated residual states: residual energies,
// frame and inverse depth priors and the marginalization prior.
func (ef *EnergyFunctional) Energy() float64 {
	var e float64
	for _, r := range ef.w.Residuals() {
		e += r.Energy
	}
	frames := ef.w.Frames()
	for _, f := range frames {
		e += f.PriorEnergy()
	}
	for _, p := range ef.w.Points() {
		e += p.PriorEnergy(ef.settings.IdepthFixPrior)
	}
	return e + ef.PriorEnergy()
}

// PriorEnergy returns the energy of the marginalization prior at the current state.
func (ef *EnergyFunctional) PriorEnergy() float64 {
	frames := ef.w.Frames()
	if len(frames) == 0 {
		return ef.prior.sys.energy
	}
	return ef.prior.energyAt(ef.deltas(frames))
}

// pointSystemFor accumulates the inlier residuals and depth prior of p into s.
func (ef *EnergyFunctional) pointSystemFor(s *frameSystem, p *window.Point) *pointSystem {
	ps := newPointSystem(s.n)
	for _, rh := range p.Residuals {
		r := ef.w.Residual(rh)
		if r == nil || r.State != window.ResidualIn {
			continue
		}
		host, target := ef.w.Frame(r.Host), ef.w.Frame(r.Target)
		s.addResidual(host.Idx(), target.Idx(), &r.Jac, ps)
	}
	if p.HasDepthPrior {
		s.addDepthPrior(ps, ef.settings.IdepthFixPrior, p.IDepth-p.PriorIDepth)
	}
	return ps
}

// Solve builds the damped normal equations at the last linearization, eliminates the point
// inverse depths by Schur complement, solves for the frame increments and back-substitutes the
// point increments.
func (ef *EnergyFunctional) Solve(lambda float64) (Step, error) {
	frames := ef.w.Frames()
	n := len(frames)
	if n == 0 {
		return Step{}, nil
	}
	points := ef.w.Points()
	pointSystems := make([]*pointSystem, len(points))
	dampedHpp := make([]float64, len(points))

	ef.reduceFrames = n
	stats := ef.reduce.Reduce(0, len(points), pointsPerRange, func(from, to int, stats *reduceStats, _ int) *reduceStats {
		for i := from; i < to; i++ {
			ps := ef.pointSystemFor(stats.sys, points[i])
			if len(ps.touched) == 0 && !points[i].HasDepthPrior {
				continue
			}
			hpp := ps.hpp*(1+lambda) + 1e-8
			stats.sys.schurPoint(ps, hpp)
			pointSystems[i] = ps
			dampedHpp[i] = hpp
		}
		return stats
	})
	ef.reduceFrames = 0
	sys := stats.sys

	for i, f := range frames {
		d := f.PriorDelta()
		for k := 0; k < fd; k++ {
			sys.addAt(i*fd+k, i*fd+k, f.Prior[k])
			sys.b[i*fd+k] += f.Prior[k] * d[k]
		}
	}
	grad := ef.prior.gradientAt(ef.deltas(frames))
	for i, v := range ef.prior.sys.h {
		sys.h[i] += v
	}
	for i, v := range grad {
		sys.b[i] += v
	}

	x, err := solveScaled(sys, lambda)
	if err != nil {
		return Step{}, err
	}
	step := Step{Frames: make([]window.FrameVec, n)}
	for i := range step.Frames {
		copy(step.Frames[i][:], x[i*fd:(i+1)*fd])
	}
	for i, ps := range pointSystems {
		if ps == nil {
			continue
		}
		d := ps.backSubstitute(x, dampedHpp[i])
		if !utils.IsFinite(d) {
			return Step{}, errors.Wrap(ErrNumericalFailure, "non-finite point step")
		}
		step.Points = append(step.Points, PointStep{Point: points[i].Handle(), Delta: d})
	}
	return step, nil
}

// BackupState stores the state of every frame and point.
func (ef *EnergyFunctional) BackupState() {
	for _, f := range ef.w.Frames() {
		f.Backup()
	}
	for _, p := range ef.w.Points() {
		p.Backup()
	}
}

// RestoreState returns every frame and point to its backed up state.
func (ef *EnergyFunctional) RestoreState() {
	for _, f := range ef.w.Frames() {
		f.Restore()
	}
	for _, p := range ef.w.Points() {
		p.Restore()
	}
}

// ApplyStep moves the backed up state by step. Inverse depths are kept positive.
func (ef *EnergyFunctional) ApplyStep(step Step) {
	for i, f := range ef.w.Frames() {
		if i < len(step.Frames) {
			f.ApplyStep(step.Frames[i])
		}
	}
	for _, ps := range step.Points {
		if p := ef.w.Point(ps.Point); p != nil {
			p.ApplyStep(ps.Delta)
			if p.IDepth < 1e-5 {
				p.IDepth = 1e-5
			}
		}
	}
}
