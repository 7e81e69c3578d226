// Package optimization holds the windowed energy functional: photometric residual linearization,
// the Schur-reduced Levenberg-Marquardt system over keyframes and points, and the marginalization
// prior left behind by removed frames and points.
package optimization

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/dso/config"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

// centerPatternIdx is the index of the (0, 0) offset in config.Pattern.
const centerPatternIdx = 4

// PrecalcHostTarget holds the relative pose and brightness transfer of a host/target pair.
type PrecalcHostTarget struct {
	HostToTarget spatialmath.Pose
	Adjoint      [36]float64
	AffA, AffB   float64
}

// NewPrecalcHostTarget computes the relative state of a host/target pair at the current state.
func NewPrecalcHostTarget(host, target *window.Frame) PrecalcHostTarget {
	hostToTarget := spatialmath.Compose(target.WorldToCam, host.CamToWorld())
	a, b := window.FromToVecExposure(host.Exposure, target.Exposure, host.Aff, target.Aff)
	return PrecalcHostTarget{
		HostToTarget: hostToTarget,
		Adjoint:      hostToTarget.Adjoint(),
		AffA:         a,
		AffB:         b,
	}
}

// LinearizeResidual evaluates r at the current state of its frames and point, filling NewState,
// NewEnergy, CenterProjectedTo and, for inlier residuals, the Jacobian. It returns the energy the
// residual contributes: its robust energy when inside, the larger frame energy threshold when it
// is an outlier or leaves the target image.
func LinearizeResidual(
	host, target *window.Frame,
	p *window.Point,
	r *window.Residual,
	pre *PrecalcHostTarget,
	intr *transform.PinholeCameraIntrinsics,
	settings *config.Settings,
) float64 {
	energyTH := max(host.FrameEnergyTH, target.FrameEnergyTH)
	lvl := target.Pyramid.Level(0)
	rot := pre.HostToTarget.RotationMatrix()
	t := pre.HostToTarget.Point()

	var jac window.ResidualJacobian
	var energy float64
	for k, off := range config.Pattern {
		u := p.U + float64(off[0])
		v := p.V + float64(off[1])
		ray := r3.Vector{X: (u - intr.Ppx) / intr.Fx, Y: (v - intr.Ppy) / intr.Fy, Z: 1}
		q := rot.MulVec(ray).Add(t.Mul(p.IDepth))
		if q.Z <= 0 {
			r.NewState = window.ResidualOOB
			r.NewEnergy = energyTH
			return energyTH
		}
		x, y := q.X/q.Z, q.Y/q.Z
		ku := intr.Fx*x + intr.Ppx
		kv := intr.Fy*y + intr.Ppy
		if !(ku > 1.1 && kv > 1.1 && ku < float64(lvl.Width)-3 && kv < float64(lvl.Height)-3) {
			r.NewState = window.ResidualOOB
			r.NewEnergy = energyTH
			return energyTH
		}
		idepthT := p.IDepth / q.Z
		if k == centerPatternIdx {
			r.CenterProjectedTo = [3]float64{ku, kv, idepthT}
		}

		c, gx, gy, ok := lvl.Interpolate(ku, kv)
		if !ok || !utils.IsFinite(c) {
			r.NewState = window.ResidualOOB
			r.NewEnergy = energyTH
			return energyTH
		}
		res := c - pre.AffA*p.Color[k] - pre.AffB

		w := math.Sqrt(settings.OutlierTHSumComponent / (settings.OutlierTHSumComponent + gx*gx + gy*gy))
		w = 0.5 * (w + p.Weights[k])
		hw := utils.Huber(res, settings.HuberTH)
		energy += w * w * hw * res * res * (2 - hw)

		jac.R[k] = res
		jac.W[k] = w * w * hw

		gu := gx * intr.Fx
		gv := gy * intr.Fy
		var jt window.FrameVec
		jt[0] = gu * idepthT
		jt[1] = gv * idepthT
		jt[2] = -(gu*x + gv*y) * idepthT
		jt[3] = -gu*x*y - gv*(1+y*y)
		jt[4] = gu*(1+x*x) + gv*x*y
		jt[5] = -gu*y + gv*x
		jt[6] = -pre.AffA * (p.Color[k] - host.Aff.B)
		jt[7] = -1

		var jh window.FrameVec
		for col := 0; col < 6; col++ {
			var s float64
			for row := 0; row < 6; row++ {
				s += jt[row] * pre.Adjoint[row*6+col]
			}
			jh[col] = -s
		}
		jh[6] = pre.AffA * (p.Color[k] - host.Aff.B)
		jh[7] = pre.AffA

		jac.JTarget[k] = jt
		jac.JHost[k] = jh
		jac.JIDepth[k] = (gu*(t.X-x*t.Z) + gv*(t.Y-y*t.Z)) / q.Z
	}

	if energy > energyTH {
		r.NewState = window.ResidualOutlier
		r.NewEnergy = energyTH
		return energyTH
	}
	r.NewState = window.ResidualIn
	r.NewEnergy = energy
	r.Jac = jac
	return energy
}
