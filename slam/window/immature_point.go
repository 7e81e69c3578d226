package window

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/dso/config"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

// TraceStatus is the outcome of the last epipolar search of an immature point.
type TraceStatus int

const (
	// TraceUninitialized means the point was never traced.
	TraceUninitialized TraceStatus = iota
	// TraceGood means the search found a match and narrowed the inverse depth interval.
	TraceGood
	// TraceOOB means the search left the image; the point cannot be traced anymore.
	TraceOOB
	// TraceOutlier means the best match had too high an energy.
	TraceOutlier
	// TraceSkipped means the interval is already small in the target image.
	TraceSkipped
	// TraceBadCondition means the gradient is parallel to the epipolar line.
	TraceBadCondition
)

func (s TraceStatus) String() string {
	switch s {
	case TraceUninitialized:
		return "uninitialized"
	case TraceGood:
		return "good"
	case TraceOOB:
		return "oob"
	case TraceOutlier:
		return "outlier"
	case TraceSkipped:
		return "skipped"
	case TraceBadCondition:
		return "bad_condition"
	default:
		return "unknown"
	}
}

// ImmaturePoint is a candidate pixel of a keyframe whose inverse depth is only known to lie in
// [IDepthMin, IDepthMax]. IDepthMax is +Inf until the first successful trace.
type ImmaturePoint struct {
	Host    Handle
	U, V    float64
	Type    int
	Color   [config.PatternNum]float64
	Weights [config.PatternNum]float64
	// GradH is the row-major 2x2 structure tensor of the pattern.
	GradH    [4]float64
	EnergyTH float64

	IDepthMin float64
	IDepthMax float64
	Quality   float64

	LastTraceStatus        TraceStatus
	LastTraceU             float64
	LastTraceV             float64
	LastTracePixelInterval float64
}

// NewImmaturePoint samples the residual pattern of pixel (u, v) in the host image. It returns
// false when part of the pattern falls outside of the image.
func NewImmaturePoint(u, v float64, typ int, host *Frame, settings *config.Settings) (*ImmaturePoint, bool) {
	ip := &ImmaturePoint{
		Host:      host.handle,
		U:         u,
		V:         v,
		Type:      typ,
		IDepthMin: 0,
		IDepthMax: math.Inf(1),
		Quality:   10000,
		EnergyTH:  config.PatternNum * settings.OutlierTH * settings.OverallEnergyTHWeight * settings.OverallEnergyTHWeight,
	}
	lvl := host.Pyramid.Level(0)
	for idx, off := range config.Pattern {
		c, dx, dy, ok := lvl.Interpolate(u+float64(off[0]), v+float64(off[1]))
		if !ok || !utils.IsFinite(c) {
			return nil, false
		}
		ip.Color[idx] = c
		ip.GradH[0] += dx * dx
		ip.GradH[1] += dx * dy
		ip.GradH[2] += dx * dy
		ip.GradH[3] += dy * dy
		ip.Weights[idx] = math.Sqrt(settings.OutlierTHSumComponent / (settings.OutlierTHSumComponent + dx*dx + dy*dy))
	}
	return ip, true
}

// IDepthMid returns the center of the inverse depth interval, or NaN while it is unbounded.
func (ip *ImmaturePoint) IDepthMid() float64 {
	if math.IsInf(ip.IDepthMax, 1) {
		return math.NaN()
	}
	return 0.5 * (ip.IDepthMin + ip.IDepthMax)
}

// TraceOn searches the epipolar segment of the current inverse depth interval in target, given
// the relative pose of the target to the host and the affine brightness map (a, b) of host
// intensities into the target. intr are the full resolution intrinsics.
func (ip *ImmaturePoint) TraceOn(
	target *rimage.PyramidLevel,
	hostToTarget spatialmath.Pose,
	affA, affB float64,
	intr *transform.PinholeCameraIntrinsics,
	settings *config.Settings,
) TraceStatus {
	if ip.LastTraceStatus == TraceOOB {
		return ip.LastTraceStatus
	}
	w, h := float64(intr.Width), float64(intr.Height)
	maxPixSearch := (w + h) * settings.MaxPixSearch
	inImage := func(u, v float64) bool {
		return u > 4 && v > 4 && u < w-5 && v < h-5
	}
	oob := func() TraceStatus {
		ip.LastTraceU, ip.LastTraceV = -1, -1
		ip.LastTracePixelInterval = 0
		ip.LastTraceStatus = TraceOOB
		return TraceOOB
	}

	rm := hostToTarget.RotationMatrix()
	t := hostToTarget.Point()
	ray := intr.Ray(r2.Point{X: ip.U, Y: ip.V})
	rray := rm.MulVec(ray)
	pr := r3.Vector{X: intr.Fx*rray.X + intr.Ppx*rray.Z, Y: intr.Fy*rray.Y + intr.Ppy*rray.Z, Z: rray.Z}
	kt := r3.Vector{X: intr.Fx*t.X + intr.Ppx*t.Z, Y: intr.Fy*t.Y + intr.Ppy*t.Z, Z: t.Z}

	ptpMin := pr.Add(kt.Mul(ip.IDepthMin))
	uMin, vMin := ptpMin.X/ptpMin.Z, ptpMin.Y/ptpMin.Z
	if !inImage(uMin, vMin) {
		return oob()
	}

	var dist, uMax, vMax float64
	bounded := !math.IsInf(ip.IDepthMax, 1)
	if bounded {
		ptpMax := pr.Add(kt.Mul(ip.IDepthMax))
		uMax, vMax = ptpMax.X/ptpMax.Z, ptpMax.Y/ptpMax.Z
		if !inImage(uMax, vMax) {
			return oob()
		}
		dist = math.Hypot(uMin-uMax, vMin-vMax)
		if dist < settings.TraceSlackInterval {
			ip.LastTraceU, ip.LastTraceV = 0.5*(uMax+uMin), 0.5*(vMax+vMin)
			ip.LastTracePixelInterval = dist
			ip.LastTraceStatus = TraceSkipped
			return TraceSkipped
		}
	} else {
		dist = maxPixSearch
		// any finite inverse depth gives the direction of the epipolar line
		ptpMax := pr.Add(kt.Mul(0.01))
		ddx, ddy := ptpMax.X/ptpMax.Z-uMin, ptpMax.Y/ptpMax.Z-vMin
		d := 1 / math.Hypot(ddx, ddy)
		uMax = uMin + dist*ddx*d
		vMax = vMin + dist*ddy*d
		if !inImage(uMax, vMax) {
			return oob()
		}
	}

	// large scale changes make the pattern comparison meaningless
	if !(ip.IDepthMin < 0 || (ptpMin.Z > 0.75 && ptpMin.Z < 1.5)) {
		return oob()
	}

	dx := settings.TraceStepsize * (uMax - uMin)
	dy := settings.TraceStepsize * (vMax - vMin)
	along := dx*dx*ip.GradH[0] + 2*dx*dy*ip.GradH[1] + dy*dy*ip.GradH[3]
	across := dy*dy*ip.GradH[0] - 2*dx*dy*ip.GradH[1] + dx*dx*ip.GradH[3]
	errorInPixel := 0.2 + 0.2*(along+across)/along
	if errorInPixel*settings.TraceMinImprovementFactor > dist && bounded {
		ip.LastTraceU, ip.LastTraceV = 0.5*(uMax+uMin), 0.5*(vMax+vMin)
		ip.LastTracePixelInterval = dist
		ip.LastTraceStatus = TraceBadCondition
		return TraceBadCondition
	}
	if errorInPixel > 10 {
		errorInPixel = 10
	}

	dx /= dist
	dy /= dist
	if dist > maxPixSearch {
		dist = maxPixSearch
	}
	if !utils.IsFinite(dx) || !utils.IsFinite(dy) {
		return oob()
	}
	numSteps := int(1.9999 + dist/settings.TraceStepsize)
	if numSteps >= 100 {
		numSteps = 99
	}

	// pattern offsets as seen from the target
	kr00 := (intr.Fx*rm.At(0, 0) + intr.Ppx*rm.At(2, 0)) / intr.Fx
	kr01 := (intr.Fx*rm.At(0, 1) + intr.Ppx*rm.At(2, 1)) / intr.Fy
	kr10 := (intr.Fy*rm.At(1, 0) + intr.Ppy*rm.At(2, 0)) / intr.Fx
	kr11 := (intr.Fy*rm.At(1, 1) + intr.Ppy*rm.At(2, 1)) / intr.Fy
	var rotPattern [config.PatternNum][2]float64
	for idx, off := range config.Pattern {
		px, py := float64(off[0]), float64(off[1])
		rotPattern[idx] = [2]float64{kr00*px + kr01*py, kr10*px + kr11*py}
	}

	randShift := uMin*1000 - math.Floor(uMin*1000)
	ptx := uMin - randShift*dx
	pty := vMin - randShift*dy

	errs := make([]float64, numSteps)
	bestU, bestV, bestEnergy, bestIdx := 0.0, 0.0, 1e10, -1
	for i := 0; i < numSteps; i++ {
		var energy float64
		for idx := range config.Pattern {
			hit, ok := target.InterpolateIntensity(ptx+rotPattern[idx][0], pty+rotPattern[idx][1])
			if !ok {
				energy += 1e5
				continue
			}
			res := hit - (affA*ip.Color[idx] + affB)
			hw := utils.Huber(res, settings.HuberTH)
			energy += hw * res * res * (2 - hw)
		}
		errs[i] = energy
		if energy < bestEnergy {
			bestU, bestV, bestEnergy, bestIdx = ptx, pty, energy, i
		}
		ptx += dx
		pty += dy
	}

	secondBest := 1e10
	for i, e := range errs {
		if (i < bestIdx-settings.MinTraceTestRadius || i > bestIdx+settings.MinTraceTestRadius) && e < secondBest {
			secondBest = e
		}
	}
	newQuality := secondBest / bestEnergy
	if newQuality < ip.Quality || numSteps > 10 {
		ip.Quality = newQuality
	}

	// subpixel refinement along the line
	uBak, vBak, stepBack := bestU, bestV, 0.0
	if settings.TraceGNIterations > 0 {
		bestEnergy = 1e5
	}
	for it := 0; it < settings.TraceGNIterations; it++ {
		hess, grad, energy := 1.0, 0.0, 0.0
		for idx := range config.Pattern {
			hit, gx, gy, ok := target.Interpolate(bestU+rotPattern[idx][0], bestV+rotPattern[idx][1])
			if !ok {
				energy += 1e5
				continue
			}
			res := hit - (affA*ip.Color[idx] + affB)
			dResdDist := dx*gx + dy*gy
			hw := utils.Huber(res, settings.HuberTH)
			hess += hw * dResdDist * dResdDist
			grad += hw * res * dResdDist
			energy += ip.Weights[idx] * ip.Weights[idx] * hw * res * res * (2 - hw)
		}
		if energy > bestEnergy {
			stepBack *= 0.5
			bestU = uBak + stepBack*dx
			bestV = vBak + stepBack*dy
		} else {
			step := utils.Clamp(-grad/hess, -0.5, 0.5)
			if !utils.IsFinite(step) {
				step = 0
			}
			uBak, vBak, stepBack = bestU, bestV, step
			bestU += step * dx
			bestV += step * dy
			bestEnergy = energy
		}
		if math.Abs(stepBack) < settings.TraceGNThreshold {
			break
		}
	}

	if !(bestEnergy < ip.EnergyTH*settings.TraceExtraSlackOnTH) {
		ip.LastTraceU, ip.LastTraceV = -1, -1
		ip.LastTracePixelInterval = 0
		if ip.LastTraceStatus == TraceOutlier {
			ip.LastTraceStatus = TraceOOB
		} else {
			ip.LastTraceStatus = TraceOutlier
		}
		return ip.LastTraceStatus
	}

	if dx*dx > dy*dy {
		lo, hi := bestU-errorInPixel*dx, bestU+errorInPixel*dx
		ip.IDepthMin = (pr.Z*lo - pr.X) / (kt.X - kt.Z*lo)
		ip.IDepthMax = (pr.Z*hi - pr.X) / (kt.X - kt.Z*hi)
	} else {
		lo, hi := bestV-errorInPixel*dy, bestV+errorInPixel*dy
		ip.IDepthMin = (pr.Z*lo - pr.Y) / (kt.Y - kt.Z*lo)
		ip.IDepthMax = (pr.Z*hi - pr.Y) / (kt.Y - kt.Z*hi)
	}
	if ip.IDepthMin > ip.IDepthMax {
		ip.IDepthMin, ip.IDepthMax = ip.IDepthMax, ip.IDepthMin
	}
	if !utils.IsFinite(ip.IDepthMin) || !utils.IsFinite(ip.IDepthMax) || ip.IDepthMax < 0 {
		ip.LastTraceU, ip.LastTraceV = -1, -1
		ip.LastTracePixelInterval = 0
		ip.LastTraceStatus = TraceOutlier
		return TraceOutlier
	}

	ip.LastTracePixelInterval = 2 * errorInPixel
	ip.LastTraceU, ip.LastTraceV = bestU, bestV
	ip.LastTraceStatus = TraceGood
	return TraceGood
}
