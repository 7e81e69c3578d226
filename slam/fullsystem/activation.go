package fullsystem

import (
	"math"

	"go.viam.com/dso/config"
	"go.viam.com/dso/slam/optimization"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

const (
	activationsPerRange = 16
	maxMinActDist       = 4
	maxActivationTrace  = 8
)

type activationOutcome int

const (
	activationKeep activationOutcome = iota
	activationDelete
	activationActivate
)

type activationCandidate struct {
	ip      *window.ImmaturePoint
	host    *window.Frame
	outcome activationOutcome
	idepth  float64
	hessian float64
}

// adaptMinActDist moves the minimum distance between activated points toward the desired point
// density.
func (fs *FullSystem) adaptMinActDist(numPoints int) {
	n := float64(numPoints)
	desired := fs.settings.DesiredPointDensity
	if n < desired*0.66 {
		fs.currentMinActDist -= 0.8
	}
	switch {
	case n < desired*0.8:
		fs.currentMinActDist -= 0.5
	case n < desired*0.9:
		fs.currentMinActDist -= 0.2
	case n < desired:
		fs.currentMinActDist -= 0.1
	}
	if n > desired*1.5 {
		fs.currentMinActDist += 0.8
	}
	if n > desired*1.3 {
		fs.currentMinActDist += 0.5
	}
	if n > desired*1.15 {
		fs.currentMinActDist += 0.2
	}
	if n > desired {
		fs.currentMinActDist += 0.1
	}
	fs.currentMinActDist = utils.Clamp(fs.currentMinActDist, 0, maxMinActDist)
}

func (fs *FullSystem) canActivate(ip *window.ImmaturePoint) bool {
	switch ip.LastTraceStatus {
	case window.TraceGood, window.TraceSkipped, window.TraceBadCondition, window.TraceOOB:
	default:
		return false
	}
	return ip.LastTracePixelInterval < maxActivationTrace &&
		ip.Quality > fs.settings.MinTraceQuality &&
		ip.IDepthMin+ip.IDepthMax > 0
}

// activatePoints turns immature points with a converged inverse depth into active points, keeping
// them spread out in the newest keyframe. Candidates are refined by a few Gauss-Newton steps on
// their inverse depth against every other keyframe.
func (fs *FullSystem) activatePoints(newest *window.Frame) {
	w := fs.ef.Window()
	fs.adaptMinActDist(w.NumPoints())
	fs.distMap.MakeDistanceMap(w, newest)

	var candidates []*activationCandidate
	for _, host := range w.Frames() {
		if host == newest {
			continue
		}
		hostToNew := spatialmath.Compose(newest.WorldToCam, host.CamToWorld())
		kept := host.Immature[:0]
		for _, ip := range host.Immature {
			if ip.IDepthMax < 0 || ip.LastTraceStatus == window.TraceOOB {
				continue
			}
			if !fs.canActivate(ip) {
				if !host.FlaggedForMarginalization {
					kept = append(kept, ip)
				}
				continue
			}
			x, y, ok := fs.distMap.ProjectToLevel1(hostToNew, ip.U, ip.V, ip.IDepthMid())
			if !ok {
				continue
			}
			kept = append(kept, ip)
			if float64(fs.distMap.Distance(x, y)) >= fs.currentMinActDist*float64(ip.Type) {
				fs.distMap.AddIntoDistFinal(x, y)
				candidates = append(candidates, &activationCandidate{ip: ip, host: host})
			}
		}
		for i := len(kept); i < len(host.Immature); i++ {
			host.Immature[i] = nil
		}
		host.Immature = kept
	}

	frames := w.Frames()
	counts := fs.reduce.Reduce(0, len(candidates), activationsPerRange, func(from, to int, c *mappingCounts, _ int) *mappingCounts {
		for _, cand := range candidates[from:to] {
			fs.optimizeImmaturePoint(cand, frames)
			switch cand.outcome {
			case activationActivate:
				c.activated++
			case activationDelete:
				c.deleted++
			case activationKeep:
			}
		}
		return c
	})

	removed := map[*window.ImmaturePoint]bool{}
	for _, cand := range candidates {
		switch cand.outcome {
		case activationKeep:
			continue
		case activationDelete:
			removed[cand.ip] = true
		case activationActivate:
			removed[cand.ip] = true
			fs.insertActivated(cand, frames)
		}
	}
	for _, host := range frames {
		kept := host.Immature[:0]
		for _, ip := range host.Immature {
			if !removed[ip] {
				kept = append(kept, ip)
			}
		}
		host.Immature = kept
	}
	fs.stats.addActivations(counts.activated, counts.deleted)
	fs.logger.Debugw("activated points",
		"candidates", len(candidates),
		"activated", counts.activated,
		"deleted", counts.deleted,
		"min_dist", fs.currentMinActDist)
}

// optimizeImmaturePoint runs Gauss-Newton on the inverse depth of a candidate against every
// keyframe but its host and decides its outcome. It only reads the window.
func (fs *FullSystem) optimizeImmaturePoint(cand *activationCandidate, frames []*window.Frame) {
	p := window.NewPointFromImmature(cand.ip, cand.ip.IDepthMid())
	type target struct {
		frame *window.Frame
		pre   optimization.PrecalcHostTarget
		res   window.Residual
	}
	var targets []*target
	for _, f := range frames {
		if f == cand.host {
			continue
		}
		targets = append(targets, &target{
			frame: f,
			pre:   optimization.NewPrecalcHostTarget(cand.host, f),
			res:   window.Residual{Host: cand.host.Handle(), Target: f.Handle()},
		})
	}

	evaluate := func() (energy, h, b float64, good int) {
		for _, t := range targets {
			energy += optimization.LinearizeResidual(cand.host, t.frame, p, &t.res, &t.pre, &fs.intr, &fs.settings)
			if t.res.NewState != window.ResidualIn {
				continue
			}
			good++
			for k := 0; k < config.PatternNum; k++ {
				j := t.res.Jac.JIDepth[k]
				h += t.res.Jac.W[k] * j * j
				b += t.res.Jac.W[k] * j * t.res.Jac.R[k]
			}
		}
		return energy, h, b, good
	}

	lastEnergy, lastH, lastB, good := evaluate()
	if !utils.IsFinite(lastEnergy) || lastH < fs.settings.MinIdepthHAct {
		cand.outcome = activationKeep
		return
	}

	lambda := 0.1
	for it := 0; it < fs.settings.GNItsOnPointActivation; it++ {
		step := -lastB / (lastH * (1 + lambda))
		prev := p.IDepth
		p.IDepth = prev + step
		energy, h, b, newGood := evaluate()
		if !utils.IsFinite(energy) || p.IDepth <= 0 || energy >= lastEnergy {
			p.IDepth = prev
			lambda *= 5
		} else {
			lastEnergy, lastH, lastB, good = energy, h, b, newGood
			lambda *= 0.5
		}
		if math.Abs(step) < 1e-4*math.Abs(p.IDepth) {
			break
		}
	}
	if good == 0 || !utils.IsFinite(p.IDepth) || p.IDepth <= 0 {
		cand.outcome = activationDelete
		return
	}
	if lastH < fs.settings.MinIdepthHAct || good < fs.settings.MinGoodActiveResForMarg {
		cand.outcome = activationKeep
		return
	}
	cand.outcome = activationActivate
	cand.idepth = p.IDepth
	cand.hessian = lastH
}

// insertActivated adds an activated point to the window with residuals into every other keyframe.
func (fs *FullSystem) insertActivated(cand *activationCandidate, frames []*window.Frame) {
	p := window.NewPointFromImmature(cand.ip, cand.idepth)
	p.IDepthHessian = cand.hessian
	if _, err := fs.ef.InsertPoint(cand.host, p); err != nil {
		fs.logger.Debugw("cannot activate point", "error", err)
		return
	}
	newest := frames[len(frames)-1]
	var secondNewest *window.Frame
	if len(frames) > 1 {
		secondNewest = frames[len(frames)-2]
	}
	for _, f := range frames {
		if f == cand.host {
			continue
		}
		h, err := fs.ef.InsertResidual(window.NewResidual(p, f))
		if err != nil {
			continue
		}
		switch f {
		case newest:
			p.LastResiduals[0] = window.LastResidual{Residual: h, State: window.ResidualIn}
		case secondNewest:
			p.LastResiduals[1] = window.LastResidual{Residual: h, State: window.ResidualIn}
		}
	}
}
