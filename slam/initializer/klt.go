package initializer

import (
	"math"

	"go.viam.com/dso/rimage"
)

// kltTracker tracks square patches between two pyramids by translational Lucas-Kanade, coarse
// to fine, using the inverse compositional update.
type kltTracker struct {
	halfWindow    int
	maxIterations int
}

func levelCoord(x float64, lvl int) float64 {
	s := float64(int(1) << lvl)
	return (x+0.5)/s - 0.5
}

// track moves the patch around (u, v) of from into to, starting at guess (gu, gv). Both points
// are level 0 pixel coordinates. ok is false when too little of the patch is inside the images
// or the system is degenerate. Samples falling outside an image are skipped, so patches near
// the border still track on coarse levels.
func (k *kltTracker) track(from, to *rimage.Pyramid, u, v, gu, gv float64) (float64, float64, bool) {
	numLevels := min(from.NumLevels(), to.NumLevels())
	n := 2*k.halfWindow + 1
	minSamples := n * n / 2
	tmpl := make([]float64, n*n)
	gxs := make([]float64, n*n)
	gys := make([]float64, n*n)
	valid := make([]bool, n*n)

	// flow relative to the template position, in pixels of the current level
	fx := levelCoord(gu, numLevels-1) - levelCoord(u, numLevels-1)
	fy := levelCoord(gv, numLevels-1) - levelCoord(v, numLevels-1)
	for lvl := numLevels - 1; lvl >= 0; lvl-- {
		src := from.Level(lvl)
		dst := to.Level(lvl)
		cu, cv := levelCoord(u, lvl), levelCoord(v, lvl)

		var h00, h01, h11 float64
		count := 0
		i := 0
		for dy := -k.halfWindow; dy <= k.halfWindow; dy++ {
			for dx := -k.halfWindow; dx <= k.halfWindow; dx++ {
				c, gx, gy, ok := src.Interpolate(cu+float64(dx), cv+float64(dy))
				valid[i] = ok
				if ok {
					tmpl[i], gxs[i], gys[i] = c, gx, gy
					count++
				}
				i++
			}
		}
		if count < minSamples {
			return 0, 0, false
		}

		for it := 0; it < k.maxIterations; it++ {
			var b0, b1 float64
			h00, h01, h11 = 0, 0, 0
			count = 0
			i = 0
			for dy := -k.halfWindow; dy <= k.halfWindow; dy++ {
				for dx := -k.halfWindow; dx <= k.halfWindow; dx++ {
					if !valid[i] {
						i++
						continue
					}
					c, ok := dst.InterpolateIntensity(cu+fx+float64(dx), cv+fy+float64(dy))
					if ok {
						e := c - tmpl[i]
						b0 += gxs[i] * e
						b1 += gys[i] * e
						h00 += gxs[i] * gxs[i]
						h01 += gxs[i] * gys[i]
						h11 += gys[i] * gys[i]
						count++
					}
					i++
				}
			}
			det := h00*h11 - h01*h01
			if count < minSamples || det < 1e-6 {
				return 0, 0, false
			}
			sx := (h11*b0 - h01*b1) / det
			sy := (h00*b1 - h01*b0) / det
			fx -= sx
			fy -= sy
			if sx*sx+sy*sy < 1e-4 {
				break
			}
		}
		if lvl > 0 {
			fx *= 2
			fy *= 2
		}
	}
	tu, tv := u+fx, v+fy
	if math.IsNaN(tu) || math.IsNaN(tv) {
		return 0, 0, false
	}
	return tu, tv, true
}
