// Package pixelselector picks well distributed high gradient pixels of an image as candidate
// points.
package pixelselector

import (
	"math"

	"github.com/valyala/fastrand"

	"go.viam.com/dso/config"
	"go.viam.com/dso/rimage"
)

const (
	blockSize = 32
	histBins  = 50
)

// Tier values written into selection maps. A tier n pixel is the best pixel of an n*pot cell.
const (
	Tier1 = 1
	Tier2 = 2
	Tier4 = 4
)

// Candidate is a selected pixel.
type Candidate struct {
	X, Y int
	Tier int
}

var directions = func() [16][2]float64 {
	var dirs [16][2]float64
	for i := range dirs {
		angle := float64(i) * math.Pi / 16
		dirs[i] = [2]float64{math.Cos(angle), math.Sin(angle)}
	}
	return dirs
}()

// PixelSelector selects candidate pixels by local gradient strength. The cell size adapts across
// calls to track the requested density.
type PixelSelector struct {
	width, height int
	settings      *config.Settings

	// cell size of the finest tier
	currentPotential int
	randomPattern    []uint8

	histPyr     *rimage.Pyramid
	blocksX     int
	blocksY     int
	thsSmoothed []float64
}

// New returns a selector for images of the given size. The random direction pattern is derived
// from the configured seed.
func New(width, height int, settings *config.Settings) *PixelSelector {
	var rng fastrand.RNG
	rng.Seed(settings.PixelSelectorSeed)
	pattern := make([]uint8, width*height)
	for i := range pattern {
		pattern[i] = uint8(rng.Uint32() & 0xFF)
	}
	return &PixelSelector{
		width:            width,
		height:           height,
		settings:         settings,
		currentPotential: 3,
		randomPattern:    pattern,
	}
}

// CurrentPotential returns the cell size the next selection starts from.
func (ps *PixelSelector) CurrentPotential() int {
	return ps.currentPotential
}

func histQuantile(hist []int, below float64) int {
	th := int(float64(hist[0])*below + 0.5)
	for i := 0; i < len(hist)-1; i++ {
		th -= hist[i+1]
		if th < 0 {
			return i
		}
	}
	return len(hist) - 1
}

// makeHists computes the per block gradient thresholds of the finest level and smooths them over
// the 3x3 block neighborhood.
func (ps *PixelSelector) makeHists(pyr *rimage.Pyramid) {
	lvl := pyr.Level(0)
	w, h := lvl.Width, lvl.Height
	ps.histPyr = pyr
	ps.blocksX = (w + blockSize - 1) / blockSize
	ps.blocksY = (h + blockSize - 1) / blockSize
	ths := make([]float64, ps.blocksX*ps.blocksY)
	hist := make([]int, histBins)
	for by := 0; by < ps.blocksY; by++ {
		for bx := 0; bx < ps.blocksX; bx++ {
			for i := range hist {
				hist[i] = 0
			}
			for y := by * blockSize; y < min((by+1)*blockSize, h); y++ {
				for x := bx * blockSize; x < min((bx+1)*blockSize, w); x++ {
					if x > w-2 || y > h-2 || x < 1 || y < 1 {
						continue
					}
					g := int(math.Sqrt(lvl.AbsSquaredGrad[y*w+x]))
					if g > histBins-2 {
						g = histBins - 2
					}
					hist[g+1]++
					hist[0]++
				}
			}
			ths[bx+by*ps.blocksX] = float64(histQuantile(hist, ps.settings.MinGradHistCut)) + ps.settings.MinGradHistAdd
		}
	}

	ps.thsSmoothed = make([]float64, len(ths))
	for by := 0; by < ps.blocksY; by++ {
		for bx := 0; bx < ps.blocksX; bx++ {
			var sum, num float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					x, y := bx+dx, by+dy
					if x < 0 || y < 0 || x >= ps.blocksX || y >= ps.blocksY {
						continue
					}
					sum += ths[x+y*ps.blocksX]
					num++
				}
			}
			mean := sum / num
			ps.thsSmoothed[bx+by*ps.blocksX] = mean * mean
		}
	}
}

// MakeMaps selects about density pixels of pyr. The returned map holds the tier of every
// selected pixel and zero elsewhere. recursionsLeft bounds how often the cell size is adapted
// within this call.
func (ps *PixelSelector) MakeMaps(pyr *rimage.Pyramid, density float64, recursionsLeft int, thFactor float64) ([]float64, int) {
	if pyr != ps.histPyr {
		ps.makeHists(pyr)
	}
	out := make([]float64, ps.width*ps.height)
	n1, n2, n4 := ps.selectPixels(pyr, out, ps.currentPotential, thFactor)
	numHave := float64(n1 + n2 + n4)
	quotient := density / math.Max(numHave, 1)

	// the selected count behaves like K / (pot+1)^2
	k := numHave * float64((ps.currentPotential+1)*(ps.currentPotential+1))
	idealPotential := int(math.Sqrt(k/density)) - 1
	if idealPotential < 1 {
		idealPotential = 1
	}

	if recursionsLeft > 0 && quotient > 1.25 && ps.currentPotential > 1 {
		if idealPotential >= ps.currentPotential {
			idealPotential = ps.currentPotential - 1
		}
		ps.currentPotential = idealPotential
		return ps.MakeMaps(pyr, density, recursionsLeft-1, thFactor)
	} else if recursionsLeft > 0 && quotient < 0.25 {
		if idealPotential <= ps.currentPotential {
			idealPotential = ps.currentPotential + 1
		}
		ps.currentPotential = idealPotential
		return ps.MakeMaps(pyr, density, recursionsLeft-1, thFactor)
	}

	numHaveSub := int(numHave)
	if quotient < 0.95 {
		th := uint8(255 * quotient)
		rn := 0
		for i, v := range out {
			if v == 0 {
				continue
			}
			if ps.randomPattern[rn] > th {
				out[i] = 0
				numHaveSub--
			}
			rn++
		}
	}
	ps.currentPotential = idealPotential
	return out, numHaveSub
}

func (ps *PixelSelector) threshold(x, y int) float64 {
	bx := min(x/blockSize, ps.blocksX-1)
	by := min(y/blockSize, ps.blocksY-1)
	return ps.thsSmoothed[bx+by*ps.blocksX]
}

func squaredGradAt(pyr *rimage.Pyramid, lvl, x, y int) float64 {
	if lvl >= pyr.NumLevels() {
		return 0
	}
	l := pyr.Level(lvl)
	scale := 1 / float64(int(1)<<lvl)
	lx := min(int(float64(x)*scale+0.5*scale), l.Width-1)
	ly := min(int(float64(y)*scale+0.5*scale), l.Height-1)
	return l.AbsSquaredGrad[lx+ly*l.Width]
}

// selectPixels fills out with the best pixel per pot, 2*pot and 4*pot cell. Within a cell the
// pixel with the largest gradient along the cell's random direction wins; a finer tier hit
// suppresses the coarser tiers of the same cell.
func (ps *PixelSelector) selectPixels(pyr *rimage.Pyramid, out []float64, pot int, thFactor float64) (int, int, int) {
	lvl0 := pyr.Level(0)
	w, h := lvl0.Width, lvl0.Height
	dw1 := ps.settings.GradDownweightPerLevel
	dw2 := dw1 * dw1
	byDirection := ps.settings.SelectDirectionDistribution

	n1, n2, n4 := 0, 0, 0
	for y4 := 0; y4 < h; y4 += 4 * pot {
		for x4 := 0; x4 < w; x4 += 4 * pot {
			my3 := min(4*pot, h-y4)
			mx3 := min(4*pot, w-x4)
			bestIdx4, bestVal4 := -1, 0.0
			dir4 := directions[ps.randomPattern[n1%len(ps.randomPattern)]&0xF]
			for y3 := 0; y3 < my3; y3 += 2 * pot {
				for x3 := 0; x3 < mx3; x3 += 2 * pot {
					x34, y34 := x3+x4, y3+y4
					my2 := min(2*pot, h-y34)
					mx2 := min(2*pot, w-x34)
					bestIdx3, bestVal3 := -1, 0.0
					dir3 := directions[ps.randomPattern[n1%len(ps.randomPattern)]&0xF]
					for y2 := 0; y2 < my2; y2 += pot {
						for x2 := 0; x2 < mx2; x2 += pot {
							x234, y234 := x2+x34, y2+y34
							my1 := min(pot, h-y234)
							mx1 := min(pot, w-x234)
							bestIdx2, bestVal2 := -1, 0.0
							dir2 := directions[ps.randomPattern[n1%len(ps.randomPattern)]&0xF]
							for y1 := 0; y1 < my1; y1++ {
								for x1 := 0; x1 < mx1; x1++ {
									xf, yf := x1+x234, y1+y234
									if xf < 4 || xf >= w-5 || yf < 4 || yf > h-4 {
										continue
									}
									idx := xf + w*yf
									th0 := ps.threshold(xf, yf)
									th1 := th0 * dw1
									th2 := th1 * dw2
									gx, gy := lvl0.Dx[idx], lvl0.Dy[idx]

									if ag0 := lvl0.AbsSquaredGrad[idx]; ag0 > th0*thFactor {
										score := math.Abs(gx*dir2[0] + gy*dir2[1])
										if !byDirection {
											score = ag0
										}
										if score > bestVal2 {
											bestVal2, bestIdx2 = score, idx
											bestIdx3, bestIdx4 = -2, -2
										}
									}
									if bestIdx3 == -2 {
										continue
									}
									if ag1 := squaredGradAt(pyr, 1, xf, yf); ag1 > th1*thFactor {
										score := math.Abs(gx*dir3[0] + gy*dir3[1])
										if !byDirection {
											score = ag1
										}
										if score > bestVal3 {
											bestVal3, bestIdx3 = score, idx
											bestIdx4 = -2
										}
									}
									if bestIdx4 == -2 {
										continue
									}
									if ag2 := squaredGradAt(pyr, 2, xf, yf); ag2 > th2*thFactor {
										score := math.Abs(gx*dir4[0] + gy*dir4[1])
										if !byDirection {
											score = ag2
										}
										if score > bestVal4 {
											bestVal4, bestIdx4 = score, idx
										}
									}
								}
							}
							if bestIdx2 > 0 {
								out[bestIdx2] = Tier1
								bestVal3 = 1e10
								n1++
							}
						}
					}
					if bestIdx3 > 0 {
						out[bestIdx3] = Tier2
						bestVal4 = 1e10
						n2++
					}
				}
			}
			if bestIdx4 > 0 {
				out[bestIdx4] = Tier4
				n4++
			}
		}
	}
	return n1, n2, n4
}

// Candidates lists the selected pixels of a selection map in row-major order.
func Candidates(selection []float64, width int) []Candidate {
	var out []Candidate
	for i, v := range selection {
		if v != 0 {
			out = append(out, Candidate{X: i % width, Y: i / width, Tier: int(v)})
		}
	}
	return out
}
