package rimage

import (
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
)

// InverseDepthColor maps an inverse depth in [0, maxIDepth] onto a hue ramp from blue (far) to
// red (near).
func InverseDepthColor(idepth, maxIDepth float64) color.Color {
	t := 0.0
	if maxIDepth > 0 {
		t = math.Max(0, math.Min(1, idepth/maxIDepth))
	}
	return colorful.Hsv(240*(1-t), 1, 1).Clamped()
}

// DrawDot draws a filled dot centered on pixel (x, y).
func DrawDot(dc *gg.Context, x, y, radius float64, c color.Color) {
	dc.SetColor(c)
	dc.DrawCircle(x+0.5, y+0.5, radius)
	dc.Fill()
}
