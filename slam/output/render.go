package output

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"go.viam.com/dso/rimage"
)

// RenderKeyframe draws the points of a keyframe over its host image, colored by inverse depth
// relative to the nearest optimized point. Immature points are drawn smaller. A nil background
// gives a black canvas of the given size.
func RenderKeyframe(kf Keyframe, background *rimage.FloatImage, width, height int) image.Image {
	var dc *gg.Context
	if background != nil {
		dc = gg.NewContextForImage(background.ToGray())
	} else {
		dc = gg.NewContext(width, height)
		dc.SetColor(color.Black)
		dc.Clear()
	}

	maxIDepth := 0.0
	for _, p := range kf.Points {
		if p.Status != PointImmature {
			maxIDepth = max(maxIDepth, p.IDepth)
		}
	}
	for _, p := range kf.Points {
		radius := 2.0
		if p.Status == PointImmature {
			radius = 1
		}
		rimage.DrawDot(dc, p.U, p.V, radius, rimage.InverseDepthColor(p.IDepth, maxIDepth))
	}
	return dc.Image()
}
