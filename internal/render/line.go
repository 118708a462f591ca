package render

import (
	"math"

	"github.com/gogpu/gg"
)

const (
	linePoints     = 128
	lineWidthRatio = 0.9
	lineStroke     = 3
)

// drawLine 折线频谱，在全部频点上等距取 128 个点，以包围盒底边为基线
func drawLine(dc *gg.Context, f frame) error {
	p := f.props
	if p.Flip {
		dc.Scale(-1, 1)
	}

	drawingWidth := f.w * lineWidthRatio
	startX := -drawingWidth / 2
	pointWidth := drawingWidth / linePoints
	step := int(math.Max(1, math.Floor(float64(f.snap.Len())/linePoints)))

	for i := 0; i < linePoints; i++ {
		v := Normalize(float64(f.snap.At(i*step)), p.MinAmplitude, p.MaxAmplitude) * p.Sensitivity
		x := startX + float64(i)*pointWidth
		y := f.h/2 - v*f.h
		if i == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}

	setPaint(dc, f)
	dc.SetLineWidth(lineStroke)
	return dc.Stroke()
}
