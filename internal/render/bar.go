package render

import (
	"math"

	"github.com/gogpu/gg"
)

// minBarHeight 柱子的最小可见高度
const minBarHeight = 4

// drawBar 柱状频谱。内容在包围盒内水平居中，mirrored 时从中线向两侧生长，否则从底边向上。
func drawBar(dc *gg.Context, f frame) error {
	p := f.props
	count := p.BarCount
	if count < 1 {
		count = 1
	}

	if p.Flip {
		dc.Scale(-1, 1)
	}

	totalGap := math.Max(0, float64(count-1)*p.BarGap)
	barWidth := math.Max(0, (f.w-totalGap)/float64(count))
	contentWidth := barWidth*float64(count) + totalGap
	left := -contentWidth / 2

	values := levels(f.snap, BarBins(f.snap, p), p)

	setPaint(dc, f)
	for i, v := range values {
		h := math.Max(minBarHeight, v*f.h)
		x := left + float64(i)*(barWidth+p.BarGap)
		if p.Mirrored {
			dc.DrawRectangle(x, -h/2, barWidth, h)
		} else {
			dc.DrawRectangle(x, f.h/2-h, barWidth, h)
		}
	}
	return dc.Fill()
}
