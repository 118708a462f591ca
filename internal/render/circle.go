package render

import (
	"math"

	"github.com/gogpu/gg"
)

const (
	minCircleRadius    = 2
	minCircleBarLength = 2
)

// drawCircle 环形频谱。基准角在 6 点钟方向，频点从基准角向左右两侧对称排布，
// 低频在底部，高频在顶部汇合。
func drawCircle(dc *gg.Context, f frame) error {
	p := f.props
	count := p.BarCount
	if count < 1 {
		count = 1
	}

	maxRadius := math.Max(minCircleRadius, math.Min(f.w, f.h)/2)
	inner := math.Max(minCircleRadius, Clamp(p.CenterRadius, 0, 1)*maxRadius)
	if inner > maxRadius {
		inner = maxRadius
	}

	half := count / 2
	start, end := BinRange(f.snap, p.MinFrequency, p.MaxFrequency)
	values := levels(f.snap, SampleBins(start, end, half+1), p)

	step := 2 * math.Pi / float64(count)
	barWidth := math.Max(1, 2*math.Pi*inner/float64(count)*0.6)

	setPaint(dc, f)
	for i, v := range values {
		length := math.Max(minCircleBarLength, v*(maxRadius-inner))
		angles := []float64{float64(i) * step}
		if i > 0 && !(count%2 == 0 && i == half) {
			angles = append(angles, -float64(i)*step)
		}
		for _, a := range angles {
			dc.Push()
			dc.Rotate(a)
			dc.DrawRectangle(-barWidth/2, inner, barWidth, length)
			dc.Pop()
		}
	}
	return dc.Fill()
}
