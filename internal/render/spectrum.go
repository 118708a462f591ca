package render

import (
	"math"

	"vizexport/internal/analyzer"
	"vizexport/internal/layer"
)

// Clamp 将 v 限制在 [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize 将幅度裁剪到 [lo, hi] 后映射到 [0,1]，区间宽度为 0 时返回 0
func Normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (Clamp(v, lo, hi) - lo) / (hi - lo)
}

// BinRange 频率范围对应的频点区间 [start, end)，至少包含一个频点
func BinRange(snap *analyzer.Snapshot, minFreq, maxFreq float64) (start, end int) {
	n := snap.Len()
	if n == 0 {
		return 0, 0
	}
	start = snap.FrequencyBin(minFreq)
	end = snap.FrequencyBin(maxFreq)
	if start < 0 {
		start = 0
	}
	if start > n-1 {
		start = n - 1
	}
	if end > n {
		end = n
	}
	if end <= start {
		end = start + 1
	}
	return start, end
}

// SampleBins 在 [start, end) 上均匀选取 count 个频点。
// 第一个落在 start，最后一个落在 end-1；频点不足时步长为 1。
func SampleBins(start, end, count int) []int {
	if count <= 0 {
		return nil
	}
	bins := make([]int, count)
	total := end - start
	for i := range bins {
		switch {
		case count == 1 || total <= 1:
			bins[i] = start
		case total >= count:
			bins[i] = start + i*(total-1)/(count-1)
		default:
			bins[i] = min(start+i, end-1)
		}
	}
	return bins
}

// BarBins 柱状图每根柱子对应的频点
func BarBins(snap *analyzer.Snapshot, props layer.Properties) []int {
	start, end := BinRange(snap, props.MinFrequency, props.MaxFrequency)
	return SampleBins(start, end, props.BarCount)
}

// levels 读取频点幅度并归一化，再乘以灵敏度
func levels(snap *analyzer.Snapshot, bins []int, props layer.Properties) []float64 {
	out := make([]float64, len(bins))
	for i, b := range bins {
		out[i] = Normalize(float64(snap.At(b)), props.MinAmplitude, props.MaxAmplitude) * props.Sensitivity
	}
	return out
}

// BassEnergy 低频段（前 30% 频点）的平均幅度，归一化并乘以灵敏度后裁剪到 [0,1]
func BassEnergy(snap *analyzer.Snapshot, props layer.Properties) float64 {
	end := int(math.Floor(float64(snap.Len()) * 0.3))
	if end == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < end; i++ {
		sum += float64(snap.At(i))
	}
	avg := sum / float64(end)
	return Clamp(Normalize(avg, props.MinAmplitude, props.MaxAmplitude)*props.Sensitivity, 0, 1)
}
