package analyzer

import "math"

// Snapshot 单帧的频谱快照，每个频点为 0-255 的字节幅度。
// Bins 由 Stepper 持有并在下一次 Advance 时被覆盖，调用方不能跨帧保留。
type Snapshot struct {
	Bins       []byte
	SampleRate int
	Time       float64 // 虚拟时钟位置（秒）
}

// NewSnapshot 用给定数据构造快照
func NewSnapshot(sampleRate int, bins []byte) *Snapshot {
	return &Snapshot{Bins: bins, SampleRate: sampleRate}
}

// Len 频点数量
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bins)
}

// Nyquist 奈奎斯特频率
func (s *Snapshot) Nyquist() float64 {
	if s == nil {
		return 0
	}
	return float64(s.SampleRate) / 2
}

// At 返回第 i 个频点的幅度，越界时返回 0
func (s *Snapshot) At(i int) byte {
	if s == nil || i < 0 || i >= len(s.Bins) {
		return 0
	}
	return s.Bins[i]
}

// BinFrequency 第 i 个频点对应的频率: i/len * nyquist
func (s *Snapshot) BinFrequency(i int) float64 {
	n := s.Len()
	if n == 0 {
		return 0
	}
	return float64(i) / float64(n) * s.Nyquist()
}

// FrequencyBin 频率对应的频点: floor(freq/nyquist * len)，不做范围裁剪
func (s *Snapshot) FrequencyBin(freq float64) int {
	nyquist := s.Nyquist()
	if nyquist <= 0 {
		return 0
	}
	return int(math.Floor(freq / nyquist * float64(s.Len())))
}

// Clone 深拷贝，用于需要跨帧保存数据的场景（测试、预览）
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	bins := make([]byte, len(s.Bins))
	copy(bins, s.Bins)
	return &Snapshot{Bins: bins, SampleRate: s.SampleRate, Time: s.Time}
}
