package analyzer

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"vizexport/internal/types"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	// DefaultFFTSize 与浏览器 AnalyserNode 的默认配置一致
	DefaultFFTSize = 2048
	// DefaultSmoothing 默认平滑系数
	DefaultSmoothing = 0.8
	// DefaultMinDecibels 映射到 0 的分贝值
	DefaultMinDecibels = -100.0
	// DefaultMaxDecibels 映射到 255 的分贝值
	DefaultMaxDecibels = -30.0
	// RenderQuantum 离线渲染的最小推进单位（采样帧）
	RenderQuantum = 128
)

var (
	// ErrBeyondDuration 时间戳超出音频时长
	ErrBeyondDuration = errors.New("时间戳超出音频时长")
	// ErrClockRewind 虚拟时钟只能向前推进
	ErrClockRewind = errors.New("虚拟时钟不能回退")
)

// Option 频谱步进器选项
type Option func(*Stepper)

// WithFFTSize 设置分析窗口大小，必须是 32 到 32768 之间的 2 的幂
func WithFFTSize(n int) Option {
	return func(s *Stepper) { s.fftSize = n }
}

// WithSmoothing 设置平滑系数
func WithSmoothing(v float64) Option {
	return func(s *Stepper) { s.smoothing = v }
}

// WithDecibelRange 设置字节量化的分贝范围
func WithDecibelRange(minDb, maxDb float64) Option {
	return func(s *Stepper) {
		s.minDecibels = minDb
		s.maxDecibels = maxDb
	}
}

// WithRenderQuantum 设置虚拟时钟的量化单位，1 表示不量化
func WithRenderQuantum(n int) Option {
	return func(s *Stepper) { s.quantum = n }
}

// Stepper 频谱快照步进器。
// 在解码后的音频上推进一个虚拟时钟，每次停在指定时间点并读取当前的频谱。
// 同一音频、同一时间序列和同一平滑系数总是得到逐字节相同的快照序列。
type Stepper struct {
	asset       *types.Asset
	fftSize     int
	smoothing   float64
	minDecibels float64
	maxDecibels float64
	quantum     int

	mono     []float64 // 下混后的单声道数据
	window   []float64 // Blackman 窗
	frame    []float64 // 加窗后的分析帧
	smoothed []float64 // 平滑后的线性幅度
	snapshot Snapshot
	clock    int // 当前采样位置
}

// NewStepper 创建频谱步进器
func NewStepper(asset *types.Asset, opts ...Option) (*Stepper, error) {
	if err := asset.Validate(); err != nil {
		return nil, fmt.Errorf("无法创建频谱分析: %w", err)
	}

	s := &Stepper{
		asset:       asset,
		fftSize:     DefaultFFTSize,
		smoothing:   DefaultSmoothing,
		minDecibels: DefaultMinDecibels,
		maxDecibels: DefaultMaxDecibels,
		quantum:     RenderQuantum,
	}
	for _, opt := range opts {
		opt(s)
	}

	if !isPowerOf2(s.fftSize) || s.fftSize < 32 || s.fftSize > 32768 {
		return nil, fmt.Errorf("无效的FFT窗口大小: %d", s.fftSize)
	}
	if s.minDecibels >= s.maxDecibels {
		return nil, fmt.Errorf("无效的分贝范围: [%.1f, %.1f]", s.minDecibels, s.maxDecibels)
	}
	if s.quantum < 1 {
		s.quantum = 1
	}
	s.SetSmoothing(s.smoothing)

	s.mono = downmix(asset)
	s.window = blackmanWindow(s.fftSize)
	s.frame = make([]float64, s.fftSize)
	s.smoothed = make([]float64, s.fftSize/2)
	s.snapshot = Snapshot{
		Bins:       make([]byte, s.fftSize/2),
		SampleRate: asset.SampleRate,
	}

	return s, nil
}

// SetSmoothing 设置平滑系数，超出 [0,1] 的值会被裁剪
func (s *Stepper) SetSmoothing(v float64) {
	if math.IsNaN(v) {
		v = DefaultSmoothing
	}
	s.smoothing = math.Min(1, math.Max(0, v))
}

// Smoothing 当前平滑系数
func (s *Stepper) Smoothing() float64 {
	return s.smoothing
}

// BinCount 每个快照的频点数量
func (s *Stepper) BinCount() int {
	return s.fftSize / 2
}

// Duration 音频时长（秒）
func (s *Stepper) Duration() float64 {
	return s.asset.Duration()
}

// Reset 将虚拟时钟和平滑状态回到起点
func (s *Stepper) Reset() {
	s.clock = 0
	for i := range s.smoothed {
		s.smoothed[i] = 0
	}
	for i := range s.snapshot.Bins {
		s.snapshot.Bins[i] = 0
	}
	s.snapshot.Time = 0
}

// Advance 将虚拟时钟推进到 t 秒并返回该时刻的频谱快照。
// 返回的快照在下一次调用前有效。
func (s *Stepper) Advance(t float64) (*Snapshot, error) {
	if math.IsNaN(t) || t < 0 {
		return nil, fmt.Errorf("无效的时间戳: %v", t)
	}

	length := s.asset.Length()
	position := t * float64(s.asset.SampleRate)
	// 允许浮点误差，i/fps 乘以采样率时常常差一点点
	if position > float64(length)+1e-6 {
		return nil, fmt.Errorf("%w: %.6fs > %.6fs", ErrBeyondDuration, t, s.asset.Duration())
	}

	pos := int(math.Floor(position + 1e-6))
	pos = pos / s.quantum * s.quantum
	if pos > length {
		pos = length
	}
	if pos < s.clock {
		return nil, fmt.Errorf("%w: %d < %d", ErrClockRewind, pos, s.clock)
	}

	s.clock = pos
	s.analyse(pos)
	s.snapshot.Time = t
	return &s.snapshot, nil
}

// analyse 对 pos 之前的 fftSize 个采样做加窗FFT，平滑后量化为字节
func (s *Stepper) analyse(pos int) {
	start := pos - s.fftSize
	for i := 0; i < s.fftSize; i++ {
		idx := start + i
		v := 0.0
		if idx >= 0 && idx < len(s.mono) {
			v = s.mono[idx]
		}
		s.frame[i] = v * s.window[i]
	}

	spectrum := fft.FFTReal(s.frame)

	tau := s.smoothing
	rangeScale := 255 / (s.maxDecibels - s.minDecibels)
	n := float64(s.fftSize)

	for k := range s.smoothed {
		magnitude := cmplx.Abs(spectrum[k]) / n
		v := tau*s.smoothed[k] + (1-tau)*magnitude
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		s.smoothed[k] = v

		db := s.minDecibels
		if v > 0 {
			db = 20 * math.Log10(v)
		}
		scaled := math.Floor(rangeScale * (db - s.minDecibels))
		if scaled < 0 {
			scaled = 0
		} else if scaled > 255 {
			scaled = 255
		}
		s.snapshot.Bins[k] = byte(scaled)
	}
}

// downmix 多声道平均为单声道
func downmix(asset *types.Asset) []float64 {
	length := asset.Length()
	channels := float64(asset.NumChannels())
	mono := make([]float64, length)
	for _, data := range asset.Channels {
		for i, v := range data {
			mono[i] += float64(v)
		}
	}
	for i := range mono {
		mono[i] /= channels
	}
	return mono
}

// blackmanWindow 生成长度为 n 的 Blackman 窗系数
func blackmanWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return window.Blackman(w)
}

// isPowerOf2 判断是否为2的幂
func isPowerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}
