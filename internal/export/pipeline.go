package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vizexport/internal/analyzer"
	"vizexport/internal/layer"
	"vizexport/internal/render"
	"vizexport/internal/types"

	"github.com/gogpu/gg"
	"github.com/google/uuid"
)

// ErrNoAudio 没有可用的音频
var ErrNoAudio = errors.New("没有可导出的音频")

// errCancelled 内部信号，取消不是错误
var errCancelled = errors.New("cancelled")

const (
	// RenderWeight 渲染阶段在总进度中的占比
	RenderWeight = 80.0
	// AudioWeight 音频编码阶段的占比
	AudioWeight = 10.0

	DefaultKeyframeInterval = 120
	DefaultHighWater        = 5
	DefaultLowWater         = 2
	DefaultPollInterval     = 5 * time.Millisecond
	MaxFPS                  = 240
)

// Request 一次导出的输入，音频和图层由调用方持有
type Request struct {
	Asset      *types.Asset
	Source     string // 音频来源名称，用于日志和默认文件名
	Layers     []layer.Layer
	Background string
	Resolution types.Resolution
	FPS        int
}

// Pipeline 导出流水线: 逐帧推进频谱、合成画面并送入编码器，再编码音频并封装
type Pipeline struct {
	backend    Backend
	compositor *render.Compositor
	logger     *slog.Logger

	outputDir        string
	keyframeInterval int
	highWater        int
	lowWater         int
	pollInterval     time.Duration
}

// PipelineOption 流水线选项
type PipelineOption func(*Pipeline)

// WithPipelineLogger 设置日志
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithOutputDir 完成后把文件写入该目录
func WithOutputDir(dir string) PipelineOption {
	return func(p *Pipeline) { p.outputDir = dir }
}

// WithBackpressure 设置编码队列的高低水位和轮询间隔
func WithBackpressure(high, low int, poll time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.highWater = high
		p.lowWater = low
		p.pollInterval = poll
	}
}

// WithKeyframeInterval 设置强制关键帧间隔
func WithKeyframeInterval(n int) PipelineOption {
	return func(p *Pipeline) { p.keyframeInterval = n }
}

// NewPipeline 创建导出流水线
func NewPipeline(backend Backend, compositor *render.Compositor, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		backend:          backend,
		compositor:       compositor,
		logger:           slog.New(slog.DiscardHandler),
		keyframeInterval: DefaultKeyframeInterval,
		highWater:        DefaultHighWater,
		lowWater:         DefaultLowWater,
		pollInterval:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.compositor == nil {
		p.compositor = render.NewCompositor(nil, render.WithLogger(p.logger))
	}
	if p.lowWater > p.highWater {
		p.lowWater = p.highWater
	}
	if p.keyframeInterval < 1 {
		p.keyframeInterval = DefaultKeyframeInterval
	}
	return p
}

// Backend 流水线使用的后端
func (p *Pipeline) Backend() Backend {
	return p.backend
}

// Prepare 校验输入并创建任务。输入错误直接返回，不会创建任务。
func (p *Pipeline) Prepare(req Request) (*Job, error) {
	if err := req.Asset.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAudio, err)
	}
	preset, ok := types.Resolutions[req.Resolution.Name]
	if !ok || preset != req.Resolution {
		return nil, fmt.Errorf("%w: %dx%d", types.ErrUnsupportedResolution, req.Resolution.Width, req.Resolution.Height)
	}
	if req.FPS <= 0 || req.FPS > MaxFPS {
		return nil, fmt.Errorf("无效的帧率: %d", req.FPS)
	}
	if _, err := layer.NewList(req.Layers...); err != nil {
		return nil, err
	}

	background := req.Background
	if background == "" {
		background = layer.DefaultBackground
	}

	layers := make([]layer.Layer, len(req.Layers))
	copy(layers, req.Layers)

	return &Job{
		ID:      uuid.NewString(),
		Source:  req.Source,
		Backend: p.backend.Name(),
		Settings: Settings{
			Resolution: preset.Name,
			Width:      preset.Width,
			Height:     preset.Height,
			FPS:        req.FPS,
		},
		TotalFrames: TotalFrames(req.Asset, req.FPS),
		CreatedAt:   time.Now(),
		asset:       req.Asset,
		layers:      layers,
		background:  background,
		status:      StatusInitializing,
	}, nil
}

// TotalFrames floor(时长 × 帧率)，用整数采样运算避免浮点误差
func TotalFrames(asset *types.Asset, fps int) int {
	if asset == nil || asset.SampleRate <= 0 {
		return 0
	}
	return int(int64(asset.Length()) * int64(fps) / int64(asset.SampleRate))
}

// RepresentativeSmoothing 整个任务共用一个平滑系数: 取第一个图层的值，没有图层时用默认值。
// 图层之间取值不同时第二个返回值为 true。
func RepresentativeSmoothing(layers []layer.Layer) (float64, bool) {
	if len(layers) == 0 {
		return analyzer.DefaultSmoothing, false
	}
	s := layers[0].Properties.Smoothing
	for _, l := range layers[1:] {
		if l.Properties.Smoothing != s {
			return s, true
		}
	}
	return s, false
}

// Run 执行任务直到终止状态。取消不视为错误，返回 nil，状态为 cancelled。
func (p *Pipeline) Run(ctx context.Context, job *Job) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	if !job.start(stop) {
		return fmt.Errorf("任务 %s 已经运行过", job.ID)
	}
	log := p.logger.With("job", job.ID, "backend", p.backend.Name())
	log.Info("开始导出", "source", job.Source, "width", job.Settings.Width,
		"height", job.Settings.Height, "fps", job.Settings.FPS, "frames", job.TotalFrames)

	out, phase, err := p.run(ctx, job, log)
	switch {
	case err == nil:
		job.finish(StatusComplete, "导出完成", "", out)
		log.Info("导出完成", "file", out.Filename, "size", out.Size, "frames", job.FramesRendered())
		return nil
	case errors.Is(err, errCancelled) || errors.Is(err, context.Canceled):
		job.finish(StatusCancelled, "已取消", "", nil)
		log.Info("导出已取消", "frames", job.FramesRendered())
		return nil
	default:
		msg := fmt.Sprintf("%s: %v", phase, err)
		job.finish(StatusFailed, "导出失败", msg, nil)
		log.Error("导出失败", "phase", phase, "error", err)
		return fmt.Errorf("%s: %w", phase, err)
	}
}

func (p *Pipeline) cancelled(ctx context.Context, job *Job) bool {
	return job.CancelRequested() || ctx.Err() != nil
}

func (p *Pipeline) run(ctx context.Context, job *Job, log *slog.Logger) (*Output, Status, error) {
	phase := StatusInitializing
	if p.cancelled(ctx, job) {
		return nil, phase, errCancelled
	}
	job.update(phase, 0, "准备编码器")

	if err := p.compositor.Assets().Preload(ctx, render.ImageURLs(job.layers)...); err != nil {
		return nil, phase, errCancelled
	}

	session, err := p.open(ctx, job, log)
	if err != nil {
		return nil, phase, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Warn("释放编码会话失败", "error", cerr)
		}
	}()

	phase = StatusAnalyzing
	job.update(phase, 0, "分析音频")
	smoothing, mixed := RepresentativeSmoothing(job.layers)
	if mixed {
		log.Warn("图层的平滑系数不一致，统一使用第一个图层的值", "smoothing", smoothing)
	}
	stepper, err := analyzer.NewStepper(job.asset, analyzer.WithSmoothing(smoothing))
	if err != nil {
		return nil, phase, err
	}

	phase = StatusRendering
	job.update(phase, 0, "渲染画面")
	if err := p.renderFrames(ctx, job, stepper, session.Video()); err != nil {
		return nil, phase, err
	}

	phase = StatusEncodingAudio
	job.update(phase, RenderWeight, "编码音频")
	if err := p.encodeAudio(ctx, job, session.Audio()); err != nil {
		return nil, phase, err
	}

	phase = StatusFinalizing
	if p.cancelled(ctx, job) {
		return nil, phase, errCancelled
	}
	job.update(phase, RenderWeight+AudioWeight, "封装文件")
	if err := session.Video().Flush(ctx); err != nil {
		return nil, phase, err
	}
	if p.cancelled(ctx, job) {
		return nil, phase, errCancelled
	}
	container, err := session.Finalize(ctx)
	if err != nil {
		return nil, phase, err
	}
	job.update(phase, 95, "")

	out, err := p.writeOutput(job, container)
	if err != nil {
		return nil, phase, err
	}
	return out, phase, nil
}

// open 先用首选档位，不支持时回退一次
func (p *Pipeline) open(ctx context.Context, job *Job, log *slog.Logger) (Session, error) {
	profiles := p.backend.VideoProfiles()
	if len(profiles) == 0 {
		profiles = []string{""}
	}
	if len(profiles) > 2 {
		profiles = profiles[:2]
	}

	cfg := SessionConfig{
		Width:            job.Settings.Width,
		Height:           job.Settings.Height,
		FPS:              job.Settings.FPS,
		TotalFrames:      job.TotalFrames,
		KeyframeInterval: p.keyframeInterval,
		SampleRate:       job.asset.SampleRate,
		Channels:         job.asset.NumChannels(),
	}

	var err error
	for i, profile := range profiles {
		cfg.VideoProfile = profile
		var s Session
		s, err = p.backend.Open(ctx, cfg)
		if err == nil {
			if i > 0 {
				log.Warn("首选编码档位不可用，已回退", "profile", profile)
			}
			return s, nil
		}
		if !errors.Is(err, ErrUnsupportedConfig) {
			return nil, err
		}
		log.Warn("编码档位不受支持", "profile", profile, "error", err)
	}
	return nil, err
}

func (p *Pipeline) renderFrames(ctx context.Context, job *Job, stepper *analyzer.Stepper, video VideoEncoder) error {
	w, h, fps := job.Settings.Width, job.Settings.Height, job.Settings.FPS
	dc := gg.NewContext(w, h)
	defer dc.Close()

	duration := job.asset.Duration()
	total := job.TotalFrames

	for i := 0; i < total; i++ {
		if p.cancelled(ctx, job) {
			return errCancelled
		}

		t := float64(i) / float64(fps)
		if t > duration {
			break
		}
		snap, err := stepper.Advance(t)
		if err != nil {
			return fmt.Errorf("第 %d 帧: %w", i, err)
		}

		// 图层错误已在合成器内记录，不影响整帧
		_ = p.compositor.Render(dc, w, h, snap, job.layers, job.background)

		img, ok := dc.Image().(*image.RGBA)
		if !ok {
			return errors.New("画布格式不是RGBA")
		}

		if err := p.waitForQueue(ctx, job, video); err != nil {
			return err
		}

		frame := VideoFrame{
			Index:     i,
			Image:     img,
			Timestamp: int64(i) * 1_000_000 / int64(fps),
			Keyframe:  i%p.keyframeInterval == 0,
		}
		if err := video.Encode(ctx, frame); err != nil {
			return fmt.Errorf("编码第 %d 帧: %w", i, err)
		}

		job.framesRendered.Add(1)
		job.update(StatusRendering, float64(i+1)/float64(total)*RenderWeight, "")
	}
	return nil
}

// waitForQueue 编码队列超过高水位时轮询等待，降到低水位以下再继续
func (p *Pipeline) waitForQueue(ctx context.Context, job *Job, video VideoEncoder) error {
	if video.QueueSize() <= p.highWater {
		return nil
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for video.QueueSize() > p.lowWater {
		if p.cancelled(ctx, job) {
			return errCancelled
		}
		select {
		case <-ctx.Done():
			return errCancelled
		case <-ticker.C:
		}
	}
	return nil
}

// encodeAudio 按一秒切块送入音频编码器
func (p *Pipeline) encodeAudio(ctx context.Context, job *Job, audio AudioEncoder) error {
	asset := job.asset
	sr := asset.SampleRate
	length := asset.Length()

	for offset := 0; offset < length; offset += sr {
		if p.cancelled(ctx, job) {
			return errCancelled
		}
		end := min(offset+sr, length)
		chunk := AudioChunk{
			Timestamp:  int64(offset) * 1_000_000 / int64(sr),
			SampleRate: sr,
			Channels:   make([][]float32, asset.NumChannels()),
		}
		for ch, data := range asset.Channels {
			chunk.Channels[ch] = data[offset:end]
		}
		if err := audio.Encode(ctx, chunk); err != nil {
			return fmt.Errorf("编码音频 %d: %w", offset, err)
		}
		job.update(StatusEncodingAudio, RenderWeight+AudioWeight*float64(end)/float64(length), "")
	}
	return audio.Flush(ctx)
}

func (p *Pipeline) writeOutput(job *Job, c *Container) (*Output, error) {
	out := &Output{
		Filename: DefaultFilename(job.Source, job.ID, c.Ext),
		MIME:     c.MIME,
		Data:     c.Data,
		Size:     int64(len(c.Data)),
	}
	if p.outputDir == "" {
		return out, nil
	}
	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	out.Path = filepath.Join(p.outputDir, out.Filename)
	if err := os.WriteFile(out.Path, c.Data, 0o644); err != nil {
		return nil, fmt.Errorf("写入输出文件失败: %w", err)
	}
	out.Data = nil
	return out, nil
}

// DefaultFilename 默认下载文件名: <音频名>-visualizer-<任务前缀><扩展名>
func DefaultFilename(source, jobID, ext string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "export"
	}
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-visualizer-%s%s", base, short, ext)
}
