package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image/jpeg"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	nativeMaxDimension = 4096
	nativeQueueCap     = 64
)

// NativeBackend 进程内编码: 后台协程做 MJPEG 编码，音频为 16 位 PCM，封装为 AVI
type NativeBackend struct {
	logger  *slog.Logger
	tempDir string
	maxSize int64
}

// NativeOption 内置后端选项
type NativeOption func(*NativeBackend)

// WithNativeTempDir 编码数据暂存的目录，默认系统临时目录
func WithNativeTempDir(dir string) NativeOption {
	return func(b *NativeBackend) { b.tempDir = dir }
}

// WithMaxContainerSize 输出文件的大小上限，不能超过 AVI 1.0 的 4 GiB
func WithMaxContainerSize(n int64) NativeOption {
	return func(b *NativeBackend) { b.maxSize = n }
}

// NewNativeBackend 创建内置后端
func NewNativeBackend(logger *slog.Logger, opts ...NativeOption) *NativeBackend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &NativeBackend{logger: logger.With("component", "native")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name 后端名称
func (b *NativeBackend) Name() string { return "native" }

// VideoProfiles 首选高质量，回退到较低质量
func (b *NativeBackend) VideoProfiles() []string {
	return []string{"mjpeg-q90", "mjpeg-q75"}
}

// Open 打开编码会话
func (b *NativeBackend) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	quality, err := parseMJPEGProfile(cfg.VideoProfile)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > nativeMaxDimension || cfg.Height > nativeMaxDimension {
		return nil, fmt.Errorf("%w: 分辨率 %dx%d", ErrUnsupportedConfig, cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("%w: 帧率 %d", ErrUnsupportedConfig, cfg.FPS)
	}
	if cfg.Channels < 1 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: 音频 %d 声道 %d Hz", ErrUnsupportedConfig, cfg.Channels, cfg.SampleRate)
	}

	mux, err := newAVIMuxer(cfg, b.tempDir, b.maxSize)
	if err != nil {
		return nil, err
	}
	s := &nativeSession{
		mux:   mux,
		video: newMJPEGEncoder(mux, quality),
		audio: &pcmEncoder{mux: mux, channels: cfg.Channels, sampleRate: cfg.SampleRate, last: -1},
	}
	b.logger.Debug("打开编码会话", "profile", cfg.VideoProfile, "width", cfg.Width, "height", cfg.Height)
	return s, nil
}

// parseMJPEGProfile 解析 mjpeg-qNN
func parseMJPEGProfile(profile string) (int, error) {
	q, ok := strings.CutPrefix(profile, "mjpeg-q")
	if !ok {
		return 0, fmt.Errorf("%w: 档位 %q", ErrUnsupportedConfig, profile)
	}
	quality, err := strconv.Atoi(q)
	if err != nil || quality < 1 || quality > 100 {
		return 0, fmt.Errorf("%w: 档位 %q", ErrUnsupportedConfig, profile)
	}
	return quality, nil
}

type nativeSession struct {
	mux   *aviMuxer
	video *mjpegEncoder
	audio *pcmEncoder
}

func (s *nativeSession) Video() VideoEncoder { return s.video }
func (s *nativeSession) Audio() AudioEncoder { return s.audio }

func (s *nativeSession) Finalize(ctx context.Context) (*Container, error) {
	if err := s.video.Flush(ctx); err != nil {
		return nil, err
	}
	if err := s.audio.Flush(ctx); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := s.mux.writeTo(&buf); err != nil {
		return nil, err
	}
	return &Container{Ext: ".avi", MIME: "video/x-msvideo", Data: buf.Bytes()}, nil
}

// Close 停止编码协程并删除暂存文件，可重复调用
func (s *nativeSession) Close() error {
	s.video.stop()
	return s.mux.close()
}

type mjpegJob struct {
	frame VideoFrame
}

// mjpegEncoder 异步 MJPEG 编码器，队列深度即尚未编码完成的帧数
type mjpegEncoder struct {
	mux     *aviMuxer
	quality int

	queue   chan mjpegJob
	pending atomic.Int64
	done    chan struct{}

	mu       sync.Mutex // 保护 closed 和 last
	closed   bool
	last     int64
	stopOnce sync.Once
	abort    chan struct{}

	errMu sync.Mutex
	err   error
}

func newMJPEGEncoder(mux *aviMuxer, quality int) *mjpegEncoder {
	e := &mjpegEncoder{
		mux:     mux,
		quality: quality,
		queue:   make(chan mjpegJob, nativeQueueCap),
		done:    make(chan struct{}),
		abort:   make(chan struct{}),
		last:    -1,
	}
	go e.worker()
	return e
}

func (e *mjpegEncoder) worker() {
	defer close(e.done)
	for job := range e.queue {
		select {
		case <-e.abort:
			e.pending.Add(-1)
			continue
		default:
		}
		err := e.encode(job.frame)
		e.pending.Add(-1)
		if err != nil {
			e.errMu.Lock()
			if e.err == nil {
				e.err = err
			}
			e.errMu.Unlock()
		}
	}
}

func (e *mjpegEncoder) encode(f VideoFrame) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: e.quality}); err != nil {
		return fmt.Errorf("编码第 %d 帧JPEG失败: %w", f.Index, err)
	}
	// MJPEG 每帧都是帧内编码
	return e.mux.addVideo(f.Timestamp, buf.Bytes(), true)
}

// Encode 把帧放入队列立即返回
func (e *mjpegEncoder) Encode(ctx context.Context, f VideoFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	if err := e.failure(); err != nil {
		return err
	}
	if f.Timestamp <= e.last {
		return fmt.Errorf("%w: %d <= %d", ErrNonMonotonic, f.Timestamp, e.last)
	}
	if f.Image == nil {
		return fmt.Errorf("第 %d 帧没有画面", f.Index)
	}
	e.last = f.Timestamp
	e.pending.Add(1)
	select {
	case e.queue <- mjpegJob{frame: f}:
		return nil
	case <-ctx.Done():
		e.pending.Add(-1)
		return ctx.Err()
	}
}

// QueueSize 尚未编码完成的帧数
func (e *mjpegEncoder) QueueSize() int {
	return int(e.pending.Load())
}

// Flush 等待队列清空，之后不再接受新帧
func (e *mjpegEncoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return e.failure()
}

func (e *mjpegEncoder) failure() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// stop 丢弃队列中剩余的帧并等待协程退出
func (e *mjpegEncoder) stop() {
	e.stopOnce.Do(func() { close(e.abort) })
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}

// pcmEncoder 把浮点采样转换为交错的 16 位小端 PCM
type pcmEncoder struct {
	mux        *aviMuxer
	channels   int
	sampleRate int
	last       int64
	flushed    bool
}

func (e *pcmEncoder) Encode(ctx context.Context, c AudioChunk) error {
	if e.flushed {
		return ErrEncoderClosed
	}
	if len(c.Channels) != e.channels || c.SampleRate != e.sampleRate {
		return fmt.Errorf("%w: 音频格式 %d声道 %dHz", ErrUnsupportedConfig, len(c.Channels), c.SampleRate)
	}
	if c.Timestamp <= e.last {
		return fmt.Errorf("%w: %d <= %d", ErrNonMonotonic, c.Timestamp, e.last)
	}
	e.last = c.Timestamp

	n := c.Frames()
	data := make([]byte, n*e.channels*2)
	for i := 0; i < n; i++ {
		for ch := 0; ch < e.channels; ch++ {
			binary.LittleEndian.PutUint16(data[(i*e.channels+ch)*2:], uint16(floatToPCM16(c.Channels[ch][i])))
		}
	}
	return e.mux.addAudio(c.Timestamp, data)
}

func (e *pcmEncoder) Flush(ctx context.Context) error {
	e.flushed = true
	return nil
}

func floatToPCM16(v float32) int16 {
	f := math.Max(-1, math.Min(1, float64(v)))
	if f < 0 {
		return int16(math.Round(f * 32768))
	}
	return int16(math.Round(f * 32767))
}
