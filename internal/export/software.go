package export

import (
	"bufio"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	softwareFramePattern = "frame%05d.jpg"
	softwareAudioFile    = "audio.wav"
	softwareOutputFile   = "output.mp4"
	softwareJPEGQuality  = 95
)

// Runner 执行外部命令，返回合并后的标准输出和错误输出
type Runner func(ctx context.Context, name string, args ...string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	return output.String(), err
}

// SoftwareBackend 借助 ffmpeg 编码: 帧先落成 JPEG 序列，音频写成 WAV，封装时一次性转成 MP4
type SoftwareBackend struct {
	bin      string
	tempDir  string
	logger   *slog.Logger
	run      Runner
	lookPath func(string) (string, error)
}

// SoftwareOption 软件后端选项
type SoftwareOption func(*SoftwareBackend)

// WithSoftwareTempDir 临时文件所在目录，空值使用系统默认
func WithSoftwareTempDir(dir string) SoftwareOption {
	return func(b *SoftwareBackend) { b.tempDir = dir }
}

// WithSoftwareLogger 设置日志
func WithSoftwareLogger(l *slog.Logger) SoftwareOption {
	return func(b *SoftwareBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRunner 替换命令执行方式，同时跳过可执行文件检查
func WithRunner(r Runner) SoftwareOption {
	return func(b *SoftwareBackend) {
		b.run = r
		b.lookPath = func(name string) (string, error) { return name, nil }
	}
}

// NewSoftwareBackend 创建 ffmpeg 后端
func NewSoftwareBackend(bin string, opts ...SoftwareOption) *SoftwareBackend {
	if bin == "" {
		bin = "ffmpeg"
	}
	b := &SoftwareBackend{
		bin:      bin,
		logger:   slog.New(slog.DiscardHandler),
		run:      runCommand,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "ffmpeg")
	return b
}

// Name 后端名称
func (b *SoftwareBackend) Name() string { return "ffmpeg" }

// VideoProfiles 首选 H.264，回退到 MPEG-4 Part 2
func (b *SoftwareBackend) VideoProfiles() []string {
	return []string{"libx264", "mpeg4"}
}

// Open 检查编码器可用后创建临时目录
func (b *SoftwareBackend) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	bin, err := b.lookPath(b.bin)
	if err != nil {
		return nil, fmt.Errorf("未找到ffmpeg: %w", err)
	}
	// yuv420p 要求宽高为偶数
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("%w: 分辨率 %dx%d", ErrUnsupportedConfig, cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 || cfg.Channels < 1 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: 帧率 %d 音频 %d 声道 %d Hz", ErrUnsupportedConfig, cfg.FPS, cfg.Channels, cfg.SampleRate)
	}

	listing, err := b.run(ctx, bin, "-hide_banner", "-encoders")
	if err != nil {
		return nil, fmt.Errorf("查询ffmpeg编码器失败: %w", err)
	}
	if !hasVideoEncoder(listing, cfg.VideoProfile) {
		return nil, fmt.Errorf("%w: ffmpeg 没有编码器 %q", ErrUnsupportedConfig, cfg.VideoProfile)
	}

	dir, err := os.MkdirTemp(b.tempDir, "vizexport-*")
	if err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, softwareAudioFile))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("创建临时音频失败: %w", err)
	}

	s := &softwareSession{
		backend: b,
		bin:     bin,
		dir:     dir,
		cfg:     cfg,
		video:   &jpegSequenceEncoder{dir: dir, last: -1},
		audio: &wavEncoder{
			file:       f,
			enc:        wav.NewEncoder(f, cfg.SampleRate, 16, cfg.Channels, 1),
			channels:   cfg.Channels,
			sampleRate: cfg.SampleRate,
			last:       -1,
		},
	}
	b.logger.Debug("打开编码会话", "profile", cfg.VideoProfile, "dir", dir)
	return s, nil
}

// hasVideoEncoder 解析 ffmpeg -encoders 的输出，形如 " V....D libx264  ..."
func hasVideoEncoder(listing, name string) bool {
	sc := bufio.NewScanner(strings.NewReader(listing))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], "V") && fields[1] == name {
			return true
		}
	}
	return false
}

type softwareSession struct {
	backend *SoftwareBackend
	bin     string
	dir     string
	cfg     SessionConfig
	video   *jpegSequenceEncoder
	audio   *wavEncoder
	closed  bool
}

func (s *softwareSession) Video() VideoEncoder { return s.video }
func (s *softwareSession) Audio() AudioEncoder { return s.audio }

// args 生成封装命令的参数
func (s *softwareSession) args() []string {
	keyint := s.cfg.KeyframeInterval
	if keyint < 1 {
		keyint = DefaultKeyframeInterval
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-framerate", strconv.Itoa(s.cfg.FPS),
		"-i", filepath.Join(s.dir, softwareFramePattern),
		"-i", filepath.Join(s.dir, softwareAudioFile),
		"-c:v", s.cfg.VideoProfile,
		"-g", strconv.Itoa(keyint),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-shortest",
		filepath.Join(s.dir, softwareOutputFile),
	}
}

func (s *softwareSession) Finalize(ctx context.Context) (*Container, error) {
	if err := s.video.Flush(ctx); err != nil {
		return nil, err
	}
	if err := s.audio.Flush(ctx); err != nil {
		return nil, err
	}
	if s.video.count == 0 {
		return nil, fmt.Errorf("没有可封装的视频帧")
	}

	out, err := s.backend.run(ctx, s.bin, s.args()...)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg封装失败: %w: %s", err, strings.TrimSpace(out))
	}
	data, err := os.ReadFile(filepath.Join(s.dir, softwareOutputFile))
	if err != nil {
		return nil, fmt.Errorf("读取ffmpeg输出失败: %w", err)
	}
	return &Container{Ext: ".mp4", MIME: "video/mp4", Data: data}, nil
}

// Close 删除整个临时目录
func (s *softwareSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.audio.closeFile()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("删除临时目录失败: %w", err)
	}
	s.backend.logger.Debug("已清理临时目录", "dir", s.dir)
	return nil
}

// jpegSequenceEncoder 同步把每一帧写成一张 JPEG，编号从 0 连续递增
type jpegSequenceEncoder struct {
	dir     string
	count   int
	last    int64
	flushed bool
}

func (e *jpegSequenceEncoder) Encode(ctx context.Context, f VideoFrame) error {
	if e.flushed {
		return ErrEncoderClosed
	}
	if f.Timestamp <= e.last {
		return fmt.Errorf("%w: %d <= %d", ErrNonMonotonic, f.Timestamp, e.last)
	}
	if f.Image == nil {
		return fmt.Errorf("第 %d 帧没有画面", f.Index)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(e.dir, fmt.Sprintf(softwareFramePattern, e.count))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建帧文件失败: %w", err)
	}
	if err := jpeg.Encode(file, f.Image, &jpeg.Options{Quality: softwareJPEGQuality}); err != nil {
		file.Close()
		return fmt.Errorf("编码第 %d 帧JPEG失败: %w", f.Index, err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	e.last = f.Timestamp
	e.count++
	return nil
}

// QueueSize 同步写盘，队列始终为空
func (e *jpegSequenceEncoder) QueueSize() int { return 0 }

func (e *jpegSequenceEncoder) Flush(ctx context.Context) error {
	e.flushed = true
	return nil
}

// wavEncoder 把浮点采样写入 16 位 WAV
type wavEncoder struct {
	file       *os.File
	enc        *wav.Encoder
	channels   int
	sampleRate int
	last       int64
	flushed    bool
}

func (e *wavEncoder) Encode(ctx context.Context, c AudioChunk) error {
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
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: e.channels, SampleRate: e.sampleRate},
		Data:           make([]int, n*e.channels),
		SourceBitDepth: 16,
	}
	for i := 0; i < n; i++ {
		for ch := 0; ch < e.channels; ch++ {
			buf.Data[i*e.channels+ch] = int(floatToPCM16(c.Channels[ch][i]))
		}
	}
	if err := e.enc.Write(buf); err != nil {
		return fmt.Errorf("写入WAV失败: %w", err)
	}
	return nil
}

// Flush 补写 WAV 头并关闭文件
func (e *wavEncoder) Flush(ctx context.Context) error {
	if e.flushed {
		return nil
	}
	e.flushed = true
	if err := e.enc.Close(); err != nil {
		e.closeFile()
		return fmt.Errorf("写入WAV头失败: %w", err)
	}
	return e.closeFile()
}

func (e *wavEncoder) closeFile() error {
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}
