package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
)

var (
	// ErrUnsupportedConfig 编码器不支持请求的配置，流水线会尝试下一个档位
	ErrUnsupportedConfig = errors.New("编码器不支持该配置")
	// ErrNonMonotonic 同一条流的时间戳没有递增
	ErrNonMonotonic = errors.New("时间戳必须单调递增")
	// ErrEncoderClosed 编码器已经刷新或关闭
	ErrEncoderClosed = errors.New("编码器已关闭")
)

// SessionConfig 打开一次编码会话的参数
type SessionConfig struct {
	Width            int
	Height           int
	FPS              int
	TotalFrames      int
	KeyframeInterval int
	SampleRate       int
	Channels         int
	VideoProfile     string
}

// VideoFrame 一帧待编码的画面，时间戳单位为微秒。
// Image 是画布的独立拷贝，所有权随 Encode 交给编码器。
type VideoFrame struct {
	Index     int
	Image     *image.RGBA
	Timestamp int64
	Keyframe  bool
}

// AudioChunk 一段平面格式的音频，时间戳单位为微秒。
// Channels 引用调用方的数据，编码器必须在 Encode 返回前完成读取。
type AudioChunk struct {
	Timestamp  int64
	SampleRate int
	Channels   [][]float32
}

// Frames 每个声道的采样帧数
func (c AudioChunk) Frames() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// VideoEncoder 视频编码器。Encode 可以异步执行，QueueSize 返回尚未编码完成的帧数。
type VideoEncoder interface {
	Encode(ctx context.Context, frame VideoFrame) error
	QueueSize() int
	Flush(ctx context.Context) error
}

// AudioEncoder 音频编码器
type AudioEncoder interface {
	Encode(ctx context.Context, chunk AudioChunk) error
	Flush(ctx context.Context) error
}

// Container 封装完成的视频文件
type Container struct {
	Ext  string // 含点号，例如 .avi
	MIME string
	Data []byte
}

// Session 一次导出独占的编码器与封装器。
// Close 在任何退出路径上都会被调用，未 Finalize 时丢弃所有中间产物。
type Session interface {
	Video() VideoEncoder
	Audio() AudioEncoder
	Finalize(ctx context.Context) (*Container, error)
	Close() error
}

// Backend 可互换的编码/封装实现
type Backend interface {
	Name() string
	// VideoProfiles 按优先级返回视频档位，第一个为首选，其余为回退
	VideoProfiles() []string
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}

// BackendOptions 创建后端时的公共参数
type BackendOptions struct {
	FFmpegBin string
	TempDir   string
	Logger    *slog.Logger
}

// BackendNames 可选的后端名称
var BackendNames = []string{"native", "ffmpeg"}

// NewBackend 按名称创建后端
func NewBackend(name string, opts BackendOptions) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	switch name {
	case "native", "":
		return NewNativeBackend(opts.Logger, WithNativeTempDir(opts.TempDir)), nil
	case "ffmpeg":
		return NewSoftwareBackend(opts.FFmpegBin, WithSoftwareTempDir(opts.TempDir), WithSoftwareLogger(opts.Logger)), nil
	default:
		return nil, fmt.Errorf("未知的编码后端: %s (可选: %v)", name, BackendNames)
	}
}
