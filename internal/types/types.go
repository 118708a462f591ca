package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnsupportedResolution 不在预设列表中的分辨率
	ErrUnsupportedResolution = errors.New("不支持的分辨率")
	// ErrNotFound 查找的对象不存在
	ErrNotFound = errors.New("未找到")
)

// ExportConfig 导出配置
type ExportConfig struct {
	Resolution  string // 分辨率预设名，例如 720p
	FPS         int    // 帧率
	Backend     string // 编码后端: native, ffmpeg
	FFmpegBin   string // ffmpeg 可执行文件
	OutputDir   string // 输出目录
	ProjectPath string // 图层工程文件 (JSON)
	Background  string // 画布背景色
	HistoryDB   string // 导出历史数据库，空表示不记录
	Concurrency int    // 并发导出的文件数量
	Quiet       bool   // 静默模式
	JSONOutput  bool   // JSON输出格式
}

// Resolution 输出分辨率
type Resolution struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Resolutions 支持的分辨率预设
var Resolutions = map[string]Resolution{
	"1080p": {Name: "1080p", Width: 1920, Height: 1080},
	"720p":  {Name: "720p", Width: 1280, Height: 720},
	"480p":  {Name: "480p", Width: 854, Height: 480},
	"360p":  {Name: "360p", Width: 640, Height: 360},
}

// ParseResolution 解析分辨率预设名，也接受 "1280x720" 形式但必须命中预设
func ParseResolution(name string) (Resolution, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if r, ok := Resolutions[key]; ok {
		return r, nil
	}
	for _, r := range Resolutions {
		if key == fmt.Sprintf("%dx%d", r.Width, r.Height) {
			return r, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: %s (可选: %s)", ErrUnsupportedResolution, name, strings.Join(ResolutionNames(), ", "))
}

// ResolutionNames 按像素数从大到小返回预设名
func ResolutionNames() []string {
	names := make([]string, 0, len(Resolutions))
	for name := range Resolutions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := Resolutions[names[i]], Resolutions[names[j]]
		return a.Width*a.Height > b.Width*b.Height
	})
	return names
}

// AudioMetadata 音频元数据和流参数
type AudioMetadata struct {
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	BitDepth   int    `json:"bitDepth,omitempty"`
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	Year       string `json:"year,omitempty"`
	Genre      string `json:"genre,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

// Asset 解码后的音频，按声道分开存放 (planar)
type Asset struct {
	SampleRate int
	Channels   [][]float32
}

// NumChannels 声道数
func (a *Asset) NumChannels() int {
	return len(a.Channels)
}

// Length 每个声道的采样帧数
func (a *Asset) Length() int {
	if len(a.Channels) == 0 {
		return 0
	}
	return len(a.Channels[0])
}

// Duration 时长（秒）
func (a *Asset) Duration() float64 {
	if a.SampleRate <= 0 {
		return 0
	}
	return float64(a.Length()) / float64(a.SampleRate)
}

// Validate 检查音频是否可用于导出
func (a *Asset) Validate() error {
	if a == nil {
		return errors.New("音频为空")
	}
	if a.SampleRate <= 0 {
		return fmt.Errorf("无效的采样率: %d", a.SampleRate)
	}
	if len(a.Channels) == 0 || a.Length() == 0 {
		return errors.New("音频没有采样数据")
	}
	n := a.Length()
	for ch, data := range a.Channels {
		if len(data) != n {
			return fmt.Errorf("声道 %d 长度不一致: %d != %d", ch, len(data), n)
		}
	}
	return nil
}

// AudioFile 音频文件接口
type AudioFile interface {
	GetFormat() string
	GetSampleRate() int
	GetBitDepth() int
	GetChannels() int
	GetDuration() time.Duration
	GetAsset() (*Asset, error)
	GetMetadata() AudioMetadata
	Close() error
}
