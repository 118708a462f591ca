package decoder

import (
	"os"
	"time"

	"vizexport/internal/types"
)

// streamInfo 各格式共用的流参数和文件句柄，解码出的音频只读取一次
type streamInfo struct {
	format     string
	file       *os.File
	sampleRate int
	bitDepth   int
	channels   int
	duration   time.Duration
	asset      *types.Asset
	tags       types.AudioMetadata
}

func (s *streamInfo) GetFormat() string          { return s.format }
func (s *streamInfo) GetSampleRate() int         { return s.sampleRate }
func (s *streamInfo) GetBitDepth() int           { return s.bitDepth }
func (s *streamInfo) GetChannels() int           { return s.channels }
func (s *streamInfo) GetDuration() time.Duration { return s.duration }

// GetMetadata 标签加上流参数
func (s *streamInfo) GetMetadata() types.AudioMetadata {
	m := s.tags
	m.Format = s.format
	m.SampleRate = s.sampleRate
	m.Channels = s.channels
	m.BitDepth = s.bitDepth
	if s.duration > 0 {
		m.Duration = s.duration.Round(time.Millisecond).String()
	}
	return m
}

// Close 关闭文件，可重复调用
func (s *streamInfo) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// keep 缓存解码结果，时长以实际采样数为准
func (s *streamInfo) keep(asset *types.Asset) (*types.Asset, error) {
	if err := asset.Validate(); err != nil {
		return nil, err
	}
	s.asset = asset
	s.duration = framesToDuration(int64(asset.Length()), asset.SampleRate)
	return asset, nil
}

func framesToDuration(frames int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
