package decoder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"vizexport/internal/types"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/meta"
)

// FLACDecoder FLAC 解码
type FLACDecoder struct{}

// SupportedFormats 扩展名
func (d *FLACDecoder) SupportedFormats() []string {
	return []string{"flac"}
}

type flacFile struct {
	streamInfo
	stream *flac.Stream
}

// Decode 解析 STREAMINFO 和 Vorbis 注释
func (d *FLACDecoder) Decode(filePath string) (types.AudioFile, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("打开FLAC文件失败: %w", err)
	}

	stream, err := flac.Parse(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("解析FLAC文件失败: %w", err)
	}
	info := stream.Info
	if info == nil || info.SampleRate == 0 || info.NChannels == 0 {
		f.Close()
		return nil, fmt.Errorf("无法读取FLAC信息: %s", filePath)
	}

	return &flacFile{
		stream: stream,
		streamInfo: streamInfo{
			format:     "FLAC",
			file:       f,
			sampleRate: int(info.SampleRate),
			bitDepth:   int(info.BitsPerSample),
			channels:   int(info.NChannels),
			duration:   framesToDuration(int64(info.NSamples), int(info.SampleRate)),
			tags:       vorbisTags(stream.Blocks),
		},
	}, nil
}

// vorbisTags 提取常用的 Vorbis 注释，字段名不区分大小写
func vorbisTags(blocks []*meta.Block) types.AudioMetadata {
	var m types.AudioMetadata
	for _, block := range blocks {
		comment, ok := block.Body.(*meta.VorbisComment)
		if !ok {
			continue
		}
		for _, tag := range comment.Tags {
			switch strings.ToUpper(tag[0]) {
			case "TITLE":
				m.Title = tag[1]
			case "ARTIST":
				m.Artist = tag[1]
			case "ALBUM":
				m.Album = tag[1]
			case "DATE":
				m.Year = tag[1]
			case "GENRE":
				m.Genre = tag[1]
			}
		}
	}
	return m
}

// GetAsset 逐帧解码所有子帧
func (f *flacFile) GetAsset() (*types.Asset, error) {
	if f.asset != nil {
		return f.asset, nil
	}

	scale := float32(int64(1) << uint(f.bitDepth-1))
	planar := make([][]float32, f.channels)
	if n := f.stream.Info.NSamples; n > 0 {
		for ch := range planar {
			planar[ch] = make([]float32, 0, n)
		}
	}

	for {
		frame, err := f.stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("解析FLAC音频帧失败: %w", err)
		}
		for ch, sub := range frame.Subframes {
			if ch >= f.channels {
				break
			}
			for _, v := range sub.Samples {
				planar[ch] = append(planar[ch], float32(v)/scale)
			}
		}
	}
	return f.keep(&types.Asset{SampleRate: f.sampleRate, Channels: planar})
}
