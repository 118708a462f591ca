package decoder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"vizexport/internal/types"

	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 固定输出 16 位小端立体声
const (
	mp3Channels  = 2
	mp3BitDepth  = 16
	mp3FrameSize = mp3Channels * mp3BitDepth / 8
)

// MP3Decoder MP3 解码
type MP3Decoder struct{}

// SupportedFormats 扩展名
func (d *MP3Decoder) SupportedFormats() []string {
	return []string{"mp3"}
}

type mp3File struct {
	streamInfo
	dec *mp3.Decoder
}

// Decode 建立解码器，Length 在可 seek 的文件上可用
func (d *MP3Decoder) Decode(filePath string) (types.AudioFile, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("打开MP3文件失败: %w", err)
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("解析MP3文件失败: %w", err)
	}

	m := &mp3File{
		dec: dec,
		streamInfo: streamInfo{
			format:     "MP3",
			file:       f,
			sampleRate: dec.SampleRate(),
			bitDepth:   mp3BitDepth,
			channels:   mp3Channels,
		},
	}
	if n := dec.Length(); n > 0 {
		m.duration = framesToDuration(n/mp3FrameSize, dec.SampleRate())
	}
	return m, nil
}

// GetAsset 解码全部 PCM
func (m *mp3File) GetAsset() (*types.Asset, error) {
	if m.asset != nil {
		return m.asset, nil
	}

	var left, right []float32
	if n := m.dec.Length(); n > 0 {
		left = make([]float32, 0, n/mp3FrameSize)
		right = make([]float32, 0, n/mp3FrameSize)
	}

	r := bufio.NewReader(m.dec)
	frame := make([]byte, mp3FrameSize)
	for {
		_, err := io.ReadFull(r, frame)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("解码MP3数据失败: %w", err)
		}
		left = append(left, float32(int16(binary.LittleEndian.Uint16(frame[0:])))/32768)
		right = append(right, float32(int16(binary.LittleEndian.Uint16(frame[2:])))/32768)
	}
	return m.keep(&types.Asset{SampleRate: m.sampleRate, Channels: [][]float32{left, right}})
}
