package decoder

import (
	"errors"
	"fmt"
	"os"

	"vizexport/internal/types"

	"github.com/go-audio/wav"
)

// WAVDecoder WAV/RIFF PCM 解码
type WAVDecoder struct{}

// SupportedFormats 扩展名
func (d *WAVDecoder) SupportedFormats() []string {
	return []string{"wav", "wave"}
}

type wavFile struct {
	streamInfo
	dec *wav.Decoder
}

// Decode 读取文件头，采样在 GetAsset 时才读取
func (d *WAVDecoder) Decode(filePath string) (types.AudioFile, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("打开WAV文件失败: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("无效的WAV文件: %s", filePath)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 {
		f.Close()
		return nil, fmt.Errorf("WAV格式信息不完整: %s", filePath)
	}

	w := &wavFile{
		dec: dec,
		streamInfo: streamInfo{
			format:     "WAV",
			file:       f,
			sampleRate: int(dec.SampleRate),
			bitDepth:   int(dec.BitDepth),
			channels:   int(dec.NumChans),
		},
	}
	// 头部声明的时长只作参考，读完采样后会被覆盖
	if d, err := dec.Duration(); err == nil {
		w.duration = d
	}
	return w, nil
}

// GetAsset 一次读出全部 PCM 并拆成平面格式
func (w *wavFile) GetAsset() (*types.Asset, error) {
	if w.asset != nil {
		return w.asset, nil
	}
	buf, err := w.dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("读取WAV采样失败: %w", err)
	}
	if len(buf.Data) == 0 {
		return nil, errors.New("WAV文件没有采样数据")
	}
	// 8 位 PCM 是无符号的，128 为静音
	if w.bitDepth == 8 {
		for i := range buf.Data {
			buf.Data[i] -= 128
		}
	}
	return w.keep(deinterleaveInts(buf.Data, w.channels, w.sampleRate, w.bitDepth))
}
