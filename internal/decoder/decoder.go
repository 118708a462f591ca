package decoder

import (
	"fmt"
	"path/filepath"
	"strings"

	"vizexport/internal/types"
)

// AudioDecoder 音频解码器接口
type AudioDecoder interface {
	Decode(filePath string) (types.AudioFile, error)
	SupportedFormats() []string
}

// DecoderRegistry 解码器注册表
type DecoderRegistry struct {
	decoders map[string]AudioDecoder
}

// NewDecoderRegistry 创建新的解码器注册表
func NewDecoderRegistry() *DecoderRegistry {
	registry := &DecoderRegistry{
		decoders: make(map[string]AudioDecoder),
	}

	registry.Register(&WAVDecoder{})
	registry.Register(&FLACDecoder{})
	registry.Register(&MP3Decoder{})

	return registry
}

// Register 注册解码器
func (r *DecoderRegistry) Register(decoder AudioDecoder) {
	for _, format := range decoder.SupportedFormats() {
		r.decoders[strings.ToLower(format)] = decoder
	}
}

// Supports 判断文件扩展名是否有对应的解码器
func (r *DecoderRegistry) Supports(filePath string) bool {
	_, err := r.GetDecoder(filePath)
	return err == nil
}

// GetDecoder 根据文件扩展名获取解码器
func (r *DecoderRegistry) GetDecoder(filePath string) (AudioDecoder, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return nil, fmt.Errorf("无法确定文件格式: %s", filePath)
	}

	// 移除点号
	ext = ext[1:]

	decoder, exists := r.decoders[ext]
	if !exists {
		return nil, fmt.Errorf("不支持的音频格式: %s", ext)
	}

	return decoder, nil
}

// DecodeFile 解码音频文件
func (r *DecoderRegistry) DecodeFile(filePath string) (types.AudioFile, error) {
	decoder, err := r.GetDecoder(filePath)
	if err != nil {
		return nil, err
	}

	return decoder.Decode(filePath)
}

// LoadAsset 解码音频文件并读取全部采样，文件随即关闭
func (r *DecoderRegistry) LoadAsset(filePath string) (*types.Asset, types.AudioMetadata, error) {
	audioFile, err := r.DecodeFile(filePath)
	if err != nil {
		return nil, types.AudioMetadata{}, err
	}
	defer audioFile.Close()

	asset, err := audioFile.GetAsset()
	if err != nil {
		return nil, types.AudioMetadata{}, fmt.Errorf("读取音频数据失败: %w", err)
	}
	return asset, audioFile.GetMetadata(), nil
}

// deinterleaveInts 将交错的整型采样转换为按声道的 float32 数据
func deinterleaveInts(data []int, channels, sampleRate, bitDepth int) *types.Asset {
	if channels <= 0 {
		channels = 1
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	maxVal := float32(int64(1) << uint(bitDepth-1))
	frames := len(data) / channels

	planar := make([][]float32, channels)
	for ch := range planar {
		planar[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			planar[ch][i] = float32(data[i*channels+ch]) / maxVal
		}
	}

	return &types.Asset{SampleRate: sampleRate, Channels: planar}
}
