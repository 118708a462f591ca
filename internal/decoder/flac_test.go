package decoder

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// writeTestFLAC 以 512 采样为一块写入未压缩的单声道 16 位 FLAC
func writeTestFLAC(t *testing.T, path string, sampleRate int, samples []int32, tags [][2]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  65535,
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: 16,
	}
	var blocks []*meta.Block
	if len(tags) > 0 {
		blocks = append(blocks, &meta.Block{
			Header: meta.Header{Type: meta.TypeVorbisComment},
			Body:   &meta.VorbisComment{Vendor: "vizexport", Tags: tags},
		})
	}
	enc, err := flac.NewEncoder(f, info, blocks...)
	if err != nil {
		f.Close()
		t.Fatal(err)
	}

	const blockSize = 512
	for off := 0; off < len(samples); off += blockSize {
		end := min(off+blockSize, len(samples))
		sub := &frame.Subframe{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples[off:end],
			NSamples:  end - off,
		}
		fr := &frame.Frame{
			Header: frame.Header{
				BlockSize:     uint16(end - off),
				SampleRate:    uint32(sampleRate),
				Channels:      frame.ChannelsMono,
				BitsPerSample: 16,
			},
			Subframes: []*frame.Subframe{sub},
		}
		if err := enc.WriteFrame(fr); err != nil {
			t.Fatal(err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFLACDecode(t *testing.T) {
	samples := make([]int32, 4096)
	for i := range samples {
		samples[i] = int32(12000 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	samples[0] = 16384

	path := filepath.Join(t.TempDir(), "tone.flac")
	writeTestFLAC(t, path, 8000, samples, [][2]string{
		{"title", "Night Drive"},
		{"ARTIST", "The Band"},
		{"Date", "2024"},
	})

	asset, m, err := NewDecoderRegistry().LoadAsset(path)
	if err != nil {
		t.Fatalf("LoadAsset: %v", err)
	}
	if asset.SampleRate != 8000 || asset.NumChannels() != 1 {
		t.Fatalf("asset = %d Hz %d channels", asset.SampleRate, asset.NumChannels())
	}
	if asset.Length() != len(samples) {
		t.Fatalf("Length = %d, want %d", asset.Length(), len(samples))
	}
	if got := asset.Channels[0][0]; got != 0.5 {
		t.Errorf("first sample = %v, want 0.5", got)
	}
	for i, s := range samples {
		if want := float32(s) / 32768; asset.Channels[0][i] != want {
			t.Fatalf("sample %d = %v, want %v", i, asset.Channels[0][i], want)
		}
	}

	if m.Format != "FLAC" || m.BitDepth != 16 || m.Duration != "512ms" {
		t.Errorf("stream metadata = %+v", m)
	}
	if m.Title != "Night Drive" || m.Artist != "The Band" || m.Year != "2024" {
		t.Errorf("tags = %+v", m)
	}
}

func TestVorbisTagsIgnoreOtherBlocks(t *testing.T) {
	blocks := []*meta.Block{
		{Body: &meta.StreamInfo{}},
		{Body: &meta.VorbisComment{Tags: [][2]string{{"album", "Live"}, {"GENRE", "Jazz"}, {"comment", "x"}}}},
	}
	m := vorbisTags(blocks)
	if m.Album != "Live" || m.Genre != "Jazz" {
		t.Errorf("tags = %+v", m)
	}
	if m.Title != "" || m.Artist != "" {
		t.Errorf("unexpected tags = %+v", m)
	}
}

func TestDecodeInvalidFLAC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.flac")
	if err := os.WriteFile(path, []byte("not a flac stream"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDecoderRegistry().DecodeFile(path); err == nil {
		t.Error("expected parse error")
	}
}
