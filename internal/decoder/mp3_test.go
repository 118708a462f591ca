package decoder

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// MPEG-1 Layer III, 128 kbps, 44.1 kHz, 立体声, 无填充
var mp3SilentHeader = []byte{0xFF, 0xFB, 0x90, 0x00}

const mp3SilentFrameSize = 417

// writeSilentMP3 写入若干个边信息全零的帧，解码结果为静音
func writeSilentMP3(t *testing.T, path string, frames int) {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < frames; i++ {
		f := make([]byte, mp3SilentFrameSize)
		copy(f, mp3SilentHeader)
		buf.Write(f)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMP3Decode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silence.mp3")
	writeSilentMP3(t, path, 10)

	asset, m, err := NewDecoderRegistry().LoadAsset(path)
	if err != nil {
		t.Fatalf("LoadAsset: %v", err)
	}
	if asset.SampleRate != 44100 {
		t.Errorf("SampleRate = %d, want 44100", asset.SampleRate)
	}
	if asset.NumChannels() != mp3Channels {
		t.Fatalf("NumChannels = %d", asset.NumChannels())
	}
	if want := 10 * 1152; asset.Length() != want {
		t.Errorf("Length = %d, want %d", asset.Length(), want)
	}
	for ch, data := range asset.Channels {
		for i, v := range data {
			if v != 0 {
				t.Fatalf("channel %d sample %d = %v, want silence", ch, i, v)
			}
		}
	}
	if m.Format != "MP3" || m.BitDepth != 16 || m.Channels != 2 {
		t.Errorf("stream metadata = %+v", m)
	}
}

func TestDecodeInvalidMP3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.mp3")
	if err := os.WriteFile(path, []byte("definitely not mpeg audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewDecoderRegistry().DecodeFile(path); err == nil {
		t.Error("expected decode error")
	}
}
