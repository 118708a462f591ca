package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"testing"
)

type riffChunk struct {
	id   string
	data []byte
}

// readChunks 解析一层 RIFF 子块
func readChunks(t *testing.T, data []byte) []riffChunk {
	t.Helper()
	var chunks []riffChunk
	for len(data) >= 8 {
		id := string(data[:4])
		size := int(binary.LittleEndian.Uint32(data[4:8]))
		if 8+size > len(data) {
			t.Fatalf("chunk %s size %d overruns %d bytes", id, size, len(data)-8)
		}
		chunks = append(chunks, riffChunk{id: id, data: data[8 : 8+size]})
		data = data[8+size+size%2:]
	}
	return chunks
}

func TestNativeBackendWritesAVI(t *testing.T) {
	spool := t.TempDir()
	b := NewNativeBackend(nil, WithNativeTempDir(spool))
	p := NewPipeline(b, nil)
	req := request(sineAsset(8000, 1))
	req.FPS = 10
	job, err := p.Prepare(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, ok := job.Output()
	if !ok {
		t.Fatal("no output")
	}
	if out.MIME != "video/x-msvideo" {
		t.Errorf("MIME = %s", out.MIME)
	}

	data := out.Data
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "AVI " {
		t.Fatalf("bad header %q", data[:12])
	}
	if size := int(binary.LittleEndian.Uint32(data[4:8])); size != len(data)-8 {
		t.Errorf("RIFF size = %d, want %d", size, len(data)-8)
	}

	var video, audio, index int
	var firstFrame []byte
	for _, c := range readChunks(t, data[12:]) {
		switch {
		case c.id == "LIST" && string(c.data[:4]) == "movi":
			for _, sub := range readChunks(t, c.data[4:]) {
				switch sub.id {
				case videoChunkID:
					video++
					if firstFrame == nil {
						firstFrame = sub.data
					}
				case audioChunkID:
					audio++
					if len(sub.data) != 8000*2*2 {
						t.Errorf("audio chunk = %d bytes", len(sub.data))
					}
				}
			}
		case c.id == "idx1":
			index = len(c.data) / 16
		}
	}

	if video != 10 {
		t.Errorf("video chunks = %d, want 10", video)
	}
	if audio != 1 {
		t.Errorf("audio chunks = %d, want 1", audio)
	}
	if index != video+audio {
		t.Errorf("idx1 entries = %d, want %d", index, video+audio)
	}
	if !bytes.HasPrefix(firstFrame, []byte{0xFF, 0xD8}) {
		t.Error("video chunk is not a JPEG")
	}
	assertEmptyDir(t, spool)
}

func TestNativeRejectsOversizedContainer(t *testing.T) {
	spool := t.TempDir()
	b := NewNativeBackend(nil, WithNativeTempDir(spool), WithMaxContainerSize(aviHeaderReserve+4096))
	s, err := b.Open(context.Background(), SessionConfig{
		Width: 64, Height: 64, FPS: 30, SampleRate: 8000, Channels: 1, VideoProfile: "mjpeg-q90",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 31)
	}
	var failure error
	for i := 0; i < 50 && failure == nil; i++ {
		failure = s.Video().Encode(ctx, VideoFrame{Index: i, Image: img, Timestamp: int64(i) * 33_333})
	}
	if failure == nil {
		_, failure = s.Finalize(ctx)
	}
	if !errors.Is(failure, ErrContainerTooLarge) {
		t.Errorf("err = %v, want ErrContainerTooLarge", failure)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	assertEmptyDir(t, spool)
}

func TestAVIMuxerSizeAccounting(t *testing.T) {
	m, err := newAVIMuxer(SessionConfig{Width: 16, Height: 16, FPS: 10, SampleRate: 8000, Channels: 1}, t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer m.close()
	if m.maxSize != maxRIFFSize {
		t.Errorf("default limit = %d, want %d", m.maxSize, int64(maxRIFFSize))
	}

	// 奇数长度的数据块需要补齐
	if err := m.addVideo(0, []byte{1, 2, 3}, true); err != nil {
		t.Fatal(err)
	}
	if err := m.addAudio(0, []byte{4, 5}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := m.writeTo(&buf); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	if size := int(binary.LittleEndian.Uint32(data[4:8])); size != len(data)-8 {
		t.Errorf("RIFF size = %d, want %d", size, len(data)-8)
	}

	var movi []riffChunk
	for _, c := range readChunks(t, data[12:]) {
		if c.id == "LIST" && string(c.data[:4]) == "movi" {
			movi = readChunks(t, c.data[4:])
		}
	}
	if len(movi) != 2 || movi[0].id != videoChunkID || !bytes.Equal(movi[0].data, []byte{1, 2, 3}) ||
		movi[1].id != audioChunkID || !bytes.Equal(movi[1].data, []byte{4, 5}) {
		t.Errorf("movi = %+v", movi)
	}

	if err := m.close(); err != nil {
		t.Fatal(err)
	}
	if err := m.addVideo(100, []byte{1}, true); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("add after close err = %v", err)
	}
}

func TestNativeOpenRejectsBadConfig(t *testing.T) {
	b := NewNativeBackend(nil)
	cfg := SessionConfig{Width: 640, Height: 360, FPS: 30, SampleRate: 8000, Channels: 1, VideoProfile: "h264"}
	if _, err := b.Open(context.Background(), cfg); !errors.Is(err, ErrUnsupportedConfig) {
		t.Errorf("unknown profile err = %v", err)
	}
	cfg.VideoProfile = "mjpeg-q75"
	cfg.Width = 8000
	if _, err := b.Open(context.Background(), cfg); !errors.Is(err, ErrUnsupportedConfig) {
		t.Errorf("oversized err = %v", err)
	}
}

func TestNativeEncoderRejectsRewind(t *testing.T) {
	b := NewNativeBackend(nil)
	s, err := b.Open(context.Background(), SessionConfig{
		Width: 16, Height: 16, FPS: 30, SampleRate: 8000, Channels: 1, VideoProfile: "mjpeg-q90",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	ctx := context.Background()
	if err := s.Video().Encode(ctx, VideoFrame{Index: 0, Image: img, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := s.Video().Encode(ctx, VideoFrame{Index: 1, Image: img, Timestamp: 1000}); !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("repeated timestamp err = %v", err)
	}

	chunk := AudioChunk{Timestamp: 0, SampleRate: 8000, Channels: [][]float32{{0, 0.5, -1}}}
	if err := s.Audio().Encode(ctx, chunk); err != nil {
		t.Fatal(err)
	}
	if err := s.Audio().Encode(ctx, chunk); !errors.Is(err, ErrNonMonotonic) {
		t.Errorf("audio rewind err = %v", err)
	}

	if err := s.Video().Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Video().QueueSize() != 0 {
		t.Errorf("queue = %d after flush", s.Video().QueueSize())
	}
	if err := s.Video().Encode(ctx, VideoFrame{Index: 2, Image: img, Timestamp: 2000}); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("encode after flush err = %v", err)
	}
}

func TestFloatToPCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{2, 32767},
		{-3, -32768},
	}
	for _, tt := range tests {
		if got := floatToPCM16(tt.in); got != tt.want {
			t.Errorf("floatToPCM16(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
