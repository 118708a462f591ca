package export

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vizexport/internal/layer"
	"vizexport/internal/types"
)

func sineAsset(sampleRate int, seconds float64) *types.Asset {
	n := int(float64(sampleRate) * seconds)
	left := make([]float32, n)
	right := make([]float32, n)
	for i := range left {
		v := float32(0.4 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
		left[i] = v
		right[i] = -v
	}
	return &types.Asset{SampleRate: sampleRate, Channels: [][]float32{left, right}}
}

// fakeBackend 记录所有调用的后端
type fakeBackend struct {
	mu          sync.Mutex
	calls       []string
	profiles    []string
	unsupported map[string]bool
	opened      []string
	onFrame     func(VideoFrame)
	onAudio     func(AudioChunk)
	finalizeErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{profiles: []string{"primary", "fallback"}, unsupported: map[string]bool{}}
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) count(call string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (b *fakeBackend) Name() string            { return "fake" }
func (b *fakeBackend) VideoProfiles() []string { return b.profiles }

func (b *fakeBackend) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	b.mu.Lock()
	b.opened = append(b.opened, cfg.VideoProfile)
	b.mu.Unlock()
	if b.unsupported[cfg.VideoProfile] {
		return nil, ErrUnsupportedConfig
	}
	b.record("open")
	return &fakeSession{b: b}, nil
}

type fakeSession struct {
	b *fakeBackend
}

func (s *fakeSession) Video() VideoEncoder { return fakeVideo{s.b} }
func (s *fakeSession) Audio() AudioEncoder { return fakeAudio{s.b} }

func (s *fakeSession) Finalize(ctx context.Context) (*Container, error) {
	s.b.record("finalize")
	if s.b.finalizeErr != nil {
		return nil, s.b.finalizeErr
	}
	return &Container{Ext: ".bin", MIME: "application/octet-stream", Data: []byte("container")}, nil
}

func (s *fakeSession) Close() error {
	s.b.record("close")
	return nil
}

type fakeVideo struct{ b *fakeBackend }

func (v fakeVideo) Encode(ctx context.Context, f VideoFrame) error {
	v.b.record("video.encode")
	if v.b.onFrame != nil {
		v.b.onFrame(f)
	}
	return nil
}

func (v fakeVideo) QueueSize() int { return 0 }

func (v fakeVideo) Flush(ctx context.Context) error {
	v.b.record("video.flush")
	return nil
}

type fakeAudio struct{ b *fakeBackend }

func (a fakeAudio) Encode(ctx context.Context, c AudioChunk) error {
	a.b.record("audio.encode")
	if a.b.onAudio != nil {
		a.b.onAudio(c)
	}
	return nil
}

func (a fakeAudio) Flush(ctx context.Context) error {
	a.b.record("audio.flush")
	return nil
}

func request(asset *types.Asset, layers ...layer.Layer) Request {
	if len(layers) == 0 {
		layers = []layer.Layer{layer.New(layer.TypeBar)}
	}
	return Request{
		Asset:      asset,
		Source:     "/music/song.wav",
		Layers:     layers,
		Resolution: types.Resolutions["360p"],
		FPS:        60,
	}
}

func TestPipelineRendersEveryFrame(t *testing.T) {
	b := newFakeBackend()
	p := NewPipeline(b, nil)
	job, err := p.Prepare(request(sineAsset(8000, 10)))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if job.TotalFrames != 600 {
		t.Fatalf("TotalFrames = %d, want 600", job.TotalFrames)
	}

	var timestamps []int64
	b.onFrame = func(f VideoFrame) {
		if f.Image == nil || f.Image.Bounds().Dx() != 640 || f.Image.Bounds().Dy() != 360 {
			t.Errorf("frame %d has wrong canvas", f.Index)
		}
		if f.Keyframe != (f.Index%DefaultKeyframeInterval == 0) {
			t.Errorf("frame %d keyframe = %v", f.Index, f.Keyframe)
		}
		timestamps = append(timestamps, f.Timestamp)
	}
	var audioProgress []float64
	b.onAudio = func(AudioChunk) {
		audioProgress = append(audioProgress, job.Progress().Progress)
	}

	if err := p.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if job.Status() != StatusComplete {
		t.Fatalf("status = %s", job.Status())
	}
	if got := b.count("video.encode"); got != 600 {
		t.Errorf("encoded %d frames, want 600", got)
	}
	if job.FramesRendered() != 600 {
		t.Errorf("FramesRendered = %d", job.FramesRendered())
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] <= timestamps[i-1] {
			t.Fatalf("timestamps not increasing at %d: %d <= %d", i, timestamps[i], timestamps[i-1])
		}
	}
	if timestamps[60] != 1_000_000 {
		t.Errorf("frame 60 timestamp = %d, want 1s", timestamps[60])
	}
	if len(audioProgress) != 10 || audioProgress[0] < RenderWeight {
		t.Errorf("audio progress = %v, want 10 chunks after %v%%", audioProgress, RenderWeight)
	}
	out, ok := job.Output()
	if !ok || len(out.Data) == 0 {
		t.Fatal("missing output")
	}
	if !strings.HasPrefix(out.Filename, "song-visualizer-") || !strings.HasSuffix(out.Filename, ".bin") {
		t.Errorf("filename = %s", out.Filename)
	}
	if p := job.Progress(); p.Progress != 100 {
		t.Errorf("final progress = %v", p.Progress)
	}

	calls := b.Calls()
	if calls[len(calls)-1] != "close" || calls[len(calls)-2] != "finalize" {
		t.Errorf("call order tail = %v", calls[len(calls)-3:])
	}
}

func TestPipelineCancelMidRender(t *testing.T) {
	b := newFakeBackend()
	p := NewPipeline(b, nil)
	job, err := p.Prepare(request(sineAsset(8000, 10)))
	if err != nil {
		t.Fatal(err)
	}
	b.onFrame = func(f VideoFrame) {
		if f.Index == 120 {
			job.Cancel()
		}
	}

	if err := p.Run(context.Background(), job); err != nil {
		t.Fatalf("cancel should not be an error: %v", err)
	}
	if job.Status() != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status())
	}
	if _, ok := job.Output(); ok {
		t.Error("cancelled job produced output")
	}
	if got := b.count("video.encode"); got != 121 {
		t.Errorf("encoded %d frames, want 121", got)
	}

	calls := b.Calls()
	last := 0
	for i, c := range calls {
		if c == "video.encode" {
			last = i
		}
	}
	if rest := calls[last+1:]; len(rest) != 1 || rest[0] != "close" {
		t.Errorf("calls after cancel = %v, want only close", rest)
	}

	// 终止后再取消不改变状态
	job.Cancel()
	if job.Status() != StatusCancelled {
		t.Errorf("status changed after second cancel: %s", job.Status())
	}
}

func TestPipelineContextCancel(t *testing.T) {
	b := newFakeBackend()
	p := NewPipeline(b, nil)
	job, err := p.Prepare(request(sineAsset(8000, 2)))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.onFrame = func(f VideoFrame) {
		if f.Index == 10 {
			cancel()
		}
	}
	if err := p.Run(ctx, job); err != nil {
		t.Fatal(err)
	}
	if job.Status() != StatusCancelled {
		t.Errorf("status = %s", job.Status())
	}
}

func TestCancelBeforeRunEndsCancelled(t *testing.T) {
	b := newFakeBackend()
	p := NewPipeline(b, nil)
	job, err := p.Prepare(request(sineAsset(8000, 1)))
	if err != nil {
		t.Fatal(err)
	}
	job.Cancel()
	if !job.CancelRequested() {
		t.Fatal("cancel before Run was dropped")
	}
	if err := p.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status())
	}
	if n := b.count("open"); n != 0 {
		t.Errorf("backend opened %d times", n)
	}
	if err := p.Run(context.Background(), job); err == nil {
		t.Error("second Run should fail")
	}
}

func TestCancelAfterCompleteIsNoop(t *testing.T) {
	p := NewPipeline(newFakeBackend(), nil)
	job, err := p.Prepare(request(sineAsset(8000, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	job.Cancel()
	if job.CancelRequested() {
		t.Error("cancel after complete was recorded")
	}
	if job.Status() != StatusComplete {
		t.Errorf("status = %s", job.Status())
	}
}

func TestPipelineCancelWhileLoadingImages(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	b := newFakeBackend()
	p := NewPipeline(b, nil)
	img := layer.New(layer.TypeImage, func(p *layer.Properties) { p.ImageURL = srv.URL + "/cover.png" })
	job, err := p.Prepare(request(sineAsset(8000, 1), img))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), job) }()
	time.Sleep(50 * time.Millisecond)
	job.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("still %s 2s after Cancel", job.Status())
	}
	if job.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status())
	}
	if n := b.count("open"); n != 0 {
		t.Errorf("backend opened %d times", n)
	}
}

func TestPipelineReleasesInputs(t *testing.T) {
	p := NewPipeline(newFakeBackend(), nil)
	job, err := p.Prepare(request(sineAsset(8000, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.asset != nil || job.layers != nil {
		t.Errorf("finished job still holds asset=%v layers=%d", job.asset != nil, len(job.layers))
	}
}

// slowVideo 按固定间隔消化队列的编码器，用来制造背压
type slowVideo struct {
	pending  atomic.Int64
	maxQueue atomic.Int64
	encoded  atomic.Int64
	quit     chan struct{}
	once     sync.Once
}

func newSlowVideo(interval time.Duration) *slowVideo {
	v := &slowVideo{quit: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-v.quit:
				return
			case <-ticker.C:
				if v.pending.Load() > 0 {
					v.pending.Add(-1)
				}
			}
		}
	}()
	return v
}

func (v *slowVideo) Encode(ctx context.Context, f VideoFrame) error {
	n := v.pending.Add(1)
	for {
		m := v.maxQueue.Load()
		if n <= m || v.maxQueue.CompareAndSwap(m, n) {
			break
		}
	}
	v.encoded.Add(1)
	return nil
}

func (v *slowVideo) QueueSize() int { return int(v.pending.Load()) }

func (v *slowVideo) Flush(ctx context.Context) error {
	for v.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (v *slowVideo) stop() { v.once.Do(func() { close(v.quit) }) }

type slowBackend struct {
	*fakeBackend
	video *slowVideo
}

func (b *slowBackend) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	b.record("open")
	return &slowSession{fakeSession: fakeSession{b: b.fakeBackend}, video: b.video}, nil
}

type slowSession struct {
	fakeSession
	video *slowVideo
}

func (s *slowSession) Video() VideoEncoder { return s.video }

func (s *slowSession) Close() error {
	s.video.stop()
	return s.fakeSession.Close()
}

func TestPipelineBackpressure(t *testing.T) {
	video := newSlowVideo(20 * time.Millisecond)
	p := NewPipeline(&slowBackend{fakeBackend: newFakeBackend(), video: video}, nil)
	job, err := p.Prepare(request(sineAsset(8000, 0.4)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.Status() != StatusComplete {
		t.Fatalf("status = %s", job.Status())
	}
	if got := int(video.encoded.Load()); got != job.TotalFrames {
		t.Errorf("encoded %d frames, want %d", got, job.TotalFrames)
	}
	peak := int(video.maxQueue.Load())
	if peak > DefaultHighWater+1 {
		t.Errorf("queue reached %d, want <= %d", peak, DefaultHighWater+1)
	}
	if peak < DefaultHighWater {
		t.Errorf("queue peaked at %d, backpressure never engaged", peak)
	}
}

func TestPipelineCancelDuringBackpressure(t *testing.T) {
	// 队列永远不会被消化
	video := newSlowVideo(time.Hour)
	p := NewPipeline(&slowBackend{fakeBackend: newFakeBackend(), video: video}, nil)
	job, err := p.Prepare(request(sineAsset(8000, 1)))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), job) }()

	deadline := time.Now().Add(2 * time.Second)
	for job.FramesRendered() <= DefaultHighWater {
		if time.Now().After(deadline) {
			t.Fatalf("only %d frames rendered", job.FramesRendered())
		}
		time.Sleep(time.Millisecond)
	}
	job.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	if job.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status())
	}
	if got := video.encoded.Load(); got != DefaultHighWater+1 {
		t.Errorf("encoded %d frames while blocked, want %d", got, DefaultHighWater+1)
	}
}

func TestPipelineMixedSmoothing(t *testing.T) {
	a := layer.New(layer.TypeBar, func(p *layer.Properties) { p.Smoothing = 0.2 })
	c := layer.New(layer.TypeCircle, func(p *layer.Properties) { p.Smoothing = 0.9 })

	s, mixed := RepresentativeSmoothing([]layer.Layer{a, c})
	if s != 0.2 || !mixed {
		t.Errorf("RepresentativeSmoothing = %v, %v", s, mixed)
	}

	b := newFakeBackend()
	p := NewPipeline(b, nil)
	job, err := p.Prepare(request(sineAsset(8000, 1), a, c))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.Status() != StatusComplete {
		t.Errorf("status = %s", job.Status())
	}
}

func TestPipelineProgressMonotonic(t *testing.T) {
	b := newFakeBackend()
	p := NewPipeline(b, nil)
	job, err := p.Prepare(request(sineAsset(8000, 2)))
	if err != nil {
		t.Fatal(err)
	}

	updates := job.Watch()
	done := make(chan []Progress)
	go func() {
		var seen []Progress
		for u := range updates {
			seen = append(seen, u)
		}
		done <- seen
	}()

	if err := p.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	seen := <-done
	if len(seen) < 2 {
		t.Fatalf("got %d updates", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Progress < seen[i-1].Progress {
			t.Fatalf("progress went backwards: %v -> %v", seen[i-1].Progress, seen[i].Progress)
		}
	}
	if last := seen[len(seen)-1]; last.Status != StatusComplete || last.Progress != 100 {
		t.Errorf("last update = %+v", last)
	}

	// 结束后订阅立即得到终止状态
	late := job.Watch()
	if p, ok := <-late; !ok || p.Status != StatusComplete {
		t.Errorf("late watcher got %+v", p)
	}
	if _, ok := <-late; ok {
		t.Error("late watcher channel not closed")
	}
}

func TestTotalFramesBoundary(t *testing.T) {
	tests := []struct {
		length, sr, fps, want int
	}{
		{24000, 8000, 30, 90},
		{23999, 8000, 30, 89},
		{44100 * 10, 44100, 60, 600},
		{1, 44100, 60, 0},
	}
	for _, tt := range tests {
		asset := &types.Asset{SampleRate: tt.sr, Channels: [][]float32{make([]float32, tt.length)}}
		if got := TotalFrames(asset, tt.fps); got != tt.want {
			t.Errorf("TotalFrames(%d samples @%d, %dfps) = %d, want %d", tt.length, tt.sr, tt.fps, got, tt.want)
		}
	}
}

func TestPipelineProfileFallback(t *testing.T) {
	b := newFakeBackend()
	b.unsupported["primary"] = true
	p := NewPipeline(b, nil)
	job, err := p.Prepare(request(sineAsset(8000, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if len(b.opened) != 2 || b.opened[1] != "fallback" {
		t.Errorf("opened = %v", b.opened)
	}

	b = newFakeBackend()
	b.unsupported["primary"] = true
	b.unsupported["fallback"] = true
	p = NewPipeline(b, nil)
	job, err = p.Prepare(request(sineAsset(8000, 1)))
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background(), job)
	if !errors.Is(err, ErrUnsupportedConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedConfig", err)
	}
	if job.Status() != StatusFailed {
		t.Errorf("status = %s", job.Status())
	}
	if msg := job.Progress().Error; !strings.HasPrefix(msg, string(StatusInitializing)+": ") {
		t.Errorf("error message = %q", msg)
	}
}

func TestPipelineFinalizeFailure(t *testing.T) {
	b := newFakeBackend()
	b.finalizeErr = errors.New("disk full")
	p := NewPipeline(b, nil)
	job, err := p.Prepare(request(sineAsset(8000, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), job); err == nil {
		t.Fatal("expected error")
	}
	if job.Status() != StatusFailed {
		t.Errorf("status = %s", job.Status())
	}
	if got := job.Progress().Error; got != "finalizing: disk full" {
		t.Errorf("error = %q", got)
	}
	if b.count("close") != 1 {
		t.Error("session not closed after failure")
	}
}

func TestPrepareRejectsInvalidInput(t *testing.T) {
	p := NewPipeline(newFakeBackend(), nil)
	asset := sineAsset(8000, 1)

	tests := []struct {
		name   string
		mutate func(*Request)
		want   error
	}{
		{"no audio", func(r *Request) { r.Asset = nil }, ErrNoAudio},
		{"empty audio", func(r *Request) { r.Asset = &types.Asset{SampleRate: 8000} }, ErrNoAudio},
		{"custom resolution", func(r *Request) { r.Resolution = types.Resolution{Name: "720p", Width: 1000, Height: 720} }, types.ErrUnsupportedResolution},
		{"unknown preset", func(r *Request) { r.Resolution = types.Resolution{Name: "4k", Width: 3840, Height: 2160} }, types.ErrUnsupportedResolution},
		{"bad layer", func(r *Request) {
			r.Layers = []layer.Layer{layer.New(layer.TypeBar, func(p *layer.Properties) { p.Width = 0 })}
		}, layer.ErrInvalidLayer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(asset)
			tt.mutate(&req)
			if _, err := p.Prepare(req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	req := request(asset)
	req.FPS = 0
	if _, err := p.Prepare(req); err == nil {
		t.Error("fps 0 accepted")
	}
}

func TestPipelineWritesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	p := NewPipeline(newFakeBackend(), nil, WithOutputDir(dir))
	job, err := p.Prepare(request(sineAsset(8000, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	out, _ := job.Output()
	data, err := os.ReadFile(out.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "container" {
		t.Errorf("file content = %q", data)
	}
	if out.Data != nil || out.Size != int64(len("container")) {
		t.Errorf("output kept %d bytes in memory, size %d", len(out.Data), out.Size)
	}
}

func TestDefaultFilename(t *testing.T) {
	tests := []struct {
		source, want string
	}{
		{"/a/b/track.mp3", "track-visualizer-12345678.avi"},
		{"", "export-visualizer-12345678.avi"},
		{"song", "song-visualizer-12345678.avi"},
	}
	for _, tt := range tests {
		if got := DefaultFilename(tt.source, "1234567890ab", ".avi"); got != tt.want {
			t.Errorf("DefaultFilename(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}
