package export

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
)

const (
	aviHasIndex     = 0x10
	aviIsInterleave = 0x100
	aviIFKeyframe   = 0x10

	videoChunkID = "00dc"
	audioChunkID = "01wb"

	// maxRIFFSize AVI 1.0 的 RIFF 长度字段是 32 位
	maxRIFFSize = math.MaxUint32
	// aviHeaderReserve 为 RIFF、hdrl、movi 和 idx1 的头部预留的字节数
	aviHeaderReserve = 1024
)

// ErrContainerTooLarge 输出超出 AVI 1.0 能表示的大小
var ErrContainerTooLarge = errors.New("输出文件超过AVI大小上限")

// binaryWriter 记录第一个写入错误，后续写入直接跳过
type binaryWriter struct {
	w   io.Writer
	err error
}

func (bw *binaryWriter) fourCC(s string) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write([]byte(s))
}

func (bw *binaryWriter) u32(v uint32) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}

func (bw *binaryWriter) u16(v uint16) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}

func (bw *binaryWriter) bytes(data []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(data)
}

func (bw *binaryWriter) copyFrom(r io.Reader, n int64) {
	if bw.err != nil {
		return
	}
	_, bw.err = io.CopyN(bw.w, r, n)
}

// list 写入 LIST 块
func (bw *binaryWriter) list(kind string, body []byte) {
	bw.fourCC("LIST")
	bw.u32(uint32(4 + len(body)))
	bw.fourCC(kind)
	bw.bytes(body)
}

// aviEntry movi 中的一个数据块，数据本身在临时文件里
type aviEntry struct {
	id        string
	timestamp int64
	offset    int64
	size      int
	keyframe  bool
}

// aviMuxer 两条流的 AVI 封装器: MJPEG 视频和 16 位 PCM 音频。
// 数据块到达时就写入临时文件，内存里只保留索引；writeTo 时按时间戳交错写入 movi 并生成 idx1。
type aviMuxer struct {
	width, height, fps   int
	sampleRate, channels int
	maxSize              int64

	mu         sync.Mutex
	spool      *os.File
	spoolSize  int64
	video      []aviEntry
	audio      []aviEntry
	lastVideo  int64
	lastAudio  int64
	audioBytes int64
	maxChunk   int
	// projected RIFF 负载中与数据块相关的部分: movi 子块加 idx1 条目
	projected int64
}

func newAVIMuxer(cfg SessionConfig, tempDir string, maxSize int64) (*aviMuxer, error) {
	spool, err := os.CreateTemp(tempDir, "vizexport-*.movi")
	if err != nil {
		return nil, fmt.Errorf("创建AVI临时文件失败: %w", err)
	}
	if maxSize <= 0 || maxSize > maxRIFFSize {
		maxSize = maxRIFFSize
	}
	return &aviMuxer{
		width:      cfg.Width,
		height:     cfg.Height,
		fps:        cfg.FPS,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		maxSize:    maxSize,
		spool:      spool,
		lastVideo:  -1,
		lastAudio:  -1,
	}, nil
}

func (m *aviMuxer) blockAlign() int {
	return m.channels * 2
}

func padded(n int) int64 {
	return int64(n + n%2)
}

// appendLocked 写入临时文件并登记索引，超过 RIFF 上限时拒绝
func (m *aviMuxer) appendLocked(e aviEntry, data []byte) (aviEntry, error) {
	if m.spool == nil {
		return e, ErrEncoderClosed
	}
	cost := 8 + padded(len(data)) + 16
	if aviHeaderReserve+m.projected+cost > m.maxSize {
		return e, fmt.Errorf("%w: 已有 %d 字节，上限 %d", ErrContainerTooLarge, aviHeaderReserve+m.projected, m.maxSize)
	}
	if _, err := m.spool.Write(data); err != nil {
		return e, fmt.Errorf("写入AVI临时文件失败: %w", err)
	}
	e.offset = m.spoolSize
	e.size = len(data)
	m.spoolSize += int64(len(data))
	m.projected += cost
	m.maxChunk = max(m.maxChunk, len(data))
	return e, nil
}

func (m *aviMuxer) addVideo(ts int64, data []byte, keyframe bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts <= m.lastVideo {
		return fmt.Errorf("%w: 视频 %d <= %d", ErrNonMonotonic, ts, m.lastVideo)
	}
	e, err := m.appendLocked(aviEntry{id: videoChunkID, timestamp: ts, keyframe: keyframe}, data)
	if err != nil {
		return err
	}
	m.lastVideo = ts
	m.video = append(m.video, e)
	return nil
}

func (m *aviMuxer) addAudio(ts int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts <= m.lastAudio {
		return fmt.Errorf("%w: 音频 %d <= %d", ErrNonMonotonic, ts, m.lastAudio)
	}
	e, err := m.appendLocked(aviEntry{id: audioChunkID, timestamp: ts, keyframe: true}, data)
	if err != nil {
		return err
	}
	m.lastAudio = ts
	m.audioBytes += int64(len(data))
	m.audio = append(m.audio, e)
	return nil
}

// close 删除临时文件，之后写入返回 ErrEncoderClosed
func (m *aviMuxer) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spool == nil {
		return nil
	}
	name := m.spool.Name()
	err := m.spool.Close()
	m.spool = nil
	m.video, m.audio = nil, nil
	if rerr := os.Remove(name); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// interleaved 按时间戳合并两条流，同一时间视频在前
func (m *aviMuxer) interleaved() []aviEntry {
	all := make([]aviEntry, 0, len(m.video)+len(m.audio))
	all = append(all, m.video...)
	all = append(all, m.audio...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].timestamp < all[j].timestamp
	})
	return all
}

// writeTo 写出完整的 RIFF/AVI 文件，数据块从临时文件按交错顺序拷贝
func (m *aviMuxer) writeTo(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spool == nil {
		return ErrEncoderClosed
	}

	entries := m.interleaved()
	frames := uint32(len(m.video))
	maxChunk := uint32(m.maxChunk)

	var hdrl bytes.Buffer
	hw := &binaryWriter{w: &hdrl}
	m.writeMainHeader(hw, frames, maxChunk)
	hw.list("strl", m.videoStreamList(frames, maxChunk))
	hw.list("strl", m.audioStreamList())
	if hw.err != nil {
		return fmt.Errorf("生成AVI失败: %w", hw.err)
	}

	moviSize := int64(0)
	for _, e := range entries {
		moviSize += 8 + padded(e.size)
	}
	idxSize := int64(16 * len(entries))
	riffSize := 4 + (12 + int64(hdrl.Len())) + (12 + moviSize) + (8 + idxSize)
	if riffSize > m.maxSize {
		return fmt.Errorf("%w: %d 字节，上限 %d", ErrContainerTooLarge, riffSize, m.maxSize)
	}

	bw := &binaryWriter{w: w}
	bw.fourCC("RIFF")
	bw.u32(uint32(riffSize))
	bw.fourCC("AVI ")
	bw.list("hdrl", hdrl.Bytes())

	bw.fourCC("LIST")
	bw.u32(uint32(4 + moviSize))
	bw.fourCC("movi")
	for _, e := range entries {
		bw.fourCC(e.id)
		bw.u32(uint32(e.size))
		bw.copyFrom(io.NewSectionReader(m.spool, e.offset, int64(e.size)), int64(e.size))
		if e.size%2 != 0 {
			bw.bytes([]byte{0})
		}
	}

	// idx1 偏移相对 movi 标记
	bw.fourCC("idx1")
	bw.u32(uint32(idxSize))
	offset := int64(4)
	for _, e := range entries {
		flags := uint32(0)
		if e.keyframe {
			flags = aviIFKeyframe
		}
		bw.fourCC(e.id)
		bw.u32(flags)
		bw.u32(uint32(offset))
		bw.u32(uint32(e.size))
		offset += 8 + padded(e.size)
	}
	if bw.err != nil {
		return fmt.Errorf("写入AVI失败: %w", bw.err)
	}
	return nil
}

func (m *aviMuxer) writeMainHeader(bw *binaryWriter, frames, maxChunk uint32) {
	avgBytes := uint32(0)
	if frames > 0 {
		avgBytes = maxChunk*uint32(m.fps) + uint32(m.sampleRate*m.blockAlign())
	}
	bw.fourCC("avih")
	bw.u32(56)
	bw.u32(uint32(1_000_000 / m.fps)) // 每帧微秒
	bw.u32(avgBytes)                  // 最大码率
	bw.u32(0)                         // 对齐
	bw.u32(aviHasIndex | aviIsInterleave)
	bw.u32(frames)
	bw.u32(0) // 初始帧
	bw.u32(2) // 流数量
	bw.u32(maxChunk)
	bw.u32(uint32(m.width))
	bw.u32(uint32(m.height))
	bw.u32(0) // 保留 ×4
	bw.u32(0)
	bw.u32(0)
	bw.u32(0)
}

func (m *aviMuxer) videoStreamList(frames, maxChunk uint32) []byte {
	var buf bytes.Buffer
	bw := &binaryWriter{w: &buf}

	bw.fourCC("strh")
	bw.u32(56)
	bw.fourCC("vids")
	bw.fourCC("MJPG")
	bw.u32(0) // flags
	bw.u16(0) // priority
	bw.u16(0) // language
	bw.u32(0) // initial frames
	bw.u32(1) // scale
	bw.u32(uint32(m.fps))
	bw.u32(0) // start
	bw.u32(frames)
	bw.u32(maxChunk)
	bw.u32(0xFFFFFFFF) // quality: 默认
	bw.u32(0)          // sample size
	bw.u16(0)
	bw.u16(0)
	bw.u16(uint16(m.width))
	bw.u16(uint16(m.height))

	// BITMAPINFOHEADER
	bw.fourCC("strf")
	bw.u32(40)
	bw.u32(40)
	bw.u32(uint32(m.width))
	bw.u32(uint32(m.height))
	bw.u16(1)  // planes
	bw.u16(24) // bpp
	bw.fourCC("MJPG")
	bw.u32(uint32(m.width * m.height * 3))
	bw.u32(0)
	bw.u32(0)
	bw.u32(0)
	bw.u32(0)
	return buf.Bytes()
}

func (m *aviMuxer) audioStreamList() []byte {
	var buf bytes.Buffer
	bw := &binaryWriter{w: &buf}
	align := uint32(m.blockAlign())
	byteRate := uint32(m.sampleRate) * align
	samples := uint32(0)
	if align > 0 {
		samples = uint32(m.audioBytes / int64(align))
	}

	bw.fourCC("strh")
	bw.u32(56)
	bw.fourCC("auds")
	bw.u32(0) // PCM 无 handler
	bw.u32(0)
	bw.u16(0)
	bw.u16(0)
	bw.u32(0)
	bw.u32(align)    // scale
	bw.u32(byteRate) // rate
	bw.u32(0)
	bw.u32(samples)
	bw.u32(byteRate) // suggested buffer: 一秒
	bw.u32(0xFFFFFFFF)
	bw.u32(align) // sample size
	bw.u16(0)
	bw.u16(0)
	bw.u16(0)
	bw.u16(0)

	// WAVEFORMATEX
	bw.fourCC("strf")
	bw.u32(18)
	bw.u16(1) // WAVE_FORMAT_PCM
	bw.u16(uint16(m.channels))
	bw.u32(uint32(m.sampleRate))
	bw.u32(byteRate)
	bw.u16(uint16(align))
	bw.u16(16)
	bw.u16(0) // cbSize
	return buf.Bytes()
}
