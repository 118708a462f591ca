package export

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"vizexport/internal/layer"
	"vizexport/internal/types"
)

// Status 导出任务所处阶段
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusAnalyzing     Status = "analyzing-audio"
	StatusRendering     Status = "rendering"
	StatusEncodingAudio Status = "encoding-audio"
	StatusFinalizing    Status = "finalizing"
	StatusComplete      Status = "complete"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

// Terminal 是否为终止状态
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusFailed
}

// Settings 输出设置
type Settings struct {
	Resolution string `json:"resolution"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FPS        int    `json:"fps"`
}

// Progress 对外暴露的进度
type Progress struct {
	JobID          string  `json:"id"`
	Status         Status  `json:"status"`
	Progress       float64 `json:"progress"`
	Message        string  `json:"message"`
	Error          string  `json:"error,omitempty"`
	FramesRendered int     `json:"framesRendered"`
	TotalFrames    int     `json:"totalFrames"`
}

// Output 导出结果，只在 complete 状态下存在
type Output struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Path     string `json:"path,omitempty"`
	Size     int64  `json:"size"`
	// Data 只在没有写入输出目录时保留
	Data []byte `json:"-"`
}

const watchBuffer = 16

// Job 一次导出任务，从 Prepare 创建到进入终止状态为止
type Job struct {
	ID          string
	Source      string
	Backend     string
	Settings    Settings
	TotalFrames int
	CreatedAt   time.Time

	asset      *types.Asset
	layers     []layer.Layer
	background string

	cancelRequested atomic.Bool
	framesRendered  atomic.Int64

	mu         sync.Mutex
	started    bool
	stop       context.CancelFunc
	status     Status
	progress   float64
	message    string
	errMsg     string
	output     *Output
	startedAt  time.Time
	finishedAt time.Time
	watchers   []chan Progress
}

// Cancel 请求取消，可重复调用。Run 之前调用时任务一开始就进入 cancelled；
// 已经结束的任务不受影响。
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.cancelRequested.Store(true)
	if j.stop != nil {
		j.stop()
	}
}

// CancelRequested 是否已请求取消
func (j *Job) CancelRequested() bool {
	return j.cancelRequested.Load()
}

// Status 当前状态
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// FramesRendered 已提交给视频编码器的帧数
func (j *Job) FramesRendered() int {
	return int(j.framesRendered.Load())
}

// Output 导出结果，未完成时返回 false
func (j *Job) Output() (*Output, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.output, j.output != nil
}

// Times 开始和结束时间
func (j *Job) Times() (started, finished time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt, j.finishedAt
}

// Progress 当前进度快照
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// Watch 订阅进度更新。订阅者处理不及时会丢掉中间更新，终止状态一定会送达，之后通道关闭。
func (j *Job) Watch() <-chan Progress {
	j.mu.Lock()
	defer j.mu.Unlock()

	ch := make(chan Progress, watchBuffer)
	ch <- j.snapshotLocked()
	if j.status.Terminal() {
		close(ch)
		return ch
	}
	j.watchers = append(j.watchers, ch)
	return ch
}

func (j *Job) snapshotLocked() Progress {
	return Progress{
		JobID:          j.ID,
		Status:         j.status,
		Progress:       j.progress,
		Message:        j.message,
		Error:          j.errMsg,
		FramesRendered: j.FramesRendered(),
		TotalFrames:    j.TotalFrames,
	}
}

// start 标记任务开始，只能成功一次。stop 在 Cancel 时被调用，用来打断阻塞中的等待。
func (j *Job) start(stop context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started || j.status.Terminal() {
		return false
	}
	j.started = true
	j.startedAt = time.Now()
	j.stop = stop
	if j.cancelRequested.Load() {
		stop()
	}
	return true
}

// update 切换阶段并推进进度，进度只增不减
func (j *Job) update(status Status, progress float64, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = status
	if progress > j.progress {
		j.progress = min(progress, 100)
	}
	if message != "" {
		j.message = message
	}
	j.broadcastLocked()
}

// finish 进入终止状态并关闭所有订阅，同时释放音频和图层
func (j *Job) finish(status Status, message, errMsg string, out *Output) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.asset, j.layers = nil, nil
	j.stop = nil
	j.status = status
	j.message = message
	j.errMsg = errMsg
	j.finishedAt = time.Now()
	if status == StatusComplete {
		j.progress = 100
		j.output = out
	}
	j.broadcastLocked()
	for _, ch := range j.watchers {
		close(ch)
	}
	j.watchers = nil
}

func (j *Job) broadcastLocked() {
	p := j.snapshotLocked()
	terminal := p.Status.Terminal()
	for _, ch := range j.watchers {
		select {
		case ch <- p:
			continue
		default:
		}
		if !terminal {
			continue
		}
		// 终止状态挤掉最旧的一条
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}
