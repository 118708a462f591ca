package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vizexport/internal/decoder"
	"vizexport/internal/layer"
	"vizexport/internal/types"

	"github.com/schollz/progressbar/v3"
)

// Recorder 记录进入终止状态的任务
type Recorder interface {
	Record(ctx context.Context, job *Job) error
}

// BatchResult 单个音频文件的导出结果
type BatchResult struct {
	Source   string              `json:"source"`
	JobID    string              `json:"id,omitempty"`
	Status   Status              `json:"status"`
	Output   string              `json:"output,omitempty"`
	Size     int64               `json:"size,omitempty"`
	Frames   int                 `json:"frames"`
	Elapsed  float64             `json:"elapsedSeconds"`
	Metadata types.AudioMetadata `json:"metadata"`
	Error    string              `json:"error,omitempty"`
}

// Batch 用同一个工程批量导出多个音频文件，文件之间并发，单个任务内部串行
type Batch struct {
	config          *types.ExportConfig
	pipeline        *Pipeline
	project         *layer.Project
	decoderRegistry *decoder.DecoderRegistry
	recorder        Recorder
	logger          *slog.Logger
	out             io.Writer
}

// BatchOption 批量导出选项
type BatchOption func(*Batch)

// WithRecorder 每个任务结束后写入历史
func WithRecorder(r Recorder) BatchOption {
	return func(b *Batch) { b.recorder = r }
}

// WithBatchLogger 设置日志
func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(b *Batch) { b.logger = l }
}

// WithBatchOutput 结果输出位置，默认标准输出
func WithBatchOutput(w io.Writer) BatchOption {
	return func(b *Batch) { b.out = w }
}

// NewBatch 创建批量导出器
func NewBatch(config *types.ExportConfig, pipeline *Pipeline, project *layer.Project, opts ...BatchOption) *Batch {
	b := &Batch{
		config:          config,
		pipeline:        pipeline,
		project:         project,
		decoderRegistry: decoder.NewDecoderRegistry(),
		logger:          slog.New(slog.DiscardHandler),
		out:             os.Stdout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run 导出所有文件，单个文件失败不影响其他文件
func (b *Batch) Run(ctx context.Context, filePaths []string) ([]*BatchResult, error) {
	resolution, err := types.ParseResolution(b.config.Resolution)
	if err != nil {
		return nil, err
	}
	concurrency := max(b.config.Concurrency, 1)

	var bar *progressbar.ProgressBar
	if !b.config.Quiet && !b.config.JSONOutput {
		bar = progressbar.NewOptions(len(filePaths),
			progressbar.OptionSetWriter(b.out),
			progressbar.OptionSetDescription("导出视频"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(50),
			progressbar.OptionShowIts(),
		)
	}

	jobs := make(chan string, len(filePaths))
	results := make(chan *BatchResult, len(filePaths))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for filePath := range jobs {
				results <- b.exportFile(ctx, filePath, resolution)
				if bar != nil {
					bar.Add(1)
				}
			}
		}()
	}

	for _, filePath := range filePaths {
		jobs <- filePath
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var all []*BatchResult
	for result := range results {
		all = append(all, result)
		b.outputResult(result)
	}

	if bar != nil {
		bar.Finish()
		fmt.Fprintln(b.out)
	}
	if !b.config.Quiet && !b.config.JSONOutput {
		b.printSummary(all)
	}
	return all, nil
}

// exportFile 解码、创建任务并运行到终止状态
func (b *Batch) exportFile(ctx context.Context, filePath string, resolution types.Resolution) *BatchResult {
	result := &BatchResult{Source: filePath, Status: StatusFailed}
	began := time.Now()
	defer func() { result.Elapsed = time.Since(began).Seconds() }()

	asset, meta, err := b.decoderRegistry.LoadAsset(filePath)
	if err != nil {
		result.Error = fmt.Sprintf("解码失败: %v", err)
		return result
	}
	result.Metadata = meta

	job, err := b.pipeline.Prepare(Request{
		Asset:      asset,
		Source:     filePath,
		Layers:     b.project.Layers,
		Background: b.project.BackgroundColor,
		Resolution: resolution,
		FPS:        b.config.FPS,
	})
	if err != nil {
		result.Error = fmt.Sprintf("创建任务失败: %v", err)
		return result
	}
	result.JobID = job.ID

	// 失败信息已经记录在任务上
	_ = b.pipeline.Run(ctx, job)

	if b.recorder != nil {
		if err := b.recorder.Record(context.WithoutCancel(ctx), job); err != nil {
			b.logger.Warn("写入导出历史失败", "job", job.ID, "error", err)
		}
	}

	p := job.Progress()
	result.Status = p.Status
	result.Frames = p.FramesRendered
	result.Error = p.Error
	if out, ok := job.Output(); ok {
		result.Output = out.Path
		if out.Path == "" {
			result.Output = out.Filename
		}
		result.Size = out.Size
	}
	return result
}

// outputResult 输出单个结果
func (b *Batch) outputResult(result *BatchResult) {
	if b.config.Quiet {
		if result.Status == StatusComplete {
			fmt.Fprintln(b.out, result.Output)
		}
		return
	}

	if b.config.JSONOutput {
		jsonData, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON序列化失败: %v\n", err)
			return
		}
		fmt.Fprintln(b.out, string(jsonData))
		return
	}

	b.printDetailedResult(result)
}

// printDetailedResult 打印详细结果
func (b *Batch) printDetailedResult(result *BatchResult) {
	fmt.Fprintf(b.out, "\n=== %s ===\n", filepath.Base(result.Source))
	fmt.Fprintf(b.out, "路径: %s\n", result.Source)
	fmt.Fprintf(b.out, "状态: %s\n", result.Status)
	if m := result.Metadata; m.Format != "" {
		fmt.Fprintf(b.out, "音频: %s %d Hz %d 声道 %s\n", m.Format, m.SampleRate, m.Channels, m.Duration)
	}

	if result.Metadata.Title != "" {
		fmt.Fprintf(b.out, "标题: %s\n", result.Metadata.Title)
	}
	if result.Metadata.Artist != "" {
		fmt.Fprintf(b.out, "艺术家: %s\n", result.Metadata.Artist)
	}

	if result.Error != "" {
		fmt.Fprintf(b.out, "错误: %s\n", result.Error)
		return
	}
	fmt.Fprintf(b.out, "帧数: %d\n", result.Frames)
	fmt.Fprintf(b.out, "耗时: %.2f 秒\n", result.Elapsed)
	if result.Output != "" {
		fmt.Fprintf(b.out, "输出: %s (%d 字节)\n", result.Output, result.Size)
	}
}

// printSummary 打印统计摘要
func (b *Batch) printSummary(results []*BatchResult) {
	var complete, cancelled, failed int
	for _, result := range results {
		switch result.Status {
		case StatusComplete:
			complete++
		case StatusCancelled:
			cancelled++
		default:
			failed++
		}
	}

	fmt.Fprintf(b.out, "\n=== 导出统计 ===\n")
	fmt.Fprintf(b.out, "总文件数: %d\n", len(results))
	fmt.Fprintf(b.out, "完成: %d\n", complete)
	if cancelled > 0 {
		fmt.Fprintf(b.out, "已取消: %d\n", cancelled)
	}
	if failed > 0 {
		fmt.Fprintf(b.out, "失败: %d\n", failed)
	}
}
