package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"vizexport/internal/decoder"
	"vizexport/internal/export"
	"vizexport/internal/history"
	"vizexport/internal/layer"
	"vizexport/internal/render"

	"github.com/spf13/cobra"
)

var (
	projectPath string
	resolution  string
	fps         int
	backendName string
	ffmpegBin   string
	tempDir     string
	outputDir   string
	background  string
	historyDB   string
	concurrency int
	quiet       bool
	jsonOutput  bool
)

var exportCmd = &cobra.Command{
	Use:   "export <audio|dir>...",
	Short: "把音频导出为可视化视频",
	Long: `按工程文件中的图层逐帧渲染并编码，完成后写入输出目录。
参数可以是音频文件或目录，目录会递归查找支持的格式。Ctrl-C 会取消所有进行中的任务。`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.StringVarP(&projectPath, "project", "p", "", "图层工程文件 (JSON)，留空使用默认柱状图层")
	f.StringVarP(&resolution, "resolution", "r", cfg.Resolution, "输出分辨率: 1080p, 720p, 480p, 360p")
	f.IntVar(&fps, "fps", cfg.FPS, "帧率")
	f.StringVarP(&backendName, "backend", "b", cfg.Backend, "编码后端: native, ffmpeg")
	f.StringVar(&ffmpegBin, "ffmpeg", cfg.FFmpegBin, "ffmpeg 可执行文件")
	f.StringVar(&tempDir, "temp-dir", cfg.TempDir, "临时文件目录")
	f.StringVarP(&outputDir, "output-dir", "o", cfg.OutputDir, "输出目录")
	f.StringVar(&background, "background", cfg.Background, "画布背景色，覆盖工程中的设置")
	f.StringVar(&historyDB, "history", cfg.HistoryDB, "导出历史数据库，留空不记录")
	f.IntVarP(&concurrency, "concurrency", "j", cfg.Concurrency, "并发导出的文件数量")
	f.BoolVarP(&quiet, "quiet", "q", false, "静默模式，仅输出生成的文件路径")
	f.BoolVar(&jsonOutput, "json", false, "以JSON格式输出结果")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	registry := decoder.NewDecoderRegistry()
	var files []string
	for _, arg := range args {
		if _, err := os.Stat(arg); os.IsNotExist(err) {
			return fmt.Errorf("路径不存在: %s", arg)
		}
		found, err := collectAudioFiles(arg, registry)
		if err != nil {
			return fmt.Errorf("收集音频文件失败: %w", err)
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		fmt.Println("未找到支持的音频文件")
		return nil
	}

	project, err := layer.LoadProject(projectPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("background") || projectPath == "" {
		project.BackgroundColor = background
	}

	backend, err := export.NewBackend(backendName, export.BackendOptions{
		FFmpegBin: ffmpegBin,
		TempDir:   tempDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	config := cfg.Export()
	config.Resolution = resolution
	config.FPS = fps
	config.Backend = backendName
	config.FFmpegBin = ffmpegBin
	config.OutputDir = outputDir
	config.ProjectPath = projectPath
	config.Background = project.BackgroundColor
	config.HistoryDB = historyDB
	config.Concurrency = concurrency
	config.Quiet = quiet
	config.JSONOutput = jsonOutput

	pipeline := export.NewPipeline(backend,
		render.NewCompositor(nil, render.WithLogger(logger)),
		export.WithPipelineLogger(logger),
		export.WithOutputDir(outputDir),
	)

	opts := []export.BatchOption{export.WithBatchLogger(logger)}
	if historyDB != "" {
		store, err := history.Open(historyDB)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, export.WithRecorder(store))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := export.NewBatch(config, pipeline, project, opts...).Run(ctx, files)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Status == export.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d 个文件导出失败", failed)
	}
	return nil
}

func collectAudioFiles(path string, registry *decoder.DecoderRegistry) ([]string, error) {
	var files []string
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if registry.Supports(filePath) {
			files = append(files, filePath)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
