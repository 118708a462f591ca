package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vizexport/internal/history"
	"vizexport/internal/server"

	"github.com/spf13/cobra"
)

var (
	addr           string
	jobRetention   time.Duration
	allowedOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动导出服务",
	Long: `提供 HTTP 接口提交导出任务 (multipart 上传音频和工程)，
通过 websocket 推送进度，支持取消和下载。`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&addr, "addr", cfg.Addr, "监听地址")
	f.StringVarP(&outputDir, "output-dir", "o", cfg.OutputDir, "输出目录，留空只保存在内存中")
	f.StringVar(&historyDB, "history", cfg.HistoryDB, "导出历史数据库，留空不记录")
	f.StringVarP(&backendName, "backend", "b", cfg.Backend, "默认编码后端")
	f.StringVar(&ffmpegBin, "ffmpeg", cfg.FFmpegBin, "ffmpeg 可执行文件")
	f.StringVar(&tempDir, "temp-dir", cfg.TempDir, "临时文件目录")
	f.DurationVar(&jobRetention, "retention", cfg.JobRetention, "结束的任务保留多久")
	f.StringSliceVar(&allowedOrigins, "allow-origin", cfg.AllowedOrigins, "允许连接进度推送的跨域来源，可重复")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var opts []server.Option
	opts = append(opts, server.WithLogger(logger))
	if historyDB != "" {
		store, err := history.Open(historyDB)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, server.WithRecorder(store))
	}

	srv := server.New(server.Options{
		Resolution: cfg.Resolution,
		FPS:        cfg.FPS,
		Backend:    backendName,
		FFmpegBin:  ffmpegBin,
		TempDir:    tempDir,
		OutputDir:  outputDir,
		Background: cfg.Background,

		Retention:      jobRetention,
		AllowedOrigins: allowedOrigins,
	}, opts...)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("导出服务已启动", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("正在关闭导出服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭HTTP服务失败", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
