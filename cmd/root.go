package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"vizexport/internal/config"
	"vizexport/internal/logging"

	"github.com/spf13/cobra"
)

var (
	cfg      = config.Load()
	logLevel string
	logJSON  bool
	logger   *slog.Logger
	version  = "0.3.0"
)

var rootCmd = &cobra.Command{
	Use:   "vizexport",
	Short: "把音频渲染成带频谱可视化图层的视频",
	Long: `vizexport 读取音频和图层工程 (柱状、圆环、折线、图片、节拍图片)，
按帧推进频谱分析并合成画面，编码后与原音频一起封装成视频文件。

支持 WAV, FLAC, MP3 输入；内置 MJPEG/AVI 编码，也可以调用 ffmpeg 输出 MP4。`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.New(logLevel, logJSON)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "日志级别: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", cfg.LogJSON, "以JSON格式输出日志")

	rootCmd.SetVersionTemplate("vizexport version {{.Version}}\n")
	rootCmd.Version = version
}
