package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"vizexport/internal/types"
)

// Config 运行时配置，全部来自环境变量
type Config struct {
	// 导出
	Resolution  string
	FPS         int
	Backend     string
	FFmpegBin   string
	TempDir     string
	OutputDir   string
	Background  string
	Concurrency int

	// 历史与服务
	HistoryDB      string
	Addr           string
	JobRetention   time.Duration
	AllowedOrigins []string

	LogLevel string
	LogJSON  bool
}

// Load 读取环境变量，未设置或无法解析时使用默认值
func Load() Config {
	return Config{
		Resolution:  envStr("VIZ_RESOLUTION", "720p"),
		FPS:         envInt("VIZ_FPS", 60),
		Backend:     envStr("VIZ_BACKEND", "native"),
		FFmpegBin:   envStr("VIZ_FFMPEG", "ffmpeg"),
		TempDir:     envStr("VIZ_TEMP_DIR", ""),
		OutputDir:   envStr("VIZ_OUTPUT_DIR", "."),
		Background:  envStr("VIZ_BACKGROUND", "#000000"),
		Concurrency: envInt("VIZ_CONCURRENCY", runtime.NumCPU()),

		HistoryDB:      envStr("VIZ_HISTORY_DB", ""),
		Addr:           envStr("VIZ_ADDR", ":8080"),
		JobRetention:   envDuration("VIZ_JOB_RETENTION", time.Hour),
		AllowedOrigins: envList("VIZ_ALLOWED_ORIGINS"),

		LogLevel: envStr("VIZ_LOG_LEVEL", "info"),
		LogJSON:  envBool("VIZ_LOG_JSON", false),
	}
}

// Export 转换为批量导出使用的配置
func (c Config) Export() *types.ExportConfig {
	return &types.ExportConfig{
		Resolution:  c.Resolution,
		FPS:         c.FPS,
		Backend:     c.Backend,
		FFmpegBin:   c.FFmpegBin,
		OutputDir:   c.OutputDir,
		Background:  c.Background,
		HistoryDB:   c.HistoryDB,
		Concurrency: c.Concurrency,
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// envList 逗号分隔，忽略空项
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
