package cmd

import (
	"context"
	"fmt"
	"math"

	"vizexport/internal/analyzer"
	"vizexport/internal/decoder"
	"vizexport/internal/export"
	"vizexport/internal/layer"
	"vizexport/internal/render"
	"vizexport/internal/types"

	"github.com/gogpu/gg"
	"github.com/spf13/cobra"
)

var (
	frameAt     float64
	frameOutput string
)

var frameCmd = &cobra.Command{
	Use:   "frame <audio>",
	Short: "渲染某一时刻的单帧为PNG",
	Long: `按导出时相同的帧序列推进频谱 (包括平滑状态)，把 --at 所在的那一帧保存为PNG，
用于在导出前检查图层效果。`,
	Args: cobra.ExactArgs(1),
	RunE: runFrame,
}

func init() {
	f := frameCmd.Flags()
	f.Float64Var(&frameAt, "at", 0, "时间点 (秒)")
	f.StringVarP(&frameOutput, "output", "o", "frame.png", "输出PNG文件")
	f.StringVarP(&projectPath, "project", "p", "", "图层工程文件 (JSON)")
	f.StringVarP(&resolution, "resolution", "r", cfg.Resolution, "分辨率")
	f.IntVar(&fps, "fps", cfg.FPS, "帧率")

	rootCmd.AddCommand(frameCmd)
}

func runFrame(cmd *cobra.Command, args []string) error {
	res, err := types.ParseResolution(resolution)
	if err != nil {
		return err
	}
	if fps <= 0 || fps > export.MaxFPS {
		return fmt.Errorf("无效的帧率: %d", fps)
	}

	asset, _, err := decoder.NewDecoderRegistry().LoadAsset(args[0])
	if err != nil {
		return err
	}
	project, err := layer.LoadProject(projectPath)
	if err != nil {
		return err
	}

	smoothing, _ := export.RepresentativeSmoothing(project.Layers)
	stepper, err := analyzer.NewStepper(asset, analyzer.WithSmoothing(smoothing))
	if err != nil {
		return err
	}

	target := int(math.Floor(frameAt * float64(fps)))
	if target < 0 || float64(target)/float64(fps) > asset.Duration() {
		return fmt.Errorf("%w: %.3f 秒 (时长 %.3f 秒)", analyzer.ErrBeyondDuration, frameAt, asset.Duration())
	}
	var snap *analyzer.Snapshot
	for i := 0; i <= target; i++ {
		if snap, err = stepper.Advance(float64(i) / float64(fps)); err != nil {
			return err
		}
	}

	compositor := render.NewCompositor(nil, render.WithLogger(logger))
	if err := compositor.Assets().Preload(context.Background(), render.ImageURLs(project.Layers)...); err != nil {
		return err
	}

	dc := gg.NewContext(res.Width, res.Height)
	defer dc.Close()
	if err := compositor.Render(dc, res.Width, res.Height, snap, project.Layers, project.BackgroundColor); err != nil {
		logger.Warn("部分图层渲染失败", "error", err)
	}
	if err := dc.SavePNG(frameOutput); err != nil {
		return fmt.Errorf("保存PNG失败: %w", err)
	}
	fmt.Printf("第 %d 帧 (%.3f 秒) 已保存到 %s\n", target, float64(target)/float64(fps), frameOutput)
	return nil
}
