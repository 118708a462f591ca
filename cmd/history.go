package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"vizexport/internal/history"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "查看最近的导出记录",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	f := historyCmd.Flags()
	f.StringVar(&historyDB, "history", cfg.HistoryDB, "导出历史数据库")
	f.IntVarP(&historyLimit, "limit", "n", 20, "最多显示的条数")
	f.BoolVar(&jsonOutput, "json", false, "以JSON格式输出")

	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyDB == "" {
		return errors.New("需要通过 --history 或 VIZ_HISTORY_DB 指定数据库")
	}
	store, err := history.Open(historyDB)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("暂无导出记录")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\t来源\t后端\t分辨率\t帧\t状态\t结束时间\t输出")
	for _, e := range entries {
		finished := "-"
		if !e.FinishedAt.IsZero() {
			finished = e.FinishedAt.Local().Format("2006-01-02 15:04:05")
		}
		output := e.OutputPath
		if e.Error != "" {
			output = e.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dx%d@%d\t%d/%d\t%s\t%s\t%s\n",
			e.ID[:min(8, len(e.ID))], e.Source, e.Backend, e.Width, e.Height, e.FPS,
			e.FramesRendered, e.TotalFrames, e.Status, finished, output)
	}
	return tw.Flush()
}
