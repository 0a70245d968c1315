// simworker 以 stdin/stdout 執行模擬的 dumper 或 taper，可直接設定為
// dumper_program / taper_program 做展示或手動測試
//
//	dumper_program: "simworker dumper --step-delay 200ms"
//	taper_program:  "simworker taper --label DEMO-01"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/dumpdriver/internal/simulate"
)

func main() {
	var dumperOpts simulate.DumperOptions
	var taperOpts simulate.TaperOptions

	rootCmd := &cobra.Command{
		Use:          "simworker",
		Short:        "Simulated dumper and taper speaking the driver line protocol",
		SilenceUsage: true,
	}

	dumperCmd := &cobra.Command{
		Use:   "dumper",
		Short: "Run a simulated dumper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate.Dumper(cmd.Context(), os.Stdin, os.Stdout, dumperOpts)
		},
	}
	dumperCmd.Flags().Float64Var(&dumperOpts.Ratio, "ratio", 0.5, "dump size as a fraction of the first chunk")
	dumperCmd.Flags().IntVar(&dumperOpts.Steps, "steps", 4, "STATUS messages per dump")
	dumperCmd.Flags().DurationVar(&dumperOpts.StepDelay, "step-delay", 0, "delay between dump steps")
	dumperCmd.Flags().Float64Var(&dumperOpts.Compress, "compress", 0.5, "dump size / original size")

	taperCmd := &cobra.Command{
		Use:   "taper",
		Short: "Run a simulated taper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate.Taper(cmd.Context(), os.Stdin, os.Stdout, taperOpts)
		},
	}
	taperCmd.Flags().StringVar(&taperOpts.Label, "label", "SIM-001", "tape label reported for every file")
	taperCmd.Flags().DurationVar(&taperOpts.FileDelay, "file-delay", 0, "time to write one file")

	rootCmd.AddCommand(dumperCmd, taperCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "simworker: %v\n", err)
		stop()
		os.Exit(1)
	}
}
