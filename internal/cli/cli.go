// ============================================================================
// Dump Driver CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and inspecting the backup driver
//
// Command Structure:
//   driver                         # Root command
//   ├── run                        # Run one backup
//   │   ├── --simulate            # Use in-process dumper/taper simulators
//   │   └── --sim-delay           # Per-step delay of the simulators
//   ├── status                     # Show run status
//   │   └── --addr                # Ask a live driver over gRPC
//   ├── check                      # Validate config and disklist
//   ├── --config, -c               # Config file (all commands)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// run Command:
//   1. Load and validate config
//   2. Take the single-instance lock
//   3. Load disklist, fill last dump dates from history
//   4. Probe holding disks, build allocator and process pool
//   5. Start metrics and status servers (if configured)
//   6. Run the controller until every record settles or a signal arrives
//
//   Examples:
//     ./driver run -c driver.yaml
//     ./driver run -c driver.yaml --simulate
//
// status Command:
//   Without --addr the last snapshot file (status.snapshot_path) is read,
//   so it also works after the run has finished.
//
//   Examples:
//     ./driver status -c driver.yaml
//     ./driver status --addr localhost:7070
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the run context. Workers get QUIT, the final
//   snapshot is written, the lock is released.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/dumpdriver/internal/config"
	"github.com/ChuLiYu/dumpdriver/internal/controller"
	"github.com/ChuLiYu/dumpdriver/internal/disklist"
	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/internal/history"
	"github.com/ChuLiYu/dumpdriver/internal/holding"
	"github.com/ChuLiYu/dumpdriver/internal/lock"
	"github.com/ChuLiYu/dumpdriver/internal/logger"
	"github.com/ChuLiYu/dumpdriver/internal/metrics"
	"github.com/ChuLiYu/dumpdriver/internal/server"
	"github.com/ChuLiYu/dumpdriver/internal/simulate"
	"github.com/ChuLiYu/dumpdriver/internal/snapshot"
	"github.com/ChuLiYu/dumpdriver/internal/worker"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=..."
var Version = "0.1.0"

var configFile string

// Program names used by the in-process launcher in --simulate mode
const (
	simDumper = "dumper"
	simTaper  = "taper"
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "driver",
		Short: "Driver: schedules backup dumps onto holding disks and tape",
		Long: `Driver runs one backup:
- dumps disks in parallel onto holding disks
- falls back to a degraded plan when space or the tape window is short
- streams finished dumps to a single taper
- records results in the history database`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "driver.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCheckCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	simulate bool
	simDelay time.Duration
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one backup run",
		Long:  "Load the disklist and dump every disk, then write the dumps to tape",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDriver(ctx, configFile, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "use in-process dumper and taper simulators")
	cmd.Flags().DurationVar(&opts.simDelay, "sim-delay", 50*time.Millisecond, "delay between simulated dump steps")

	return cmd
}

func loadConfig(path string, simMode bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(simMode); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDriver(ctx context.Context, cfgPath string, opts runOptions) error {
	cfg, err := loadConfig(cfgPath, opts.simulate)
	if err != nil {
		return err
	}

	if err := logger.Initialize(logger.Options{JSON: cfg.Log.JSON, Level: cfg.Log.Level}); err != nil {
		return errors.Wrap(err, "init logger")
	}
	defer logger.Sync()
	log := logger.Logger

	datestamp := cfg.ResolveDateStamp(time.Now())

	release, err := lock.Acquire(cfg.LockPath, cfgPath, datestamp)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			log.Warnw("release lock", "path", cfg.LockPath, "error", err)
		}
	}()

	disks, err := disklist.Load(cfg.Disklist)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.History.Driver, cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := history.FillLastDumps(ctx, store, disks); err != nil {
		return err
	}

	alloc, err := buildAllocator(cfg, log)
	if err != nil {
		return err
	}

	launcher, dumperArgv, taperArgv, err := buildLauncher(cfg, opts)
	if err != nil {
		return err
	}
	pool := worker.NewPool(worker.Config{
		MaxDumpers:    cfg.MaxDumpers,
		ShutdownGrace: cfg.ShutdownGrace,
	}, launcher, log)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		srv := metrics.NewServer(cfg.Metrics.Addr, reg)
		go func() {
			log.Infow("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var snap *snapshot.Manager
	if cfg.Status.SnapshotPath != "" {
		snap = snapshot.NewManager(cfg.Status.SnapshotPath)
	}

	ctrl, err := controller.New(controller.Config{
		Parallelism:      cfg.Parallelism,
		DumperArgv:       dumperArgv,
		TaperArgv:        taperArgv,
		DateStamp:        datestamp,
		TapeWindow:       cfg.TapeWindow,
		ChunkIncrementKB: cfg.ChunkIncrementKB,
		SnapshotInterval: cfg.Status.Interval,
	}, controller.Deps{
		Pool:     pool,
		Alloc:    alloc,
		Updater:  history.NewUpdater(store, datestamp, log),
		Snapshot: snap,
		Metrics:  collector,
	}, log)
	if err != nil {
		return err
	}

	skipped, err := ctrl.Load(disks)
	if err != nil {
		return err
	}
	log.Infow("disklist loaded", "disks", len(disks), "skipped", skipped, "datestamp", datestamp)

	if cfg.Status.ListenAddr != "" {
		statusSrv := server.New(ctrl, log)
		go func() {
			if err := statusSrv.ListenAndServe(cfg.Status.ListenAddr); err != nil {
				log.Errorw("status server", "addr", cfg.Status.ListenAddr, "error", err)
			}
		}()
		defer statusSrv.Stop()
	}

	return ctrl.Run(ctx)
}

func buildAllocator(cfg *config.Config, log *zap.SugaredLogger) (*holding.Allocator, error) {
	disks := make([]holding.Disk, 0, len(cfg.HoldingDisks))
	for _, hd := range cfg.HoldingDisks {
		capacity, err := holding.ProbeCapacity(hd.Path, hd.UseKB)
		if err != nil {
			return nil, err
		}
		disks = append(disks, holding.Disk{
			Name:       hd.Name,
			Path:       hd.Path,
			CapacityKB: capacity,
			MaxWriters: hd.MaxWriters,
		})
	}
	return holding.NewAllocator(disks, log)
}

func buildLauncher(cfg *config.Config, opts runOptions) (worker.Launcher, []string, []string, error) {
	if opts.simulate {
		launcher := worker.FuncLauncher{Programs: map[string]worker.ProgramFunc{
			simDumper: func(ctx context.Context, _ []string, in io.Reader, out io.Writer) error {
				return simulate.Dumper(ctx, in, out, simulate.DumperOptions{StepDelay: opts.simDelay})
			},
			simTaper: func(ctx context.Context, _ []string, in io.Reader, out io.Writer) error {
				return simulate.Taper(ctx, in, out, simulate.TaperOptions{FileDelay: opts.simDelay})
			},
		}}
		return launcher, []string{simDumper}, []string{simTaper}, nil
	}

	dumperArgv, err := cfg.DumperArgv()
	if err != nil {
		return nil, nil, nil, err
	}
	taperArgv, err := cfg.TaperArgv()
	if err != nil {
		return nil, nil, nil, err
	}
	return worker.ExecLauncher{}, dumperArgv, taperArgv, nil
}

// ============================================================================
// check
// ============================================================================

func buildCheckCommand() *cobra.Command {
	var simMode bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and the disklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd.OutOrStdout(), configFile, simMode)
		},
	}

	cmd.Flags().BoolVar(&simMode, "simulate", false, "do not require dumper and taper programs")

	return cmd
}

func checkConfig(w io.Writer, cfgPath string, simMode bool) error {
	cfg, err := loadConfig(cfgPath, simMode)
	if err != nil {
		return err
	}
	disks, err := disklist.Load(cfg.Disklist)
	if err != nil {
		return err
	}

	var total int64
	noEstimate := 0
	for _, d := range disks {
		est, ok := d.Estimate(d.Level)
		if !ok {
			noEstimate++
			continue
		}
		total += est.SizeKB
	}

	fmt.Fprintf(w, "config %s OK\n", cfgPath)
	fmt.Fprintf(w, "  disks:         %d (%d without an estimate for their level)\n", len(disks), noEstimate)
	fmt.Fprintf(w, "  estimated:     %d KB\n", total)
	fmt.Fprintf(w, "  holding disks: %d\n", len(cfg.HoldingDisks))
	return nil
}
