package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telemerge/mergebot/pkg/config"
	tgconnector "github.com/telemerge/mergebot/pkg/connector/telegram"
	"github.com/telemerge/mergebot/pkg/lock"
	"github.com/telemerge/mergebot/pkg/log"
	"github.com/telemerge/mergebot/pkg/orchestrator"
)

var runFlags struct {
	configPath string
	dataDir    string
	dbPath     string

	msgFreshHours       float64
	fileFreshHours      float64
	msgSubsequentHours  float64
	fileSubsequentHours float64

	maxWorkers int
	timeout    time.Duration
	noDeliver  bool
	logJSON    bool
	logLevel   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one aggregation run",
	Long: `Run the full pipeline once: ingest new items from every configured
source, transform them into records, build and publish per-route artifacts,
export the output trees and clean up processed blobs.

Partial failures (individual sources, routes or destinations) do not affect
the exit code; only configuration and lock-acquisition errors exit non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Config{Level: log.Level(runFlags.logLevel), JSONOutput: runFlags.logJSON})

		cfg, err := config.Load(runFlags.configPath)
		if err != nil {
			return err
		}

		lockPath := filepath.Join(runFlags.dataDir, "state", "mergebot.lock")
		runLock, err := lock.Acquire(lockPath)
		if err != nil {
			return err
		}
		defer runLock.Release()

		orch, err := orchestrator.New(cfg, orchestrator.Options{
			DataDir:    runFlags.dataDir,
			DBPath:     runFlags.dbPath,
			MaxWorkers: runFlags.maxWorkers,
			Timeout:    runFlags.timeout,
			NoDeliver:  runFlags.noDeliver,
			FetchWindows: tgconnector.FetchWindows{
				MsgFreshHours:       runFlags.msgFreshHours,
				FileFreshHours:      runFlags.fileFreshHours,
				MsgSubsequentHours:  runFlags.msgSubsequentHours,
				FileSubsequentHours: runFlags.fileSubsequentHours,
			},
		})
		if err != nil {
			return fmt.Errorf("initialize orchestrator: %w", err)
		}
		defer orch.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report := orch.Run(ctx)
		fmt.Printf("Run %s complete: %d artifacts, %d/%d routes ok, %d publish failures (%.1fs)\n",
			report.RunID, report.Artifacts, report.RoutesOK,
			report.RoutesOK+report.RoutesFailed, report.PublishFailures,
			report.TotalDuration.Seconds())
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.configPath, "config", "config.yaml", "Path to the configuration file")
	f.StringVar(&runFlags.dataDir, "data-dir", "data", "Base data directory")
	f.StringVar(&runFlags.dbPath, "db-path", "", "State database path (default <data-dir>/state/state.db)")

	f.Float64Var(&runFlags.msgFreshHours, "msg-fresh-hours", tgconnector.DefaultFetchWindows.MsgFreshHours,
		"Message lookback window in hours for a source's first run")
	f.Float64Var(&runFlags.fileFreshHours, "file-fresh-hours", tgconnector.DefaultFetchWindows.FileFreshHours,
		"File lookback window in hours for a source's first run")
	f.Float64Var(&runFlags.msgSubsequentHours, "msg-subsequent-hours", tgconnector.DefaultFetchWindows.MsgSubsequentHours,
		"Message lookback window in hours for subsequent runs (0 = unbounded)")
	f.Float64Var(&runFlags.fileSubsequentHours, "file-subsequent-hours", tgconnector.DefaultFetchWindows.FileSubsequentHours,
		"File lookback window in hours for subsequent runs (0 = unbounded)")

	f.IntVar(&runFlags.maxWorkers, "max-workers", orchestrator.DefaultMaxWorkers, "Parallel ingestion workers")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "Overall run deadline (0 = none)")
	f.BoolVar(&runFlags.noDeliver, "no-deliver", false, "Build everything but skip publishing")
	f.BoolVar(&runFlags.logJSON, "log-json", false, "Emit JSON logs")
	f.StringVar(&runFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
