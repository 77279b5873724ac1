package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"

	"threadline/internal/app"
	"threadline/pkg/config"
	"threadline/pkg/state"
	"threadline/pkg/state/logger"
	"threadline/pkg/state/shutdown"
)

// set by -ldflags at build time
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	flags, err := config.ParseConfigFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		shutdown.Abort("config_file_load_failed", err)
	}
	envCfg, envUsed, err := config.ParseConfigEnvs(os.Getenv)
	if err != nil {
		shutdown.Abort("config_env_invalid", err)
	}
	eff := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envUsed)
	if err := config.ValidateConfig(eff); err != nil {
		shutdown.Abort("config_invalid", err)
	}
	config.SetConfig(eff.Config)

	// initialize logger after config is fully loaded
	logger.Init(eff.Config.Logging.Level, eff.Config.Logging.Format)
	defer logger.Sync()
	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "feed_addr", eff.Config.FeedAddr(), "db_path", eff.DBPath)

	numCPU := runtime.NumCPU()
	if limit := numCPU * 2; eff.Config.Ingest.Workers > limit {
		logger.Warn("worker_count_capped", "requested", eff.Config.Ingest.Workers, "capped_to", limit)
		eff.Config.Ingest.Workers = limit
	}

	paths, err := state.Init(eff.DBPath)
	if err != nil {
		shutdown.Abort("state_dirs_setup_failed", err)
	}

	a, err := app.New(eff, paths, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("app_init_failed", err)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	runErr := a.Run(ctx)

	// bounded so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", "error", err)
	}
	if runErr != nil {
		shutdown.Abort("app_run_failed", runErr)
	}
}
