package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"threadline/internal/cli"
	"threadline/pkg/state/shutdown"
)

// set by -ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load(".env")

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	root := cli.NewRootCommand(version, commit)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(cli.GetExitCode(err))
	}
}
