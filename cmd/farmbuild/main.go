package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/farmbuild/farmbuild/internal/cmd"
)

// Populated by the linker at release time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := cmd.ExecuteContext(ctx)
	stop()
	os.Exit(code)
}
