package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/logcraft-io/logcraft-cli/cmd/lgc/commands"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(commands.Execute(ctx, version, commit, buildDate))
}
