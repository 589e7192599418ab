package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"pgbackup/cmd"
)

// Build information (set by ldflags)
var version = "dev"

func main() {
	// cancel on interrupt; engines poll the flag on page and file
	// boundaries and clean up before exiting
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(cmd.Execute(ctx, version))
}
