package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"precorsia/internal/cli"
	"precorsia/internal/config"
	"precorsia/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := cli.Open(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	err = cli.NewRootCmd(cli.NewRoot(app, cfg, log)).ExecuteContext(ctx)
	if cerr := app.Close(); cerr != nil {
		log.Warn("shutdown", "error", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}
