// Command herald runs one node of the notification delivery plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"herald/internal/app"
	"herald/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("HERALD_CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, log, err := app.Bootstrap(ctx, *configPath)
	if err != nil {
		if log != nil {
			log.Error("startup failed", logger.Error(err))
		}
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := app.Run(ctx, a); err != nil {
		log.Error("herald exited with error", logger.Error(err))
		return err
	}
	return nil
}
