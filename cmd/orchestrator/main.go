// Package main is the entry point for the orchestrator service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/app"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/config"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
)

// version can be set at build time via -ldflags.
var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", config.GetConfigPath("config.yml"), "Path to configuration file")
	flag.Parse()

	application, err := app.New(app.Options{
		ConfigPath: configPath,
		Version:    version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := application.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to close application: %v\n", closeErr)
		}
	}()

	if runErr := application.Run(context.Background()); runErr != nil {
		application.Logger().Error("Application exited with error", logger.Error(runErr))
		os.Exit(1)
	}
}
