package main

import (
	"context"
	"fmt"
	"os"

	"pybridge/internal/app"
	"pybridge/internal/config"
	"pybridge/internal/transports/cli"
	"pybridge/pkg/logger"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	lg := logger.New("")

	root := cli.New(buildVersion(), newRuntime)
	if err := root.ExecuteContext(context.Background()); err != nil {
		lg.Error("Command failed", "err", err)
		os.Exit(1)
	}
}

func newRuntime(ctx context.Context, configPath string) (cli.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.NewApp(ctx, cfg, logger.New(cfg.Agent.LogLevel))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildVersion() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if date != "" {
		v += " " + date
	}
	return v
}
