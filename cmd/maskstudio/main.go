package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/richinsley/maskstudio/config"
)

func newLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
}

func main() {
	logger := newLogger()
	slog.SetDefault(slog.New(logger))

	runner := NewRunner(RunnerOpts{Logger: logger})

	app := &cli.Command{
		Name:  "maskstudio",
		Usage: "Edit inpainting masks and submit them to a generation backend or ComfyUI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (embedded defaults when empty)",
				Sources: cli.EnvVars("MASKSTUDIO_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				logger.SetLevel(log.DebugLevel)
			}
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return ctx, err
			}
			runner.config = cfg
			return ctx, nil
		},
		Commands: runner.register(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		stop()
		logger.Fatalf("maskstudio: %v", err)
	}
}
