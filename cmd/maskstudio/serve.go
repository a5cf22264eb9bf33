package main

import (
	"context"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/richinsley/maskstudio/config"
	"github.com/richinsley/maskstudio/monitor"
	"github.com/richinsley/maskstudio/server"
	"github.com/richinsley/maskstudio/studio"
)

// Serve runs the editing service. The backend poller feeds its warnings into
// the same alert list the service exposes.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	store, err := r.history()
	if err != nil {
		return err
	}
	defer store.Close()

	comfy := r.comfy()
	defer comfy.Close()

	backendClient := r.backend()
	sub := studio.NewSubmitter(backendClient, comfy, store, r.alerts)
	srv := server.New(r.config.Editor, r.alerts, store, sub)

	addr := r.config.Server.Addr()
	if cmd.IsSet("addr") {
		addr = cmd.String("addr")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, addr)
	})
	if !cmd.Bool("no-monitor") {
		poller := monitor.NewPoller(backendClient, r.config.Monitor, r.alerts)
		g.Go(func() error {
			return poller.Run(ctx)
		})
	}
	return g.Wait()
}

// InitConfig writes the example configuration.
func (r *Runner) InitConfig(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		path = "config.toml"
	}
	if err := config.WriteExample(path); err != nil {
		return err
	}
	return r.writePlainln("%s wrote %s", r.styles.ok.Render("ok"), path)
}

func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the mask editing HTTP service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (server.host:server.port from config when unset)",
			},
			&cli.BoolFlag{
				Name:  "no-monitor",
				Usage: "Do not poll the backend for alerts",
			},
		},
		Action: r.Serve,
	}
}

func configCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration helpers",
		Commands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write the example configuration",
				ArgsUsage: "[path]",
				Action:    r.InitConfig,
			},
		},
	}
}
