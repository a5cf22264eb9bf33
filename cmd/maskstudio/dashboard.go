package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/richinsley/maskstudio/backend"
	"github.com/richinsley/maskstudio/monitor"
)

func (r *Runner) printPipeline(st *backend.PipelineState) {
	controlnet := "none"
	if st.ActiveControlNet != nil {
		controlnet = *st.ActiveControlNet
	}
	adapters := "none"
	if len(st.ActiveAdapters) > 0 {
		adapters = strings.Join(st.ActiveAdapters, ", ")
	}
	r.writePlainln("%s %s  %s %s  %s %s",
		r.styles.title.Render("pipeline"), st.PipelineType,
		r.styles.label.Render("controlnet"), controlnet,
		r.styles.label.Render("adapters"), adapters)
}

func (r *Runner) printStats(st *backend.Stats) {
	r.writePlainln("%s cpu %5.1f%%  ram %5.1f%%  gpu %5.1f%%  vram %.0f/%.0f",
		r.styles.title.Render("stats   "),
		st.CPUPercent, st.RAMPercent, st.GPUPercent, st.GPUMemoryUsed, st.GPUMemoryTotal)
}

func (r *Runner) Pipeline(ctx context.Context, cmd *cli.Command) error {
	st, err := r.backend().PipelineState(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(st, true)
	}
	r.printPipeline(st)
	return nil
}

func (r *Runner) Stats(ctx context.Context, cmd *cli.Command) error {
	st, err := r.backend().Stats(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(st, true)
	}
	r.printStats(st)
	return nil
}

// Watch polls the backend until interrupted. Failures are logged once per
// outage.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	poller := monitor.NewPoller(r.backend(), r.config.Monitor, nil)
	poller.OnPipeline = r.printPipeline
	poller.OnStats = r.printStats
	r.logger.Info("Watching backend", "url", r.config.Backend.BaseURL)
	return poller.Run(ctx)
}

func (r *Runner) LoadLora(ctx context.Context, cmd *cli.Command) error {
	msg, err := r.backend().LoadLora(ctx, backend.LoraRequest{
		Name:        cmd.String("name"),
		AdapterName: cmd.String("adapter"),
		Weight:      cmd.Float("weight"),
	})
	if err != nil {
		return err
	}
	return r.writePlainln("%s %s", r.styles.ok.Render("ok"), msg.Message)
}

func (r *Runner) ListControlNets(ctx context.Context, cmd *cli.Command) error {
	names, err := r.backend().ActiveControlNets(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(names, true)
	}
	if len(names) == 0 {
		return r.writePlainln("no active controlnets")
	}
	for _, n := range names {
		r.writePlainln("  %s", n)
	}
	return nil
}

func (r *Runner) controlNetAction(fn func(*backend.Client, context.Context, string) (*backend.Message, error)) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		name := cmd.Args().First()
		if name == "" {
			return fmt.Errorf("controlnet name is required")
		}
		msg, err := fn(r.backend(), ctx, name)
		if err != nil {
			return err
		}
		return r.writePlainln("%s %s", r.styles.ok.Render("ok"), msg.Message)
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Output raw JSON",
	}
}

func pipelineCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "pipeline",
		Usage:  "Show the backend's loaded pipeline",
		Flags:  []cli.Flag{jsonFlag()},
		Action: r.Pipeline,
	}
}

func statsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show the backend's resource usage",
		Flags:  []cli.Flag{jsonFlag()},
		Action: r.Stats,
	}
}

func watchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "watch",
		Usage:  "Poll pipeline state and resource usage until interrupted",
		Action: r.Watch,
	}
}

func loraCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "lora",
		Usage: "LoRA adapters",
		Commands: []*cli.Command{
			{
				Name:  "load",
				Usage: "Load a LoRA adapter into the pipeline",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "LoRA name or path on the server",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "adapter",
						Usage: "Adapter name",
					},
					&cli.FloatFlag{
						Name:  "weight",
						Usage: "Adapter weight",
						Value: 1.0,
					},
				},
				Action: r.LoadLora,
			},
		},
	}
}

func controlnetCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "controlnet",
		Usage: "ControlNet management",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List active ControlNets",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.ListControlNets,
			},
			{
				Name:      "load",
				Usage:     "Attach a ControlNet",
				ArgsUsage: "<type>",
				Action:    r.controlNetAction((*backend.Client).LoadControlNet),
			},
			{
				Name:      "unload",
				Usage:     "Detach a ControlNet",
				ArgsUsage: "<type>",
				Action:    r.controlNetAction((*backend.Client).UnloadControlNet),
			},
		},
	}
}
