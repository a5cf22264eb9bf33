package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/richinsley/maskstudio/client"
	"github.com/richinsley/maskstudio/graphapi"
)

// loadWorkflow reads an API-format graph from a .json file or from the
// "prompt" text chunk of a ComfyUI PNG.
func loadWorkflow(path string) (graphapi.Graph, error) {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return graphapi.NewGraphFromPNGFile(path)
	}
	return graphapi.NewGraphFromJsonFile(path)
}

// RunWorkflow queues a workflow file and saves every image it produces.
func (r *Runner) RunWorkflow(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("workflow file is required")
	}
	graph, err := loadWorkflow(path)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	for _, set := range cmd.StringSlice("set") {
		if err := setInput(graph, set); err != nil {
			return err
		}
	}
	outDir := cmd.String("out-dir")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}

	c := r.comfy()
	defer c.Close()

	var bar *progressbar.ProgressBar
	var currentNodeTitle string
	var saveErr error
	handlers := client.DefaultMessageHandlers().
		WithStartedHandler(func(msg *client.PromptMessageStarted) {
			r.writePlainln("%s %s", r.styles.label.Render("prompt"), msg.PromptID)
		}).
		WithExecutingHandler(func(msg *client.PromptMessageExecuting) {
			bar = nil
			currentNodeTitle = msg.Title
			r.logger.Debug("Executing node", "node_id", msg.NodeID, "title", msg.Title)
		}).
		WithProgressHandler(func(msg *client.PromptMessageProgress) {
			if bar == nil {
				bar = progressbar.Default(int64(msg.Max), currentNodeTitle)
			}
			bar.Set(msg.Value)
		}).
		WithDataHandler(func(msg *client.PromptMessageData) {
			for _, output := range msg.Images() {
				data, err := c.GetImage(ctx, output)
				if err != nil {
					saveErr = fmt.Errorf("failed to get image: %w", err)
					continue
				}
				dst := filepath.Join(outDir, filepath.Base(output.Filename))
				if err := os.WriteFile(dst, data, 0644); err != nil {
					saveErr = fmt.Errorf("failed to write image: %w", err)
					continue
				}
				r.writePlainln("%s %s", r.styles.ok.Render("saved"), dst)
			}
		}).
		WithExecutionSuccessHandler(func(msg *client.PromptMessageExecutionSuccess) {
			r.logger.Debug("Execution succeeded", "prompt_id", msg.PromptID)
		}).
		WithErrorHandler(func(x *client.PromptMessageStoppedException) {
			r.writePlainln("%s %s (%s): %s", r.styles.err.Render("failed"), x.NodeName, x.NodeType, x.ExceptionMessage)
			for _, line := range x.Traceback {
				r.logger.Debug(strings.TrimRight(line, "\n"))
			}
		}).
		WithStoppedHandler(func(msg *client.PromptMessageStopped) {
			if msg.Reason == client.QueuedItemStoppedReasonInterrupted {
				r.writePlainln("%s", r.styles.warn.Render("interrupted"))
			}
		}).
		WithCompleteHandler(func() {
			if bar != nil {
				bar.Finish()
			}
		})

	if err := c.QueuePromptAndProcess(ctx, graph, cmd.String("output-node"), handlers); err != nil {
		return err
	}
	return saveErr
}

// setInput applies a "title.input=value" override. Numeric values are sent as
// numbers.
func setInput(graph graphapi.Graph, set string) error {
	key, value, ok := strings.Cut(set, "=")
	title, input, ok2 := strings.Cut(key, ".")
	if !ok || !ok2 {
		return fmt.Errorf("invalid --set %q, want title.input=value", set)
	}
	return graph.SetInputByTitle(title, input, parseValue(value))
}

func parseValue(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ComfyStats prints system information, the queue and the prompt history.
func (r *Runner) ComfyStats(ctx context.Context, cmd *cli.Command) error {
	c := r.comfy()
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		return err
	}
	queue, err := c.GetQueueExecutionInfo(ctx)
	if err != nil {
		return err
	}
	prompts, err := c.GetPromptHistoryByIndex(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(map[string]any{
			"system_stats": stats,
			"queue":        queue,
			"history":      prompts,
		}, true)
	}

	s := r.styles
	r.writePlainln("%s", s.title.Render("System"))
	r.writePlainln("  %s %s", s.label.Render("OS"), stats.System.OS)
	r.writePlainln("  %s %s", s.label.Render("Python"), stats.System.PythonVersion)
	if stats.System.ComfyUIVersion != "" {
		r.writePlainln("  %s %s", s.label.Render("ComfyUI"), stats.System.ComfyUIVersion)
	}
	for _, dev := range stats.Devices {
		r.writePlainln("  %s %d %s (%s) vram %d/%d", s.label.Render("Device"), dev.Index, dev.Name, dev.Type,
			dev.VRAM_Total-dev.VRAM_Free, dev.VRAM_Total)
	}
	r.writePlainln("%s %d remaining", s.title.Render("Queue"), queue.ExecInfo.QueueRemaining)
	r.writePlainln("%s", s.title.Render("Prompt history"))
	for _, p := range prompts {
		r.writePlainln("  %d %s", p.Index, p.PromptID)
		for nodeid, out := range p.Outputs {
			for _, img := range out {
				r.writePlainln("    %s %s node %s %s/%s", s.label.Render("output"), img.Type, nodeid, img.Subfolder, img.Filename)
			}
		}
	}
	return nil
}

func (r *Runner) ComfyInterrupt(ctx context.Context, cmd *cli.Command) error {
	return r.comfy().Interrupt(ctx)
}

func (r *Runner) ComfyClearHistory(ctx context.Context, cmd *cli.Command) error {
	c := r.comfy()
	if id := cmd.Args().First(); id != "" {
		return c.EraseHistoryItem(ctx, id)
	}
	return c.EraseHistory(ctx)
}

func comfyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "comfy",
		Usage: "ComfyUI server operations",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Queue an API-format workflow (.json or ComfyUI .png) and save its images",
				ArgsUsage: "<workflow>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "output-node",
						Usage: "Stop once this node has executed (whole prompt when empty)",
					},
					&cli.StringSliceFlag{
						Name:  "set",
						Usage: "Override a node input by title: title.input=value",
					},
					&cli.StringFlag{
						Name:  "out-dir",
						Usage: "Directory for downloaded images",
						Value: ".",
					},
				},
				Action: r.RunWorkflow,
			},
			{
				Name:   "stats",
				Usage:  "Show system stats, queue and prompt history",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.ComfyStats,
			},
			{
				Name:   "interrupt",
				Usage:  "Interrupt the running prompt",
				Action: r.ComfyInterrupt,
			},
			{
				Name:      "clear-history",
				Usage:     "Erase the server's prompt history, or one prompt",
				ArgsUsage: "[prompt-id]",
				Action:    r.ComfyClearHistory,
			},
		},
	}
}
