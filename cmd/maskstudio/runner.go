package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/richinsley/maskstudio/alerts"
	"github.com/richinsley/maskstudio/backend"
	"github.com/richinsley/maskstudio/client"
	"github.com/richinsley/maskstudio/config"
	"github.com/richinsley/maskstudio/history"
)

// Runner holds the dependencies shared by command actions. config is filled
// in by the root Before hook.
type Runner struct {
	config *config.Config
	logger *log.Logger
	output io.Writer
	alerts *alerts.List
	styles palette
}

type RunnerOpts struct {
	Config *config.Config
	Logger *log.Logger
	Output io.Writer
}

func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Runner{
		config: opts.Config,
		logger: opts.Logger,
		output: opts.Output,
		alerts: alerts.New(),
		styles: newPalette(),
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		configCommand, maskCommand, generateCommand, inpaintCommand,
		pipelineCommand, statsCommand, watchCommand, loraCommand, controlnetCommand,
		historyCommand, comfyCommand, serveCommand,
	} {
		commands = append(commands, fn(r))
	}
	return commands
}

func (r *Runner) backend() *backend.Client {
	return backend.NewClient(r.config.Backend, r.config.Tunnel, nil)
}

// comfy returns a ComfyUI client. The websocket is opened on the first
// QueuePrompt.
func (r *Runner) comfy() *client.ComfyClient {
	callbacks := &client.ComfyClientCallbacks{
		ClientQueueCountChanged: func(c *client.ComfyClient, queuecount int) {
			r.logger.Debug("ComfyUI queue", "client_id", c.ClientID(), "size", queuecount)
		},
	}
	return client.NewComfyClient(r.config.Comfy, r.config.Tunnel, callbacks)
}

func (r *Runner) history() (history.Store, error) {
	store, err := history.Open(r.config.History)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}

// reportAlerts prints and clears whatever the alert list collected.
func (r *Runner) reportAlerts() {
	for _, a := range r.alerts.All() {
		switch a.Level {
		case alerts.LevelError:
			r.writePlainln("%s %s", r.styles.err.Render("error"), a.Message)
		default:
			r.writePlainln("%s %s", r.styles.warn.Render("warning"), a.Message)
		}
	}
	r.alerts.Clear()
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error
	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := fmt.Fprintf(r.output, "%s\n", output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	if _, err := fmt.Fprintf(r.output, format+"\n", args...); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

type palette struct {
	title lipgloss.Style
	label lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
}

func newPalette() palette {
	style := func(fg string) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
	}
	return palette{
		title: style("#7D56F4").Bold(true),
		label: style("#626262"),
		ok:    style("#04B575").Bold(true),
		err:   style("#FF0000").Bold(true),
		warn:  style("#FFA500"),
	}
}
