package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"
)

func (r *Runner) ListHistory(ctx context.Context, cmd *cli.Command) error {
	store, err := r.history()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List()
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		// images are large; the listing only carries metadata
		for i := range entries {
			entries[i].Image = nil
		}
		return r.writeJSON(entries, true)
	}
	if len(entries) == 0 {
		return r.writePlainln("history is empty")
	}
	for _, e := range entries {
		r.writePlainln("%s %s %s %dx%d %s",
			r.styles.label.Render(e.Timestamp.Local().Format(time.DateTime)),
			e.ID, e.Settings.Source, e.Settings.Width, e.Settings.Height, e.Prompt)
	}
	return nil
}

func (r *Runner) ClearHistory(ctx context.Context, cmd *cli.Command) error {
	store, err := r.history()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Clear(); err != nil {
		return err
	}
	return r.writePlainln("%s history cleared", r.styles.ok.Render("ok"))
}

func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Local generation history",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List entries, newest first",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.ListHistory,
			},
			{
				Name:   "clear",
				Usage:  "Delete every entry",
				Action: r.ClearHistory,
			},
		},
	}
}
