package main

import (
	"context"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/richinsley/maskstudio/studio"
)

func paramFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "prompt",
			Aliases:  []string{"p"},
			Usage:    "Text prompt",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "negative-prompt",
			Usage: "Negative prompt",
		},
		&cli.IntFlag{
			Name:  "steps",
			Usage: "Number of inference steps",
			Value: 30,
		},
		&cli.FloatFlag{
			Name:  "guidance",
			Usage: "Guidance scale",
			Value: 7.5,
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "Seed (random when unset)",
		},
		&cli.FloatFlag{
			Name:  "strength",
			Usage: "img2img strength, or denoise for ComfyUI",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Where to write the generated image",
			Value:   "output.png",
		},
	}
}

func paramsFromFlags(cmd *cli.Command) studio.Params {
	p := studio.DefaultParams()
	p.NegativePrompt = cmd.String("negative-prompt")
	p.NumInferenceSteps = cmd.Int("steps")
	p.GuidanceScale = cmd.Float("guidance")
	if cmd.IsSet("seed") {
		seed := cmd.Int64("seed")
		p.Seed = &seed
	}
	if cmd.IsSet("strength") {
		strength := cmd.Float("strength")
		p.Strength = &strength
	}
	return p
}

func (r *Runner) writeResult(cmd *cli.Command, res *studio.Result) error {
	path := cmd.String("output")
	if err := os.WriteFile(path, res.Image, 0644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	r.reportAlerts()
	return r.writePlainln("%s %s (history %s)", r.styles.ok.Render("saved"), path, res.Entry.ID)
}

// Generate runs text-to-image on the backend.
func (r *Runner) Generate(ctx context.Context, cmd *cli.Command) error {
	store, err := r.history()
	if err != nil {
		return err
	}
	defer store.Close()

	sub := studio.NewSubmitter(r.backend(), nil, store, r.alerts)
	res, err := sub.Generate(ctx, cmd.String("prompt"), paramsFromFlags(cmd), cmd.Int("width"), cmd.Int("height"))
	if err != nil {
		r.alerts.Clear()
		return err
	}
	return r.writeResult(cmd, res)
}

// Inpaint builds the mask from the stroke script and submits it to the
// backend, or to ComfyUI with --comfy.
func (r *Runner) Inpaint(ctx context.Context, cmd *cli.Command) error {
	sess, err := r.openSession(cmd)
	if err != nil {
		return err
	}
	store, err := r.history()
	if err != nil {
		return err
	}
	defer store.Close()

	params := paramsFromFlags(cmd)
	params.Checkpoint = cmd.String("checkpoint")
	job := studio.Job{Session: sess, Prompt: cmd.String("prompt"), Params: params}

	var res *studio.Result
	if cmd.Bool("comfy") {
		comfy := r.comfy()
		defer comfy.Close()
		sub := studio.NewSubmitter(nil, comfy, store, r.alerts)

		var bar *progressbar.ProgressBar
		res, err = sub.InpaintComfy(ctx, job, func(value, max int) {
			if bar == nil || bar.GetMax() != max {
				bar = progressbar.Default(int64(max), "sampling")
			}
			bar.Set(value)
		})
	} else {
		sub := studio.NewSubmitter(r.backend(), nil, store, r.alerts)
		res, err = sub.Inpaint(ctx, job)
	}
	if err != nil {
		r.alerts.Clear()
		return err
	}
	return r.writeResult(cmd, res)
}

func generateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Generate an image from a prompt",
		Flags: append(paramFlags(),
			&cli.IntFlag{
				Name:  "width",
				Usage: "Image width",
				Value: 512,
			},
			&cli.IntFlag{
				Name:  "height",
				Usage: "Image height",
				Value: 512,
			},
		),
		Action: r.Generate,
	}
}

func inpaintCommand(r *Runner) *cli.Command {
	flags := append(editorFlags(), paramFlags()...)
	return &cli.Command{
		Name:  "inpaint",
		Usage: "Paint a mask over an image and submit it for inpainting",
		Flags: append(flags,
			&cli.BoolFlag{
				Name:  "comfy",
				Usage: "Submit to ComfyUI instead of the generation backend",
			},
			&cli.StringFlag{
				Name:  "checkpoint",
				Usage: "ComfyUI checkpoint name (workflow default when empty)",
			},
		),
		Action: r.Inpaint,
	}
}
