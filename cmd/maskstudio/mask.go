package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/richinsley/maskstudio/maskeditor"
)

// scriptStep is one entry of a stroke script. An empty action is a stroke.
type scriptStep struct {
	Action    string       `json:"action,omitempty"`
	Tool      string       `json:"tool,omitempty"`
	BrushSize int          `json:"brush_size,omitempty"`
	Points    [][2]float64 `json:"points,omitempty"`
}

func loadScript(path string) ([]scriptStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stroke script: %w", err)
	}
	var steps []scriptStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse stroke script: %w", err)
	}
	return steps, nil
}

// applyScript replays steps against sess in order.
func applyScript(sess *maskeditor.Session, steps []scriptStep) error {
	for i, st := range steps {
		var err error
		switch st.Action {
		case "", "stroke":
			if st.Tool != "" {
				tool, perr := maskeditor.ParseTool(st.Tool)
				if perr != nil {
					return fmt.Errorf("step %d: %w", i, perr)
				}
				sess.SetTool(tool)
			}
			if st.BrushSize > 0 {
				sess.SetBrushSize(st.BrushSize)
			}
			err = sess.Stroke(st.Points)
		case "undo":
			sess.Undo()
		case "redo":
			sess.Redo()
		case "reset":
			err = sess.Reset()
		case "fill-padding":
			err = sess.FillPadding()
		case "zoom-in":
			sess.ZoomIn()
		case "zoom-out":
			sess.ZoomOut()
		case "toggle-mask":
			sess.ToggleMask()
		default:
			err = fmt.Errorf("unknown action %q", st.Action)
		}
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func editorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "image",
			Aliases:  []string{"i"},
			Usage:    "Source image (png, jpeg, gif, webp, bmp)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "strokes",
			Usage: "JSON stroke script to apply to the mask",
		},
		&cli.StringFlag{
			Name:  "mode",
			Usage: "inpaint or outpaint",
			Value: "inpaint",
		},
		&cli.IntFlag{
			Name:  "padding",
			Usage: "Outpainting padding in pixels (config default when unset)",
		},
	}
}

// openSession loads --image into a new session and replays --strokes.
func (r *Runner) openSession(cmd *cli.Command) (*maskeditor.Session, error) {
	mode, err := maskeditor.ParseMode(cmd.String("mode"))
	if err != nil {
		return nil, err
	}
	canvas := maskeditor.CanvasSize{
		Width:   r.config.Editor.Width,
		Height:  r.config.Editor.Height,
		Padding: r.config.Editor.Padding,
	}
	if cmd.IsSet("padding") {
		canvas.Padding = cmd.Int("padding")
	}

	f, err := os.Open(cmd.String("image"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := maskeditor.NewSession(maskeditor.WithMode(mode), maskeditor.WithCanvas(canvas))
	if err := sess.Load(f); err != nil {
		return nil, err
	}
	if path := cmd.String("strokes"); path != "" {
		steps, err := loadScript(path)
		if err != nil {
			return nil, err
		}
		if err := applyScript(sess, steps); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Mask writes the exported mask and optionally the preview and source layer.
func (r *Runner) Mask(ctx context.Context, cmd *cli.Command) error {
	sess, err := r.openSession(cmd)
	if err != nil {
		return err
	}

	mask, err := sess.ExportMaskPNG()
	if err != nil {
		return err
	}
	if err := os.WriteFile(cmd.String("out"), mask, 0644); err != nil {
		return fmt.Errorf("failed to write mask: %w", err)
	}
	r.logger.Info("Wrote mask", "path", cmd.String("out"), "size", sess.Bounds().Size(), "history", sess.HistoryLen())

	if path := cmd.String("preview"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := png.Encode(f, sess.Preview()); err != nil {
			return fmt.Errorf("failed to write preview: %w", err)
		}
	}
	if path := cmd.String("source"); path != "" {
		src, err := sess.SourcePNG()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, src, 0644); err != nil {
			return fmt.Errorf("failed to write source: %w", err)
		}
	}
	return nil
}

func maskCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "mask",
		Usage: "Apply a stroke script to an image and write the mask",
		Flags: append(editorFlags(),
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Mask output path",
				Value:   "mask.png",
			},
			&cli.StringFlag{
				Name:  "preview",
				Usage: "Also write the image with the mask overlay",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Also write the canvas-sized image layer",
			},
		),
		Action: r.Mask,
	}
}
