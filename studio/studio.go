// Package studio submits edited images for generation, either to the
// generation backend or to a ComfyUI server, and records the results.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/richinsley/maskstudio/alerts"
	"github.com/richinsley/maskstudio/backend"
	"github.com/richinsley/maskstudio/client"
	"github.com/richinsley/maskstudio/graphapi"
	"github.com/richinsley/maskstudio/history"
	"github.com/richinsley/maskstudio/maskeditor"
)

var ErrNoOutput = errors.New("job finished without an output image")

// Generator is the part of backend.Client used for submission.
type Generator interface {
	GenerateImage(ctx context.Context, r backend.GenerateRequest) ([]byte, error)
	GenerateImg2Img(ctx context.Context, r backend.GenerateRequest) ([]byte, error)
}

// Comfy is the part of client.ComfyClient used for submission.
type Comfy interface {
	UploadBytes(ctx context.Context, data []byte, filename string, overwrite bool, filetype client.ImageType, subfolder string) (string, error)
	QueuePrompt(ctx context.Context, graph graphapi.Graph, outputNode string) (*client.QueueItem, error)
	GetImage(ctx context.Context, image_data client.DataOutput) ([]byte, error)
}

// Params are the generation settings next to the prompt.
type Params struct {
	NegativePrompt    string
	NumInferenceSteps int
	GuidanceScale     float64
	Seed              *int64
	Strength          *float64
	// ComfyUI only; empty keeps the workflow's checkpoint
	Checkpoint string
}

// DefaultParams mirrors the backend's defaults.
func DefaultParams() Params {
	return Params{NumInferenceSteps: 30, GuidanceScale: 7.5}
}

// Job is one inpainting submission.
type Job struct {
	Session *maskeditor.Session
	Prompt  string
	Params  Params
}

type Result struct {
	Image []byte
	Entry history.Entry
}

// Submitter sends jobs. Any of its dependencies may be nil when the
// corresponding path is not used.
type Submitter struct {
	backend Generator
	comfy   Comfy
	history history.Store
	alerts  *alerts.List
}

func NewSubmitter(gen Generator, comfy Comfy, store history.Store, list *alerts.List) *Submitter {
	return &Submitter{backend: gen, comfy: comfy, history: store, alerts: list}
}

type inputs struct {
	source, mask  []byte
	width, height int
	mode          string
}

func (j Job) inputs() (*inputs, error) {
	if strings.TrimSpace(j.Prompt) == "" {
		return nil, backend.ErrEmptyPrompt
	}
	if j.Session == nil {
		return nil, maskeditor.ErrNoImage
	}
	exp, err := j.Session.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export canvas: %w", err)
	}
	return &inputs{
		source: exp.Source,
		mask:   exp.Mask,
		width:  exp.Bounds.Dx(),
		height: exp.Bounds.Dy(),
		mode:   exp.Mode.String(),
	}, nil
}

// Inpaint posts the image layer and the exported mask to the backend's
// img2img endpoint.
func (s *Submitter) Inpaint(ctx context.Context, j Job) (*Result, error) {
	if s.backend == nil {
		return nil, s.fail(errors.New("no generation backend configured"))
	}
	in, err := j.inputs()
	if err != nil {
		return nil, s.fail(err)
	}
	img, err := s.backend.GenerateImg2Img(ctx, backend.GenerateRequest{
		Prompt:            j.Prompt,
		NegativePrompt:    j.Params.NegativePrompt,
		Width:             in.width,
		Height:            in.height,
		NumInferenceSteps: j.Params.NumInferenceSteps,
		GuidanceScale:     j.Params.GuidanceScale,
		Seed:              j.Params.Seed,
		Strength:          j.Params.Strength,
		InitImage:         in.source,
		ControlImage:      in.mask,
	})
	if err != nil {
		return nil, s.fail(fmt.Errorf("inpainting failed: %w", err))
	}
	return s.record(img, j.Prompt, settings("backend", in.mode, in.width, in.height, j.Params)), nil
}

// Generate runs a plain text-to-image request.
func (s *Submitter) Generate(ctx context.Context, prompt string, p Params, width, height int) (*Result, error) {
	if s.backend == nil {
		return nil, s.fail(errors.New("no generation backend configured"))
	}
	img, err := s.backend.GenerateImage(ctx, backend.GenerateRequest{
		Prompt:            prompt,
		NegativePrompt:    p.NegativePrompt,
		Width:             width,
		Height:            height,
		NumInferenceSteps: p.NumInferenceSteps,
		GuidanceScale:     p.GuidanceScale,
		Seed:              p.Seed,
	})
	if err != nil {
		return nil, s.fail(fmt.Errorf("generation failed: %w", err))
	}
	return s.record(img, prompt, settings("backend", "", width, height, p)), nil
}

// InpaintComfy uploads both layers, queues the inpaint workflow and waits for
// its SaveImage node. progress, if set, receives sampler steps.
func (s *Submitter) InpaintComfy(ctx context.Context, j Job, progress func(value, max int)) (*Result, error) {
	if s.comfy == nil {
		return nil, s.fail(errors.New("no ComfyUI server configured"))
	}
	in, err := j.inputs()
	if err != nil {
		return nil, s.fail(err)
	}

	sourceName, err := s.comfy.UploadBytes(ctx, in.source, "maskstudio-source.png", true, client.InputImageType, "")
	if err != nil {
		return nil, s.fail(fmt.Errorf("failed to upload source: %w", err))
	}
	maskName, err := s.comfy.UploadBytes(ctx, in.mask, "maskstudio-mask.png", true, client.InputImageType, "")
	if err != nil {
		return nil, s.fail(fmt.Errorf("failed to upload mask: %w", err))
	}

	seed := rand.Int64N(1 << 48)
	if j.Params.Seed != nil {
		seed = *j.Params.Seed
	}
	params := graphapi.InpaintParams{
		Image:          sourceName,
		Mask:           maskName,
		Prompt:         j.Prompt,
		NegativePrompt: j.Params.NegativePrompt,
		Seed:           seed,
		Steps:          j.Params.NumInferenceSteps,
		CFG:            j.Params.GuidanceScale,
		Checkpoint:     j.Params.Checkpoint,
	}
	if j.Params.Strength != nil {
		params.Denoise = *j.Params.Strength
	}
	graph, err := graphapi.InpaintGraph(params)
	if err != nil {
		return nil, s.fail(err)
	}

	item, err := s.comfy.QueuePrompt(ctx, graph, graphapi.InpaintOutputNode)
	if err != nil {
		return nil, s.fail(fmt.Errorf("failed to queue prompt: %w", err))
	}
	slog.Info("Queued inpaint job", "prompt_id", item.PromptID, "seed", seed)

	var outputs []client.DataOutput
	handlers := &client.MessageHandlers{
		OnData: func(m *client.PromptMessageData) {
			if m.NodeID == graphapi.InpaintOutputNode {
				outputs = append(outputs, m.Images()...)
			}
		},
	}
	if progress != nil {
		handlers.OnProgress = func(m *client.PromptMessageProgress) { progress(m.Value, m.Max) }
	}
	if err := item.ProcessMessages(ctx, handlers); err != nil {
		return nil, s.fail(fmt.Errorf("comfy job %s: %w", item.PromptID, err))
	}
	if len(outputs) == 0 {
		return nil, s.fail(ErrNoOutput)
	}

	img, err := s.comfy.GetImage(ctx, outputs[0])
	if err != nil {
		return nil, s.fail(fmt.Errorf("failed to download %s: %w", outputs[0].Filename, err))
	}
	p := j.Params
	p.Seed = &seed
	return s.record(img, j.Prompt, settings("comfy", in.mode, in.width, in.height, p)), nil
}

func settings(source, mode string, width, height int, p Params) history.Settings {
	return history.Settings{
		Source:            source,
		Mode:              mode,
		Width:             width,
		Height:            height,
		NumInferenceSteps: p.NumInferenceSteps,
		GuidanceScale:     p.GuidanceScale,
		Seed:              p.Seed,
		Strength:          p.Strength,
		NegativePrompt:    p.NegativePrompt,
	}
}

// record stores a successful result. A history failure is reported but does
// not fail the generation.
func (s *Submitter) record(img []byte, prompt string, st history.Settings) *Result {
	entry := history.NewEntry(img, prompt, st)
	if s.history != nil {
		stored, err := s.history.Add(entry)
		if err != nil {
			s.warn("failed to save history: %v", err)
		} else {
			entry = stored
		}
	}
	return &Result{Image: img, Entry: entry}
}

func (s *Submitter) fail(err error) error {
	if s.alerts != nil {
		s.alerts.Errorf("%v", err)
	} else {
		slog.Error("Submission failed", "error", err)
	}
	return err
}

func (s *Submitter) warn(format string, args ...any) {
	if s.alerts != nil {
		s.alerts.Warnf(format, args...)
	} else {
		slog.Warn(fmt.Sprintf(format, args...))
	}
}
