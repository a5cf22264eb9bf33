package graphapi

import (
	"bytes"
	_ "embed"
	"fmt"
)

//go:embed workflows/inpaint.json
var inpaintWorkflow []byte

// InpaintOutputNode is the SaveImage node of the default inpaint workflow.
const InpaintOutputNode = "9"

// InpaintParams fills the default inpaint workflow. Image and Mask are the
// names the server returned from the upload endpoint.
type InpaintParams struct {
	Image          string
	Mask           string
	Prompt         string
	NegativePrompt string
	Seed           int64
	Steps          int
	CFG            float64
	Denoise        float64
	// empty keeps the workflow's checkpoint
	Checkpoint string
}

type inputSet struct {
	title, input string
	value        interface{}
}

// InpaintGraph returns a fresh copy of the embedded inpaint workflow with the
// given parameters applied.
func InpaintGraph(p InpaintParams) (Graph, error) {
	g, err := NewGraphFromJsonReader(bytes.NewReader(inpaintWorkflow))
	if err != nil {
		return nil, fmt.Errorf("embedded inpaint workflow: %w", err)
	}

	sets := []inputSet{
		{"Source Image", "image", p.Image},
		{"Mask Image", "image", p.Mask},
		{"Positive Prompt", "text", p.Prompt},
		{"Negative Prompt", "text", p.NegativePrompt},
		{"Sampler", "seed", p.Seed},
	}
	if p.Steps > 0 {
		sets = append(sets, inputSet{"Sampler", "steps", p.Steps})
	}
	if p.CFG > 0 {
		sets = append(sets, inputSet{"Sampler", "cfg", p.CFG})
	}
	if p.Denoise > 0 {
		sets = append(sets, inputSet{"Sampler", "denoise", p.Denoise})
	}
	for _, s := range sets {
		if err := g.SetInputByTitle(s.title, s.input, s.value); err != nil {
			return nil, err
		}
	}

	if p.Checkpoint != "" {
		for _, id := range g.NodesByClass("CheckpointLoaderSimple") {
			if err := g.SetInput(id, "ckpt_name", p.Checkpoint); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}
