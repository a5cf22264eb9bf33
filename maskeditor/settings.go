package maskeditor

import (
	"fmt"
	"math"
)

// Tool selects how a stroke is composited onto the mask layer.
type Tool string

const (
	ToolBrush  Tool = "brush"
	ToolEraser Tool = "eraser"
)

// ParseTool accepts "brush" or "eraser".
func ParseTool(s string) (Tool, error) {
	switch Tool(s) {
	case ToolBrush, ToolEraser:
		return Tool(s), nil
	}
	return "", fmt.Errorf("unknown tool %q", s)
}

// Mode decides how the working canvas is sized from the source image.
type Mode int

const (
	ModeInpaint Mode = iota
	ModeOutpaint
)

func (m Mode) String() string {
	switch m {
	case ModeInpaint:
		return "inpaint"
	case ModeOutpaint:
		return "outpaint"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "inpaint"/"inpainting" or "outpaint"/"outpainting".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "inpaint", "inpainting", "":
		return ModeInpaint, nil
	case "outpaint", "outpainting":
		return ModeOutpaint, nil
	}
	return ModeInpaint, fmt.Errorf("unknown mode %q", s)
}

// BrushRange bounds the brush diameter in pixels.
type BrushRange struct {
	Min int
	Max int
}

var (
	// EditorBrushRange is used by the full mask editor.
	EditorBrushRange = BrushRange{Min: 5, Max: 50}
	// SimpleBrushRange is used by the lightweight canvas editor.
	SimpleBrushRange = BrushRange{Min: 1, Max: 50}
)

// Clamp limits size to the range.
func (r BrushRange) Clamp(size int) int {
	if size < r.Min {
		return r.Min
	}
	if size > r.Max {
		return r.Max
	}
	return size
}

const (
	MinZoom  = 0.5
	MaxZoom  = 3.0
	ZoomStep = 0.2

	DefaultBrushSize = 20
	DefaultZoom      = 1.0
)

// ClampZoom limits z to [MinZoom, MaxZoom], rounded to one decimal place.
func ClampZoom(z float64) float64 {
	if math.IsNaN(z) {
		return DefaultZoom
	}
	z = math.Round(z*10) / 10
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

// Toolbar holds the user's drawing settings.
type Toolbar struct {
	Tool        Tool       `json:"tool"`
	BrushSize   int        `json:"brush_size"`
	Zoom        float64    `json:"zoom"`
	MaskVisible bool       `json:"mask_visible"`
	Range       BrushRange `json:"-"`
}

// NewToolbar returns the default toolbar for the given brush range.
func NewToolbar(r BrushRange) Toolbar {
	return Toolbar{
		Tool:        ToolBrush,
		BrushSize:   r.Clamp(DefaultBrushSize),
		Zoom:        DefaultZoom,
		MaskVisible: true,
		Range:       r,
	}
}

// Normalize clamps every field into its allowed range.
func (t *Toolbar) Normalize() {
	if t.Range == (BrushRange{}) {
		t.Range = EditorBrushRange
	}
	if t.Tool != ToolEraser {
		t.Tool = ToolBrush
	}
	t.BrushSize = t.Range.Clamp(t.BrushSize)
	if t.Zoom == 0 {
		t.Zoom = DefaultZoom
	}
	t.Zoom = ClampZoom(t.Zoom)
}

func (t *Toolbar) SetBrushSize(size int) { t.BrushSize = t.Range.Clamp(size) }

func (t *Toolbar) SetZoom(z float64) { t.Zoom = ClampZoom(z) }

func (t *Toolbar) ZoomIn() { t.Zoom = ClampZoom(t.Zoom + ZoomStep) }

func (t *Toolbar) ZoomOut() { t.Zoom = ClampZoom(t.Zoom - ZoomStep) }

func (t *Toolbar) ToggleMask() { t.MaskVisible = !t.MaskVisible }

const (
	DefaultCanvasSize = 512

	MinPadding     = 64
	MaxPadding     = 256
	PaddingStep    = 32
	DefaultPadding = MinPadding
)

// ClampPadding snaps p to the nearest PaddingStep and limits it to
// [MinPadding, MaxPadding].
func ClampPadding(p int) int {
	p = int(math.Round(float64(p)/PaddingStep)) * PaddingStep
	if p < MinPadding {
		return MinPadding
	}
	if p > MaxPadding {
		return MaxPadding
	}
	return p
}

// CanvasSize is the target output size plus the outpainting extension.
type CanvasSize struct {
	Width   int `json:"width" toml:"width"`
	Height  int `json:"height" toml:"height"`
	Padding int `json:"padding" toml:"padding"`
}

// DefaultCanvas returns 512x512 with the minimum outpainting padding.
func DefaultCanvas() CanvasSize {
	return CanvasSize{Width: DefaultCanvasSize, Height: DefaultCanvasSize, Padding: DefaultPadding}
}

// Normalize replaces non-positive dimensions with the default and clamps the
// padding.
func (c *CanvasSize) Normalize() {
	if c.Width <= 0 {
		c.Width = DefaultCanvasSize
	}
	if c.Height <= 0 {
		c.Height = DefaultCanvasSize
	}
	c.Padding = ClampPadding(c.Padding)
}
