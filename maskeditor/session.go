package maskeditor

import (
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
)

var ErrNoStroke = errors.New("no stroke in progress")

// Session is one mask editing session: the loaded image, both layers, the
// undo history and the toolbar. It is created when an image is loaded and
// reset when another image replaces it.
type Session struct {
	mu      sync.Mutex
	surface *Surface
	history *History[Snapshot]
	toolbar Toolbar
	canvas  CanvasSize
	mode    Mode
	source  image.Image

	stroking  bool
	lastPoint [2]float64

	onMaskChange func(*image.RGBA)
}

// Option configures a Session.
type Option func(*Session)

// WithMode sets the initial editing mode.
func WithMode(m Mode) Option { return func(s *Session) { s.mode = m } }

// WithCanvas sets the target canvas size and outpainting padding.
func WithCanvas(c CanvasSize) Option { return func(s *Session) { s.canvas = c } }

// WithBrushRange selects the brush size limits.
func WithBrushRange(r BrushRange) Option {
	return func(s *Session) { s.toolbar.Range = r }
}

// WithMaskListener registers fn to receive the exported mask after every
// completed stroke, undo, redo or reset.
func WithMaskListener(fn func(*image.RGBA)) Option {
	return func(s *Session) { s.onMaskChange = fn }
}

// NewSession creates an empty session; load an image before painting.
func NewSession(opts ...Option) *Session {
	s := &Session{
		surface: NewSurface(),
		toolbar: NewToolbar(EditorBrushRange),
		canvas:  DefaultCanvas(),
		mode:    ModeInpaint,
	}
	for _, o := range opts {
		o(s)
	}
	s.toolbar.Normalize()
	s.canvas.Normalize()
	s.surface.SetZoom(s.toolbar.Zoom)
	return s
}

// Load decodes an image from r and starts editing it. On failure the previous
// state is kept.
func (s *Session) Load(r io.Reader) error {
	img, format, err := DecodeImage(r)
	if err != nil {
		return err
	}
	slog.Debug("Loaded image", "format", format, "bounds", img.Bounds())
	return s.SetImage(img)
}

// SetImage replaces the source image and reinitialises both layers.
func (s *Session) SetImage(img image.Image) error {
	s.mu.Lock()
	err := s.reinit(img)
	mask := s.surface.ExportMask()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.report(mask)
	return nil
}

// SetMode switches between inpainting and outpainting, resizing the canvas.
func (s *Session) SetMode(m Mode) error {
	s.mu.Lock()
	if s.mode == m {
		s.mu.Unlock()
		return nil
	}
	s.mode = m
	err := s.reinitLoaded()
	mask := s.surface.ExportMask()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.report(mask)
	return nil
}

// SetCanvas updates the target size and padding. A padding change on an
// outpainting canvas reinitialises both layers.
func (s *Session) SetCanvas(c CanvasSize) error {
	c.Normalize()
	s.mu.Lock()
	resize := c.Padding != s.canvas.Padding && s.mode == ModeOutpaint
	s.canvas = c
	var err error
	if resize {
		err = s.reinitLoaded()
	}
	mask := s.surface.ExportMask()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if resize {
		s.report(mask)
	}
	return nil
}

// SetPadding is SetCanvas with only the padding changed.
func (s *Session) SetPadding(p int) error {
	c := s.Canvas()
	c.Padding = p
	return s.SetCanvas(c)
}

func (s *Session) reinitLoaded() error {
	if s.source == nil {
		return nil
	}
	return s.reinit(s.source)
}

func (s *Session) reinit(img image.Image) error {
	if err := s.surface.Initialize(img, s.mode, s.canvas.Padding); err != nil {
		return err
	}
	s.source = img
	s.stroking = false
	s.history = NewHistory(s.surface.Snapshot())
	return nil
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Canvas() CanvasSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvas
}

// Bounds is the working canvas, empty until an image is loaded.
func (s *Session) Bounds() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.Bounds()
}

func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.Ready()
}

func (s *Session) Toolbar() Toolbar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolbar
}

// SetToolbar replaces the toolbar settings after clamping them.
func (s *Session) SetToolbar(t Toolbar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Range = s.toolbar.Range
	t.Normalize()
	s.toolbar = t
	s.surface.SetZoom(t.Zoom)
}

func (s *Session) SetTool(t Tool) {
	s.updateToolbar(func(tb *Toolbar) { tb.Tool = t })
}

func (s *Session) SetBrushSize(size int) {
	s.updateToolbar(func(tb *Toolbar) { tb.SetBrushSize(size) })
}

func (s *Session) ZoomIn() { s.updateToolbar(func(tb *Toolbar) { tb.ZoomIn() }) }

func (s *Session) ZoomOut() { s.updateToolbar(func(tb *Toolbar) { tb.ZoomOut() }) }

func (s *Session) ToggleMask() { s.updateToolbar(func(tb *Toolbar) { tb.ToggleMask() }) }

func (s *Session) updateToolbar(fn func(*Toolbar)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.toolbar)
	s.toolbar.Normalize()
	s.surface.SetZoom(s.toolbar.Zoom)
}

// BeginStroke starts a stroke with the current tool and paints the first dab.
func (s *Session) BeginStroke(x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.surface.Ready() {
		return ErrNoImage
	}
	s.stroking = true
	s.lastPoint = [2]float64{x, y}
	s.surface.Paint(x, y, s.toolbar.Tool, s.toolbar.BrushSize)
	return nil
}

// StrokeTo extends the current stroke to (x, y).
func (s *Session) StrokeTo(x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stroking {
		return ErrNoStroke
	}
	p := s.lastPoint
	s.surface.PaintLine(p[0], p[1], x, y, s.toolbar.Tool, s.toolbar.BrushSize)
	s.lastPoint = [2]float64{x, y}
	return nil
}

// EndStroke finishes the stroke, records a history snapshot and reports the
// new mask.
func (s *Session) EndStroke() error {
	s.mu.Lock()
	if !s.stroking {
		s.mu.Unlock()
		return ErrNoStroke
	}
	s.stroking = false
	s.history.Record(s.surface.Snapshot())
	mask := s.surface.ExportMask()
	s.mu.Unlock()
	s.report(mask)
	return nil
}

// Stroke paints a whole stroke through points in one call.
func (s *Session) Stroke(points [][2]float64) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.BeginStroke(points[0][0], points[0][1]); err != nil {
		return err
	}
	for _, p := range points[1:] {
		if err := s.StrokeTo(p[0], p[1]); err != nil {
			return err
		}
	}
	return s.EndStroke()
}

// Undo restores the previous snapshot. It reports false when there is
// nothing to undo.
func (s *Session) Undo() bool {
	return s.step(func(h *History[Snapshot]) (Snapshot, bool) { return h.Undo() })
}

// Redo restores the next snapshot. It reports false at the end of the
// history.
func (s *Session) Redo() bool {
	return s.step(func(h *History[Snapshot]) (Snapshot, bool) { return h.Redo() })
}

func (s *Session) step(move func(*History[Snapshot]) (Snapshot, bool)) bool {
	s.mu.Lock()
	if s.history == nil || s.stroking {
		s.mu.Unlock()
		return false
	}
	snap, ok := move(s.history)
	if !ok {
		s.mu.Unlock()
		return false
	}
	if err := s.surface.Restore(snap); err != nil {
		s.mu.Unlock()
		slog.Error("Restoring mask snapshot", "error", err)
		return false
	}
	mask := s.surface.ExportMask()
	s.mu.Unlock()
	s.report(mask)
	return true
}

func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history != nil && s.history.CanUndo()
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history != nil && s.history.CanRedo()
}

// HistoryLen returns the number of recorded snapshots.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return 0
	}
	return s.history.Len()
}

// Reset clears the mask to black and records the cleared state.
func (s *Session) Reset() error {
	return s.apply(func(sf *Surface) { sf.Clear() })
}

// FillPadding marks the outpainting extension for regeneration.
func (s *Session) FillPadding() error {
	return s.apply(func(sf *Surface) { sf.FillPadding() })
}

func (s *Session) apply(fn func(*Surface)) error {
	s.mu.Lock()
	if !s.surface.Ready() {
		s.mu.Unlock()
		return ErrNoImage
	}
	s.stroking = false
	fn(s.surface)
	s.history.Record(s.surface.Snapshot())
	mask := s.surface.ExportMask()
	s.mu.Unlock()
	s.report(mask)
	return nil
}

// ExportMask returns the flattened opaque mask, or nil before an image is
// loaded.
func (s *Session) ExportMask() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.ExportMask()
}

func (s *Session) ExportMaskPNG() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.ExportMaskPNG()
}

// SourcePNG returns the canvas-sized image layer, including any outpainting
// padding, encoded as PNG.
func (s *Session) SourcePNG() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.ImagePNG()
}

// Export is a consistent view of the canvas for one submission.
type Export struct {
	Source []byte
	Mask   []byte
	Bounds image.Rectangle
	Mode   Mode
}

// Export encodes both layers and reads the canvas bounds and mode under a
// single lock, so a concurrent mode or padding change cannot split them.
func (s *Session) Export() (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.surface.Ready() {
		return nil, ErrNoImage
	}
	src, err := s.surface.ImagePNG()
	if err != nil {
		return nil, err
	}
	mask, err := s.surface.ExportMaskPNG()
	if err != nil {
		return nil, err
	}
	return &Export{Source: src, Mask: mask, Bounds: s.surface.Bounds(), Mode: s.mode}, nil
}

// Preview renders the image with the mask overlay according to the toolbar.
func (s *Session) Preview() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.Preview(s.toolbar.MaskVisible)
}

func (s *Session) report(mask *image.RGBA) {
	if s.onMaskChange != nil && mask != nil {
		s.onMaskChange(mask)
	}
}
