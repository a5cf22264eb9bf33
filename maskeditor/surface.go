package maskeditor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

var (
	ErrNoImage      = errors.New("no image loaded")
	ErrSnapshotSize = errors.New("snapshot size does not match canvas")
)

var (
	maskBlack = color.RGBA{A: 0xff}
	maskWhite = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	overlay   = color.RGBA{R: 0xff, G: 0x30, B: 0x30, A: 0xff}
)

// Snapshot is a byte copy of the mask layer.
type Snapshot struct {
	Width  int
	Height int
	Pix    []byte
}

// Surface owns the two canvas-sized rasters the editor paints on: the image
// layer with the source drawn into it and the mask layer. White mask pixels
// mark the region the backend should regenerate.
type Surface struct {
	source image.Image
	image  *image.RGBA
	mask   *image.RGBA
	offset image.Point
	zoom   float64
	ready  bool
}

// NewSurface returns an uninitialised surface at zoom 1.
func NewSurface() *Surface {
	return &Surface{zoom: DefaultZoom}
}

// Initialize sizes the canvas for img and resets the mask to black. In
// outpaint mode the canvas grows by padding on every side and the source is
// centred; padding is ignored when inpainting.
func (s *Surface) Initialize(img image.Image, mode Mode, padding int) error {
	if img == nil {
		return ErrNoImage
	}
	if mode != ModeOutpaint || padding < 0 {
		padding = 0
	}
	sb := img.Bounds()
	canvas := image.Rect(0, 0, sb.Dx()+2*padding, sb.Dy()+2*padding)

	layer := image.NewRGBA(canvas)
	s.offset = image.Pt(padding, padding)
	draw.Draw(layer, sb.Sub(sb.Min).Add(s.offset), img, sb.Min, draw.Src)

	s.source = img
	s.image = layer
	s.mask = image.NewRGBA(canvas)
	s.Clear()
	s.ready = true
	return nil
}

func (s *Surface) Ready() bool { return s.ready }

// Bounds is the working canvas rectangle, empty before Initialize.
func (s *Surface) Bounds() image.Rectangle {
	if !s.ready {
		return image.Rectangle{}
	}
	return s.mask.Bounds()
}

// SourceBounds is where the source image sits inside the canvas.
func (s *Surface) SourceBounds() image.Rectangle {
	if !s.ready {
		return image.Rectangle{}
	}
	sb := s.source.Bounds()
	return sb.Sub(sb.Min).Add(s.offset)
}

func (s *Surface) SetZoom(z float64) { s.zoom = ClampZoom(z) }

func (s *Surface) Zoom() float64 { return s.zoom }

// Clear fills the mask layer with opaque black.
func (s *Surface) Clear() {
	if s.mask == nil {
		return
	}
	draw.Draw(s.mask, s.mask.Bounds(), image.NewUniform(maskBlack), image.Point{}, draw.Src)
}

// Paint composites a single disc of diameter brushSize at the pointer
// position. The pointer is in zoomed view coordinates.
func (s *Surface) Paint(x, y float64, tool Tool, brushSize int) {
	if !s.ready || brushSize <= 0 {
		return
	}
	s.dab(x/s.zoom, y/s.zoom, float64(brushSize)/2, tool)
}

// PaintLine dabs discs from (x0, y0) to (x1, y1), spaced at most a quarter of
// the diameter apart. Both endpoints are painted.
func (s *Surface) PaintLine(x0, y0, x1, y1 float64, tool Tool, brushSize int) {
	if !s.ready || brushSize <= 0 {
		return
	}
	x0, y0, x1, y1 = x0/s.zoom, y0/s.zoom, x1/s.zoom, y1/s.zoom
	r := float64(brushSize) / 2
	// only the part of the segment whose dabs can reach the canvas is stepped
	pad := math.Ceil(r)
	b := s.mask.Bounds()
	clip := [4]float64{float64(b.Min.X) - pad, float64(b.Min.Y) - pad, float64(b.Max.X) + pad, float64(b.Max.Y) + pad}
	x0, y0, x1, y1, ok := clipSegment(x0, y0, x1, y1, clip)
	if !ok {
		return
	}
	dist := math.Hypot(x1-x0, y1-y0)
	step := math.Max(r/2, 0.5)
	n := int(math.Ceil(dist / step))
	for i := 0; i <= n; i++ {
		t := 1.0
		if n > 0 {
			t = float64(i) / float64(n)
		}
		s.dab(x0+(x1-x0)*t, y0+(y1-y0)*t, r, tool)
	}
}

// clipSegment clips the segment to the rectangle {minX, minY, maxX, maxY}
// using Liang-Barsky. Non-finite endpoints are rejected.
func clipSegment(x0, y0, x1, y1 float64, rect [4]float64) (float64, float64, float64, float64, bool) {
	for _, v := range [4]float64{x0, y0, x1, y1} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, 0, 0, false
		}
	}
	dx, dy := x1-x0, y1-y0
	t0, t1 := 0.0, 1.0
	edges := [4][2]float64{
		{-dx, x0 - rect[0]},
		{dx, rect[2] - x0},
		{-dy, y0 - rect[1]},
		{dy, rect[3] - y0},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return 0, 0, 0, 0, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return 0, 0, 0, 0, false
			}
			t0 = math.Max(t0, t)
		} else {
			if t < t0 {
				return 0, 0, 0, 0, false
			}
			t1 = math.Min(t1, t)
		}
	}
	return x0 + t0*dx, y0 + t0*dy, x0 + t1*dx, y0 + t1*dy, true
}

func (s *Surface) dab(cx, cy, r float64, tool Tool) {
	if math.IsNaN(cx) || math.IsNaN(cy) || math.IsInf(cx, 0) || math.IsInf(cy, 0) {
		return
	}
	b := s.mask.Bounds()
	if cx+r < float64(b.Min.X) || cy+r < float64(b.Min.Y) || cx-r > float64(b.Max.X) || cy-r > float64(b.Max.Y) {
		return
	}
	cov, area := discCoverage(cx, cy, r)
	target := area.Intersect(s.mask.Bounds())
	if target.Empty() {
		return
	}
	mp := target.Min.Sub(area.Min)
	switch tool {
	case ToolEraser:
		destinationOut(s.mask, target, cov, mp)
	default:
		draw.DrawMask(s.mask, target, image.NewUniform(maskWhite), image.Point{}, cov, mp, draw.Over)
	}
}

// discCoverage rasterises an antialiased disc into an alpha mask covering the
// returned canvas rectangle.
func discCoverage(cx, cy, r float64) (*image.Alpha, image.Rectangle) {
	area := image.Rect(
		int(math.Floor(cx-r)), int(math.Floor(cy-r)),
		int(math.Ceil(cx+r)), int(math.Ceil(cy+r)),
	)
	w, h := area.Dx(), area.Dy()
	cov := image.NewAlpha(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return cov, area
	}

	// four cubic arcs; k is the usual quarter-circle control distance
	const k = 0.5522847498
	lx := float32(cx - float64(area.Min.X))
	ly := float32(cy - float64(area.Min.Y))
	rr := float32(r)
	c := rr * k

	z := vector.NewRasterizer(w, h)
	z.MoveTo(lx+rr, ly)
	z.CubeTo(lx+rr, ly+c, lx+c, ly+rr, lx, ly+rr)
	z.CubeTo(lx-c, ly+rr, lx-rr, ly+c, lx-rr, ly)
	z.CubeTo(lx-rr, ly-c, lx-c, ly-rr, lx, ly-rr)
	z.CubeTo(lx+c, ly-rr, lx+rr, ly-c, lx+rr, ly)
	z.ClosePath()
	z.Draw(cov, cov.Bounds(), image.Opaque, image.Point{})
	return cov, area
}

// destinationOut scales every channel of dst by the inverse of the coverage,
// clearing painted pixels towards transparent.
func destinationOut(dst *image.RGBA, r image.Rectangle, cov *image.Alpha, mp image.Point) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			a := cov.AlphaAt(mp.X+x-r.Min.X, mp.Y+y-r.Min.Y).A
			if a == 0 {
				continue
			}
			keep := 0xff - uint32(a)
			i := dst.PixOffset(x, y)
			for j := 0; j < 4; j++ {
				dst.Pix[i+j] = uint8((uint32(dst.Pix[i+j])*keep + 0x7f) / 0xff)
			}
		}
	}
}

// FillPadding paints the outpainting extension white so the backend
// regenerates it. It is a no-op when the canvas has no padding.
func (s *Surface) FillPadding() {
	if !s.ready {
		return
	}
	b := s.mask.Bounds()
	in := s.SourceBounds()
	white := image.NewUniform(maskWhite)
	for _, r := range []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Max.X, in.Min.Y),
		image.Rect(b.Min.X, in.Max.Y, b.Max.X, b.Max.Y),
		image.Rect(b.Min.X, in.Min.Y, in.Min.X, in.Max.Y),
		image.Rect(in.Max.X, in.Min.Y, b.Max.X, in.Max.Y),
	} {
		if !r.Empty() {
			draw.Draw(s.mask, r, white, image.Point{}, draw.Src)
		}
	}
}

// ExportMask flattens the mask layer onto opaque black. The result is always
// canvas-sized and fully opaque.
func (s *Surface) ExportMask() *image.RGBA {
	if !s.ready {
		return nil
	}
	out := image.NewRGBA(s.mask.Bounds())
	draw.Draw(out, out.Bounds(), image.NewUniform(maskBlack), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), s.mask, image.Point{}, draw.Over)
	return out
}

// ExportMaskPNG returns ExportMask encoded as PNG.
func (s *Surface) ExportMaskPNG() ([]byte, error) {
	if !s.ready {
		return nil, ErrNoImage
	}
	return encodePNG(s.ExportMask())
}

// ImageLayer returns a copy of the canvas-sized image layer.
func (s *Surface) ImageLayer() *image.RGBA {
	if !s.ready {
		return nil
	}
	out := image.NewRGBA(s.image.Bounds())
	copy(out.Pix, s.image.Pix)
	return out
}

// ImagePNG returns the image layer encoded as PNG.
func (s *Surface) ImagePNG() ([]byte, error) {
	if !s.ready {
		return nil, ErrNoImage
	}
	return encodePNG(s.image)
}

// Snapshot copies the mask raster.
func (s *Surface) Snapshot() Snapshot {
	if !s.ready {
		return Snapshot{}
	}
	pix := make([]byte, len(s.mask.Pix))
	copy(pix, s.mask.Pix)
	b := s.mask.Bounds()
	return Snapshot{Width: b.Dx(), Height: b.Dy(), Pix: pix}
}

// Restore overwrites the mask raster with snap.
func (s *Surface) Restore(snap Snapshot) error {
	if !s.ready {
		return ErrNoImage
	}
	b := s.mask.Bounds()
	if snap.Width != b.Dx() || snap.Height != b.Dy() || len(snap.Pix) != len(s.mask.Pix) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrSnapshotSize, snap.Width, snap.Height, b.Dx(), b.Dy())
	}
	copy(s.mask.Pix, snap.Pix)
	return nil
}

// Preview renders the image layer with painted mask regions tinted on top,
// scaled by the current zoom.
func (s *Surface) Preview(maskVisible bool) *image.RGBA {
	if !s.ready {
		return nil
	}
	b := s.image.Bounds()
	base := image.NewRGBA(b)
	draw.Draw(base, b, image.NewUniform(color.Gray{Y: 0x40}), image.Point{}, draw.Src)
	draw.Draw(base, b, s.image, image.Point{}, draw.Over)

	if maskVisible {
		// painted pixels are white, so the red channel is the paint strength
		tint := image.NewAlpha(b)
		for i, j := 0, 0; i < len(s.mask.Pix); i, j = i+4, j+1 {
			tint.Pix[j] = s.mask.Pix[i] / 2
		}
		draw.DrawMask(base, b, image.NewUniform(overlay), image.Point{}, tint, image.Point{}, draw.Over)
	}

	if s.zoom == 1 {
		return base
	}
	w := int(math.Round(float64(b.Dx()) * s.zoom))
	h := int(math.Round(float64(b.Dy()) * s.zoom))
	scaled := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), base, b, draw.Src, nil)
	return scaled
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
