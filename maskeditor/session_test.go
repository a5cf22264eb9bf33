package maskeditor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func newLoadedSession(t *testing.T, w, h int, opts ...Option) *Session {
	t.Helper()
	s := NewSession(opts...)
	if err := s.SetImage(solidImage(w, h, color.RGBA{R: 90, G: 120, B: 200, A: 255})); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	return s
}

func assertOpaque(t *testing.T, img *image.RGBA) {
	t.Helper()
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if a := img.RGBAAt(x, y).A; a != 0xff {
				t.Fatalf("pixel (%d,%d) alpha %d, want 255", x, y, a)
			}
		}
	}
}

func assertAllBlack(t *testing.T, img *image.RGBA) {
	t.Helper()
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if got := img.RGBAAt(x, y); got != (color.RGBA{A: 0xff}) {
				t.Fatalf("pixel (%d,%d) = %+v, want opaque black", x, y, got)
			}
		}
	}
}

func TestCentreDiscScenario(t *testing.T) {
	s := newLoadedSession(t, 512, 512)
	s.SetBrushSize(20)

	if err := s.Stroke([][2]float64{{256, 256}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}

	mask := s.ExportMask()
	if !mask.Bounds().Eq(image.Rect(0, 0, 512, 512)) {
		t.Fatalf("unexpected mask bounds %v", mask.Bounds())
	}
	assertOpaque(t, mask)

	white := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	for _, p := range []image.Point{{256, 256}, {250, 256}, {264, 256}, {256, 248}, {256, 264}} {
		if got := mask.RGBAAt(p.X, p.Y); got != white {
			t.Fatalf("pixel %v = %+v, want white", p, got)
		}
	}
	for _, p := range []image.Point{{0, 0}, {511, 511}, {268, 256}, {243, 256}, {256, 269}, {256, 243}} {
		if got := mask.RGBAAt(p.X, p.Y); got != (color.RGBA{A: 0xff}) {
			t.Fatalf("pixel %v = %+v, want black", p, got)
		}
	}

	if !s.Undo() {
		t.Fatal("expected undo to succeed")
	}
	assertAllBlack(t, s.ExportMask())
}

func TestStrokesThenUndosRestoreInitialMask(t *testing.T) {
	s := newLoadedSession(t, 64, 48)
	initial := s.surface.Snapshot()

	strokes := [][][2]float64{
		{{5, 5}, {30, 20}},
		{{60, 40}},
		{{10, 40}, {20, 10}, {50, 5}},
	}
	for _, st := range strokes {
		if err := s.Stroke(st); err != nil {
			t.Fatalf("Stroke: %v", err)
		}
	}
	if got := s.HistoryLen(); got != len(strokes)+1 {
		t.Fatalf("history length %d, want %d", got, len(strokes)+1)
	}
	for range strokes {
		if !s.Undo() {
			t.Fatal("undo unexpectedly unavailable")
		}
	}
	if s.Undo() {
		t.Fatal("undo past the first snapshot should be a no-op")
	}
	if !bytes.Equal(s.surface.Snapshot().Pix, initial.Pix) {
		t.Fatal("mask differs from the state before the first stroke")
	}
}

func TestRedoRestoresIdenticalRaster(t *testing.T) {
	s := newLoadedSession(t, 40, 40)
	s.SetTool(ToolBrush)
	if err := s.Stroke([][2]float64{{10, 10}, {30, 30}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}
	before := s.surface.Snapshot()

	if !s.Undo() {
		t.Fatal("undo failed")
	}
	if bytes.Equal(s.surface.Snapshot().Pix, before.Pix) {
		t.Fatal("undo did not change the raster")
	}
	if !s.Redo() {
		t.Fatal("redo failed")
	}
	if !bytes.Equal(s.surface.Snapshot().Pix, before.Pix) {
		t.Fatal("redo did not restore a byte-identical raster")
	}
	if s.Redo() {
		t.Fatal("redo at the end of history should be a no-op")
	}
}

func TestStrokeAfterUndoDropsRedoBranch(t *testing.T) {
	s := newLoadedSession(t, 32, 32)
	for i := 0; i < 3; i++ {
		if err := s.Stroke([][2]float64{{float64(5 + i*8), 16}}); err != nil {
			t.Fatalf("Stroke: %v", err)
		}
	}
	s.Undo()
	s.Undo()
	if !s.CanRedo() {
		t.Fatal("expected redo to be available after undo")
	}
	if err := s.Stroke([][2]float64{{16, 28}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}
	if s.CanRedo() {
		t.Fatal("redo should be unavailable after a new stroke")
	}
	if got := s.HistoryLen(); got != 3 {
		t.Fatalf("history length %d, want 3", got)
	}
}

func TestEraserClearsToBlack(t *testing.T) {
	s := newLoadedSession(t, 64, 64)
	s.SetBrushSize(20)
	if err := s.Stroke([][2]float64{{32, 32}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}
	s.SetTool(ToolEraser)
	s.SetBrushSize(30)
	if err := s.Stroke([][2]float64{{32, 32}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}
	mask := s.ExportMask()
	assertOpaque(t, mask)
	if got := mask.RGBAAt(32, 32); got != (color.RGBA{A: 0xff}) {
		t.Fatalf("erased pixel = %+v, want black", got)
	}
}

func TestZoomDividesPointerCoordinates(t *testing.T) {
	s := newLoadedSession(t, 200, 200)
	s.ZoomIn()
	s.ZoomIn()
	s.ZoomIn()
	s.ZoomIn()
	s.ZoomIn()
	if z := s.Toolbar().Zoom; z != 2.0 {
		t.Fatalf("zoom %v, want 2.0", z)
	}
	s.SetBrushSize(10)
	if err := s.Stroke([][2]float64{{200, 200}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}
	mask := s.ExportMask()
	if mask.RGBAAt(100, 100).R != 0xff {
		t.Fatal("expected the dab at raster (100,100)")
	}
	if mask.RGBAAt(199, 199).R != 0 {
		t.Fatal("dab landed at unscaled pointer position")
	}
	if p := s.Preview(); p.Bounds().Dx() != 400 {
		t.Fatalf("preview width %d, want 400", p.Bounds().Dx())
	}
}

func TestModeAndPaddingResizeBothLayers(t *testing.T) {
	s := newLoadedSession(t, 100, 80, WithCanvas(CanvasSize{Padding: 64}))
	if err := s.Stroke([][2]float64{{50, 40}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}

	if err := s.SetMode(ModeOutpaint); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	want := image.Rect(0, 0, 228, 208)
	if b := s.Bounds(); !b.Eq(want) {
		t.Fatalf("canvas %v, want %v", b, want)
	}
	mask := s.ExportMask()
	if !mask.Bounds().Eq(want) {
		t.Fatalf("mask %v, want %v", mask.Bounds(), want)
	}
	assertAllBlack(t, mask)
	if s.HistoryLen() != 1 || s.CanUndo() {
		t.Fatal("resize should start a fresh history")
	}

	src, err := s.SourcePNG()
	if err != nil {
		t.Fatalf("SourcePNG: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(src))
	if err != nil {
		t.Fatalf("decode source: %v", err)
	}
	if !decoded.Bounds().Eq(want) {
		t.Fatalf("image layer %v, want %v", decoded.Bounds(), want)
	}
	if _, _, _, a := decoded.At(10, 10).RGBA(); a != 0 {
		t.Fatal("padding should be transparent")
	}
	if _, _, _, a := decoded.At(64, 64).RGBA(); a == 0 {
		t.Fatal("source should be centred inside the padding")
	}

	if err := s.Stroke([][2]float64{{114, 104}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}
	if s.ExportMask().RGBAAt(114, 104).R != 0xff {
		t.Fatal("stroke before padding change should paint")
	}
	if err := s.SetPadding(130); err != nil {
		t.Fatalf("SetPadding: %v", err)
	}
	want = image.Rect(0, 0, 100+2*128, 80+2*128)
	mask = s.ExportMask()
	if b := mask.Bounds(); !b.Eq(want) {
		t.Fatalf("after padding change mask %v, want %v", b, want)
	}
	assertAllBlack(t, mask)
	if s.CanUndo() {
		t.Fatal("padding change should start a fresh history")
	}
}

func TestFillPaddingMarksExtension(t *testing.T) {
	s := newLoadedSession(t, 10, 10, WithMode(ModeOutpaint), WithCanvas(CanvasSize{Padding: 64}))
	if err := s.FillPadding(); err != nil {
		t.Fatalf("FillPadding: %v", err)
	}
	mask := s.ExportMask()
	if mask.RGBAAt(0, 0).R != 0xff {
		t.Fatal("padding should be white")
	}
	if mask.RGBAAt(68, 68).R != 0 {
		t.Fatal("source area should stay black")
	}
	if !s.Undo() {
		t.Fatal("FillPadding should be undoable")
	}
}

func TestResetRecordsHistoryEntry(t *testing.T) {
	var reports int
	s := newLoadedSession(t, 16, 16, WithMaskListener(func(m *image.RGBA) { reports++ }))
	reports = 0
	if err := s.Stroke([][2]float64{{8, 8}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	assertAllBlack(t, s.ExportMask())
	if s.HistoryLen() != 3 {
		t.Fatalf("history length %d, want 3", s.HistoryLen())
	}
	if reports != 2 {
		t.Fatalf("mask reported %d times, want 2", reports)
	}
	s.Undo()
	if s.ExportMask().RGBAAt(8, 8).R != 0xff {
		t.Fatal("undo of reset should bring the stroke back")
	}
}

func TestLoadDecodeFailureKeepsState(t *testing.T) {
	s := NewSession()
	err := s.Load(strings.NewReader("definitely not an image"))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if s.Ready() {
		t.Fatal("session should remain uninitialised")
	}
	if err := s.BeginStroke(1, 1); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}

func TestLoadPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(12, 7, color.White)); err != nil {
		t.Fatal(err)
	}
	s := NewSession()
	if err := s.Load(&buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b := s.Bounds(); !b.Eq(image.Rect(0, 0, 12, 7)) {
		t.Fatalf("bounds %v", b)
	}
}

func TestStrokeOutOfOrder(t *testing.T) {
	s := newLoadedSession(t, 8, 8)
	if err := s.StrokeTo(1, 1); !errors.Is(err, ErrNoStroke) {
		t.Fatalf("expected ErrNoStroke, got %v", err)
	}
	if err := s.EndStroke(); !errors.Is(err, ErrNoStroke) {
		t.Fatalf("expected ErrNoStroke, got %v", err)
	}
}

// pngHeaderOnly is a PNG signature and IHDR chunk with no image data.
func pngHeaderOnly(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk := append([]byte("IHDR"), ihdr...)
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestLoadRejectsOversizedHeader(t *testing.T) {
	s := NewSession()
	err := s.Load(bytes.NewReader(pngHeaderOnly(60000, 60000)))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if s.Ready() {
		t.Fatal("session should remain uninitialised")
	}
}

func TestDecodeImageWithinLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(64, 32, color.Black)); err != nil {
		t.Fatal(err)
	}
	img, format, err := DecodeImage(&buf)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if format != "png" || img.Bounds().Dx() != 64 || img.Bounds().Dy() != 32 {
		t.Fatalf("decoded %s %v", format, img.Bounds())
	}
}

func TestStrokeToFarPointStaysBounded(t *testing.T) {
	s := newLoadedSession(t, 64, 64)
	s.SetBrushSize(20)

	done := make(chan error, 1)
	go func() {
		done <- s.Stroke([][2]float64{{10, 10}, {1e12, 10}})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stroke: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stroke towards a distant point did not finish")
	}

	mask := s.ExportMask()
	for _, x := range []int{10, 32, 63} {
		if mask.RGBAAt(x, 10).R != 0xff {
			t.Fatalf("pixel (%d,10) should be painted", x)
		}
	}
	if mask.RGBAAt(32, 40).R != 0 {
		t.Fatal("pixel away from the stroke should stay black")
	}
}

func TestStrokeIgnoresNonFinitePoints(t *testing.T) {
	s := newLoadedSession(t, 32, 32)
	if err := s.Stroke([][2]float64{{8, 8}, {math.NaN(), 4}, {math.Inf(1), 4}}); err != nil {
		t.Fatalf("Stroke: %v", err)
	}
	if s.ExportMask().RGBAAt(8, 8).R != 0xff {
		t.Fatal("first dab should still be painted")
	}
}

func TestClipSegment(t *testing.T) {
	rect := [4]float64{0, 0, 10, 10}
	x0, y0, x1, y1, ok := clipSegment(-5, 5, 1e12, 5, rect)
	if !ok || x0 != 0 || y0 != 5 || x1 != 10 || y1 != 5 {
		t.Fatalf("clip = (%v,%v)-(%v,%v) %v", x0, y0, x1, y1, ok)
	}
	if _, _, _, _, ok := clipSegment(20, 20, 30, 30, rect); ok {
		t.Fatal("segment outside the rectangle should be rejected")
	}
}

func TestExportIsConsistentUnderResize(t *testing.T) {
	s := newLoadedSession(t, 40, 30, WithCanvas(CanvasSize{Padding: 64}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		modes := []Mode{ModeOutpaint, ModeInpaint}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := s.SetMode(modes[i%2]); err != nil {
				t.Errorf("SetMode: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		exp, err := s.Export()
		if err != nil {
			close(stop)
			wg.Wait()
			t.Fatalf("Export: %v", err)
		}
		src, err := png.Decode(bytes.NewReader(exp.Source))
		if err != nil {
			t.Fatalf("decode source: %v", err)
		}
		mask, err := png.Decode(bytes.NewReader(exp.Mask))
		if err != nil {
			t.Fatalf("decode mask: %v", err)
		}
		if !src.Bounds().Eq(exp.Bounds) || !mask.Bounds().Eq(exp.Bounds) {
			close(stop)
			wg.Wait()
			t.Fatalf("export %d: source %v mask %v bounds %v", i, src.Bounds(), mask.Bounds(), exp.Bounds)
		}
		if exp.Mode == ModeInpaint && !exp.Bounds.Eq(image.Rect(0, 0, 40, 30)) {
			t.Fatalf("export %d: inpaint bounds %v", i, exp.Bounds)
		}
	}
	close(stop)
	wg.Wait()
}

func TestExportBeforeLoad(t *testing.T) {
	if _, err := NewSession().Export(); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}
