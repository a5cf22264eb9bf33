package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/richinsley/maskstudio/alerts"
	"github.com/richinsley/maskstudio/backend"
	"github.com/richinsley/maskstudio/config"
	"github.com/richinsley/maskstudio/history"
	"github.com/richinsley/maskstudio/maskeditor"
	"github.com/richinsley/maskstudio/studio"
)

type fakeGenerator struct {
	req backend.GenerateRequest
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, r backend.GenerateRequest) ([]byte, error) {
	f.req = r
	return []byte("t2i"), nil
}

func (f *fakeGenerator) GenerateImg2Img(ctx context.Context, r backend.GenerateRequest) ([]byte, error) {
	f.req = r
	if r.Prompt == "" {
		return nil, backend.ErrEmptyPrompt
	}
	return []byte("generated"), nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, h http.Handler, img []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if img != nil {
		fw, err := mw.CreateFormFile("image", "source.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(img)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	var resp SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return resp
}

func newTestServer(sub *studio.Submitter, store history.Store) (*Server, http.Handler) {
	s := New(config.Editor{Width: 64, Height: 64, Padding: 32}, alerts.New(), store, sub)
	return s, s.Router()
}

func TestSessionLifecycle(t *testing.T) {
	_, h := newTestServer(nil, nil)

	rec := createSession(t, h, pngBytes(t, 40, 30), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	sess := decodeSession(t, rec)
	if sess.ID == "" || sess.Width != 40 || sess.Height != 30 || sess.Mode != "inpaint" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.CanUndo || sess.HistoryLen != 1 {
		t.Fatalf("fresh session should have one history entry: %+v", sess)
	}
	base := "/sessions/" + sess.ID

	rec = do(t, h, http.MethodPost, base+"/strokes", StrokeRequest{Tool: "brush", BrushSize: 10, Points: [][2]float64{{20, 15}}})
	if rec.Code != http.StatusOK {
		t.Fatalf("stroke: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeSession(t, rec); !got.CanUndo || got.HistoryLen != 2 || got.Toolbar.BrushSize != 10 {
		t.Fatalf("after stroke %+v", got)
	}

	rec = do(t, h, http.MethodGet, base+"/mask.png", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("mask: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	mask, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("mask decode: %v", err)
	}
	if r, _, _, _ := mask.At(20, 15).RGBA(); r>>8 != 0xff {
		t.Errorf("stroke centre not white: %v", mask.At(20, 15))
	}
	if got := color.RGBAModel.Convert(mask.At(0, 0)).(color.RGBA); got != (color.RGBA{A: 0xff}) {
		t.Errorf("unpainted pixel = %v, want opaque black", got)
	}

	rec = do(t, h, http.MethodPost, base+"/undo", nil)
	if got := decodeSession(t, rec); got.CanUndo || !got.CanRedo {
		t.Fatalf("after undo %+v", got)
	}
	// undo at the start is a no-op
	rec = do(t, h, http.MethodPost, base+"/undo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second undo: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, base+"/redo", nil)
	if got := decodeSession(t, rec); !got.CanUndo || got.CanRedo {
		t.Fatalf("after redo %+v", got)
	}

	rec = do(t, h, http.MethodGet, base+"/preview.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, base+"/source.png", nil)
	if src, err := png.Decode(rec.Body); err != nil || src.Bounds().Dx() != 40 {
		t.Fatalf("source: %v", err)
	}

	if rec = do(t, h, http.MethodDelete, base, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec = do(t, h, http.MethodGet, base, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	_, h := newTestServer(nil, nil)

	rec := createSession(t, h, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing image: %d", rec.Code)
	}
	rec = createSession(t, h, []byte("definitely not an image"), nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "detail") {
		t.Errorf("undecodable image: %d %s", rec.Code, rec.Body.String())
	}
	rec = createSession(t, h, pngBytes(t, 8, 8), map[string]string{"mode": "sideways"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad mode: %d", rec.Code)
	}
	rec = createSession(t, h, hugePNGHeader(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversized image: %d %s", rec.Code, rec.Body.String())
	}
}

// hugePNGHeader declares a 60000x60000 image and carries no pixel data.
func hugePNGHeader() []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], 60000)
	binary.BigEndian.PutUint32(ihdr[4:], 60000)
	ihdr[8], ihdr[9] = 8, 6
	chunk := append([]byte("IHDR"), ihdr...)
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestToolbarAndCanvas(t *testing.T) {
	_, h := newTestServer(nil, nil)
	sess := decodeSession(t, createSession(t, h, pngBytes(t, 40, 30), nil))
	base := "/sessions/" + sess.ID

	rec := do(t, h, http.MethodPut, base+"/toolbar", `{"tool":"eraser","zoom":99}`)
	got := decodeSession(t, rec)
	if got.Toolbar.Tool != "eraser" || got.Toolbar.Zoom != maskeditor.MaxZoom || got.Toolbar.BrushSize != sess.Toolbar.BrushSize {
		t.Fatalf("toolbar %+v", got.Toolbar)
	}
	if rec = do(t, h, http.MethodPut, base+"/toolbar", `{"tool":"spray"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown tool: %d", rec.Code)
	}

	rec = do(t, h, http.MethodPut, base+"/canvas", `{"mode":"outpaint"}`)
	got = decodeSession(t, rec)
	if got.Mode != "outpaint" || got.Width <= 40 || got.Height <= 30 || got.HistoryLen != 1 {
		t.Fatalf("outpaint canvas %+v", got)
	}
	if rec = do(t, h, http.MethodPost, base+"/fill-padding", nil); decodeSession(t, rec).HistoryLen != 2 {
		t.Fatalf("fill padding did not record history: %s", rec.Body.String())
	}
	if rec = do(t, h, http.MethodPost, base+"/reset", nil); decodeSession(t, rec).HistoryLen != 3 {
		t.Fatalf("reset did not record history: %s", rec.Body.String())
	}
}

func TestStrokeValidation(t *testing.T) {
	_, h := newTestServer(nil, nil)
	sess := decodeSession(t, createSession(t, h, pngBytes(t, 16, 16), nil))
	base := "/sessions/" + sess.ID

	cases := []struct {
		name string
		body string
	}{
		{"no points", `{"tool":"brush","points":[]}`},
		{"bad tool", `{"tool":"spray","points":[[1,1]]}`},
		{"bad json", `{"points":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, base+"/strokes", tc.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("got %d", rec.Code)
			}
		})
	}
	if rec := do(t, h, http.MethodPost, "/sessions/missing/strokes", `{"points":[[1,1]]}`); rec.Code != http.StatusNotFound {
		t.Fatalf("missing session: %d", rec.Code)
	}
}

func TestInpaintRecordsHistory(t *testing.T) {
	gen := &fakeGenerator{}
	store := history.NewMemoryStore(history.DefaultLimit)
	list := alerts.New()
	srv := New(config.Editor{}, list, store, studio.NewSubmitter(gen, nil, store, list))
	h := srv.Router()

	sess := decodeSession(t, createSession(t, h, pngBytes(t, 32, 32), nil))
	base := "/sessions/" + sess.ID

	rec := do(t, h, http.MethodPost, base+"/inpaint", InpaintRequest{Prompt: "a red door", NumInferenceSteps: 12})
	if rec.Code != http.StatusOK {
		t.Fatalf("inpaint: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "generated" || rec.Header().Get("X-History-Id") == "" {
		t.Fatalf("unexpected response %q %v", rec.Body.String(), rec.Header())
	}
	if gen.req.NumInferenceSteps != 12 || gen.req.GuidanceScale != 7.5 || len(gen.req.ControlImage) == 0 {
		t.Errorf("unexpected request %+v", gen.req)
	}

	rec = do(t, h, http.MethodGet, "/history", nil)
	var entries []history.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Prompt != "a red door" {
		t.Fatalf("history %+v", entries)
	}

	// an empty prompt fails and leaves an alert behind
	rec = do(t, h, http.MethodPost, base+"/inpaint", InpaintRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt: %d %s", rec.Code, rec.Body.String())
	}
	if len(list.All()) != 1 {
		t.Fatalf("expected one alert, got %+v", list.All())
	}

	if rec = do(t, h, http.MethodDelete, "/history", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("clear history: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/history", nil)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("history after clear: %s", rec.Body.String())
	}
}

func TestInpaintWithoutSubmitter(t *testing.T) {
	_, h := newTestServer(nil, nil)
	sess := decodeSession(t, createSession(t, h, pngBytes(t, 8, 8), nil))
	rec := do(t, h, http.MethodPost, "/sessions/"+sess.ID+"/inpaint", InpaintRequest{Prompt: "x"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestAlertRoutes(t *testing.T) {
	s, h := newTestServer(nil, nil)
	a := s.alerts.Errorf("backend unreachable")
	s.alerts.Warnf("slow")

	rec := do(t, h, http.MethodGet, "/alerts", nil)
	var list []alerts.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 2 {
		t.Fatalf("alerts %s: %v", rec.Body.String(), err)
	}

	if rec = do(t, h, http.MethodDelete, fmt.Sprintf("/alerts/%d", a.ID), nil); rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss: %d", rec.Code)
	}
	if rec = do(t, h, http.MethodDelete, fmt.Sprintf("/alerts/%d", a.ID), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("dismiss twice: %d", rec.Code)
	}
	if rec = do(t, h, http.MethodDelete, "/alerts/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("dismiss bad id: %d", rec.Code)
	}
	if rec = do(t, h, http.MethodDelete, "/alerts", nil); rec.Code != http.StatusNoContent || len(s.alerts.All()) != 0 {
		t.Fatalf("clear: %d", rec.Code)
	}
}
