package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/richinsley/maskstudio/backend"
	"github.com/richinsley/maskstudio/history"
	"github.com/richinsley/maskstudio/maskeditor"
	"github.com/richinsley/maskstudio/studio"
)

type (
	ErrorResponse struct {
		Detail string `json:"detail"`
	}

	SessionResponse struct {
		ID         string                `json:"id"`
		Width      int                   `json:"width"`
		Height     int                   `json:"height"`
		Mode       string                `json:"mode"`
		Canvas     maskeditor.CanvasSize `json:"canvas"`
		Toolbar    maskeditor.Toolbar    `json:"toolbar"`
		CanUndo    bool                  `json:"can_undo"`
		CanRedo    bool                  `json:"can_redo"`
		HistoryLen int                   `json:"history_len"`
	}

	StrokeRequest struct {
		Tool      string       `json:"tool"`
		BrushSize int          `json:"brush_size"`
		Points    [][2]float64 `json:"points"`
	}

	CanvasRequest struct {
		Mode    string `json:"mode"`
		Padding *int   `json:"padding"`
	}

	InpaintRequest struct {
		Prompt            string   `json:"prompt"`
		NegativePrompt    string   `json:"negative_prompt"`
		NumInferenceSteps int      `json:"num_inference_steps"`
		GuidanceScale     float64  `json:"guidance_scale"`
		Seed              *int64   `json:"seed"`
		Strength          *float64 `json:"strength"`
		Checkpoint        string   `json:"checkpoint"`
		Comfy             bool     `json:"comfy"`
	}
)

func renderError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Detail: detail})
}

// renderErr maps package errors onto status codes.
func renderErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, maskeditor.ErrDecode), errors.Is(err, backend.ErrEmptyPrompt):
		status = http.StatusBadRequest
	case errors.Is(err, maskeditor.ErrNoImage):
		status = http.StatusConflict
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	}
	renderError(w, r, status, err.Error())
}

func sessionResponse(id string, sess *maskeditor.Session) SessionResponse {
	b := sess.Bounds()
	return SessionResponse{
		ID:         id,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Mode:       sess.Mode().String(),
		Canvas:     sess.Canvas(),
		Toolbar:    sess.Toolbar(),
		CanUndo:    sess.CanUndo(),
		CanRedo:    sess.CanRedo(),
		HistoryLen: sess.HistoryLen(),
	}
}

// handleCreateSession loads the multipart "image" into a new session. The
// optional "mode" and "padding" fields select outpainting.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		renderError(w, r, http.StatusBadRequest, "expected a multipart form with an image")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "missing image")
		return
	}
	defer file.Close()

	mode := maskeditor.ModeInpaint
	if v := r.FormValue("mode"); v != "" {
		if mode, err = maskeditor.ParseMode(v); err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	canvas := maskeditor.CanvasSize{Width: s.editor.Width, Height: s.editor.Height, Padding: s.editor.Padding}
	if v := r.FormValue("padding"); v != "" {
		if canvas.Padding, err = strconv.Atoi(v); err != nil {
			renderError(w, r, http.StatusBadRequest, "padding must be an integer")
			return
		}
	}

	sess := maskeditor.NewSession(maskeditor.WithMode(mode), maskeditor.WithCanvas(canvas))
	if err := sess.Load(file); err != nil {
		renderErr(w, r, err)
		return
	}
	id := s.register(sess)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sessionResponse(id, sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	render.JSON(w, r, sessionResponse(id, sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.deleteSession(chi.URLParam(r, "id")) {
		renderErr(w, r, ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStroke(w http.ResponseWriter, r *http.Request) {
	id, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	var req StrokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Points) == 0 {
		renderError(w, r, http.StatusBadRequest, "a stroke needs at least one point")
		return
	}
	if req.Tool != "" {
		tool, err := maskeditor.ParseTool(req.Tool)
		if err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		sess.SetTool(tool)
	}
	if req.BrushSize > 0 {
		sess.SetBrushSize(req.BrushSize)
	}
	if err := sess.Stroke(req.Points); err != nil {
		renderErr(w, r, err)
		return
	}
	render.JSON(w, r, sessionResponse(id, sess))
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.step(w, r, (*maskeditor.Session).Undo)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	s.step(w, r, (*maskeditor.Session).Redo)
}

// step applies undo or redo; at either end of the history it is a no-op and
// still returns the session state.
func (s *Server) step(w http.ResponseWriter, r *http.Request, fn func(*maskeditor.Session) bool) {
	id, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	fn(sess)
	render.JSON(w, r, sessionResponse(id, sess))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.apply(w, r, (*maskeditor.Session).Reset)
}

func (s *Server) handleFillPadding(w http.ResponseWriter, r *http.Request) {
	s.apply(w, r, (*maskeditor.Session).FillPadding)
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request, fn func(*maskeditor.Session) error) {
	id, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if err := fn(sess); err != nil {
		renderErr(w, r, err)
		return
	}
	render.JSON(w, r, sessionResponse(id, sess))
}

// handleToolbar merges the body into the current toolbar; omitted fields keep
// their values and everything is clamped.
func (s *Server) handleToolbar(w http.ResponseWriter, r *http.Request) {
	id, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	tb := sess.Toolbar()
	if err := json.NewDecoder(r.Body).Decode(&tb); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := maskeditor.ParseTool(string(tb.Tool)); err != nil {
		renderError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess.SetToolbar(tb)
	render.JSON(w, r, sessionResponse(id, sess))
}

// handleCanvas switches mode or padding. Both rebuild the layers and start a
// fresh history.
func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	id, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	var req CanvasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode != "" {
		mode, err := maskeditor.ParseMode(req.Mode)
		if err != nil {
			renderError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := sess.SetMode(mode); err != nil {
			renderErr(w, r, err)
			return
		}
	}
	if req.Padding != nil {
		if err := sess.SetPadding(*req.Padding); err != nil {
			renderErr(w, r, err)
			return
		}
	}
	render.JSON(w, r, sessionResponse(id, sess))
}

func writeImage(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleMaskPNG(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	data, err := sess.ExportMaskPNG()
	if err != nil {
		renderErr(w, r, err)
		return
	}
	writeImage(w, data)
}

func (s *Server) handleSourcePNG(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	data, err := sess.SourcePNG()
	if err != nil {
		renderErr(w, r, err)
		return
	}
	writeImage(w, data)
}

func (s *Server) handlePreviewPNG(w http.ResponseWriter, r *http.Request) {
	_, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	preview := sess.Preview()
	if preview == nil {
		renderErr(w, r, maskeditor.ErrNoImage)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, preview); err != nil {
		// headers are gone; nothing left to report to the client
		return
	}
}

// handleInpaint submits the session and answers with the generated image.
// The history entry id is returned in X-History-Id.
func (s *Server) handleInpaint(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		renderError(w, r, http.StatusServiceUnavailable, "generation is not configured")
		return
	}
	_, sess, err := s.session(r)
	if err != nil {
		renderErr(w, r, err)
		return
	}
	var req InpaintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	params := studio.DefaultParams()
	params.NegativePrompt = req.NegativePrompt
	if req.NumInferenceSteps > 0 {
		params.NumInferenceSteps = req.NumInferenceSteps
	}
	if req.GuidanceScale > 0 {
		params.GuidanceScale = req.GuidanceScale
	}
	params.Seed = req.Seed
	params.Strength = req.Strength
	params.Checkpoint = req.Checkpoint
	job := studio.Job{Session: sess, Prompt: req.Prompt, Params: params}

	var res *studio.Result
	if req.Comfy {
		res, err = s.submitter.InpaintComfy(r.Context(), job, nil)
	} else {
		res, err = s.submitter.Inpaint(r.Context(), job)
	}
	if err != nil {
		renderErr(w, r, err)
		return
	}
	w.Header().Set("X-History-Id", res.Entry.ID)
	writeImage(w, res.Image)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.alerts.All())
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	s.alerts.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "alert id must be an integer")
		return
	}
	if !s.alerts.Dismiss(id) {
		renderError(w, r, http.StatusNotFound, fmt.Sprintf("alert %d not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.List()
	if err != nil {
		renderErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	render.JSON(w, r, entries)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(); err != nil {
		renderErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
