// Package server exposes mask editing sessions over HTTP so that a browser
// front end can drive the editor and submit jobs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"

	"github.com/richinsley/maskstudio/alerts"
	"github.com/richinsley/maskstudio/config"
	"github.com/richinsley/maskstudio/history"
	"github.com/richinsley/maskstudio/maskeditor"
	"github.com/richinsley/maskstudio/studio"
)

var ErrSessionNotFound = errors.New("session not found")

// maxUpload bounds the multipart image upload.
const maxUpload = 32 << 20

// Server holds the live editing sessions. Sessions live in memory only.
type Server struct {
	editor    config.Editor
	alerts    *alerts.List
	history   history.Store
	submitter *studio.Submitter

	mu       sync.RWMutex
	sessions map[string]*maskeditor.Session
}

// New creates a server. submitter may be nil, which disables the inpaint
// route.
func New(editor config.Editor, list *alerts.List, store history.Store, submitter *studio.Submitter) *Server {
	if list == nil {
		list = alerts.New()
	}
	if store == nil {
		store = history.NewMemoryStore(history.DefaultLimit)
	}
	return &Server{
		editor:    editor,
		alerts:    list,
		history:   store,
		submitter: submitter,
		sessions:  make(map[string]*maskeditor.Session),
	}
}

// Router builds the chi routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
			return false
		},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length"},
		MaxAge:         300,
	}))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/strokes", s.handleStroke)
			r.Post("/undo", s.handleUndo)
			r.Post("/redo", s.handleRedo)
			r.Post("/reset", s.handleReset)
			r.Post("/fill-padding", s.handleFillPadding)
			r.Put("/toolbar", s.handleToolbar)
			r.Put("/canvas", s.handleCanvas)
			r.Get("/mask.png", s.handleMaskPNG)
			r.Get("/preview.png", s.handlePreviewPNG)
			r.Get("/source.png", s.handleSourcePNG)
			r.Post("/inpaint", s.handleInpaint)
		})
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleListAlerts)
		r.Delete("/", s.handleClearAlerts)
		r.Delete("/{id}", s.handleDismissAlert)
	})
	r.Get("/history", s.handleListHistory)
	r.Delete("/history", s.handleClearHistory)
	return r
}

// ListenAndServe serves the router until ctx is cancelled or the listener
// fails. Cancellation shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("Listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) register(sess *maskeditor.Session) string {
	id := ulid.Make().String()
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return id
}

func (s *Server) session(r *http.Request) (string, *maskeditor.Session, error) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return id, nil, ErrSessionNotFound
	}
	return id, sess, nil
}

func (s *Server) deleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
