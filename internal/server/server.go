// Package server exposes the matching pipeline over HTTP: a multipart upload
// endpoint, the processed videos as static files, and a websocket feed of
// match events while a run is in progress.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/facetrace/internal/logger"
	"github.com/andresmejia3/facetrace/internal/store"
	"github.com/andresmejia3/facetrace/internal/tracker"
	"github.com/andresmejia3/facetrace/internal/types"
)

// Processor runs one video against one reference photo.
type Processor interface {
	ProcessWithHooks(ctx context.Context, videoPath, photoPath string, hooks tracker.Hooks) (*types.MatchRecord, error)
}

// RunStore persists completed runs. Optional.
type RunStore interface {
	SaveRun(ctx context.Context, run store.Run) error
}

// Options configures the server.
type Options struct {
	Port        int
	UploadDir   string
	StaticDir   string
	MaxUploadMB int
	Store       RunStore
	Logger      *logger.Logger
}

// Server represents the web server
type Server struct {
	opts       Options
	proc       Processor
	log        *logger.Logger
	hub        *Hub
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new web server and starts its event hub.
func NewServer(proc Processor, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 512
	}

	r := chi.NewRouter()
	s := &Server{
		opts:   opts,
		proc:   proc,
		log:    opts.Logger,
		hub:    NewHub(opts.Logger),
		router: r,
	}
	go s.hub.Run()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", opts.Port),
		Handler:     r,
		ReadTimeout: 5 * time.Minute, // large uploads
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("Starting web server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down web server...")
	s.hub.Stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
