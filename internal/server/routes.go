package server

import (
	"net/http"
	"os"
	"path/filepath"
)

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleIndex)
	s.router.Get("/api", handleAPI)
	s.router.Post("/upload", s.handleUpload)
	s.router.Get("/ws", s.handleWebsocket)

	uploads := http.StripPrefix("/static/uploads/", http.FileServer(http.Dir(s.opts.UploadDir)))
	s.router.Handle("/static/uploads/*", uploads)
	if s.opts.StaticDir != "" {
		static := http.StripPrefix("/static/", http.FileServer(http.Dir(s.opts.StaticDir)))
		s.router.Handle("/static/*", static)
	}
}

// handleIndex serves index.html from the static directory when one exists.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.opts.StaticDir == "" {
		http.NotFound(w, r)
		return
	}
	index := filepath.Join(s.opts.StaticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, index)
}

func handleAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": "Face Finding API"})
}
