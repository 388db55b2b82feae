package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facetrace/internal/store"
	"github.com/andresmejia3/facetrace/internal/tracker"
	"github.com/andresmejia3/facetrace/internal/utils"
)

const (
	errMissingFiles = "Both video and photo files are required."
	errInvalidTypes = "Invalid file types. Allowed types are: mp4, avi, mov for video, and jpg, jpeg, png for photos."
)

var (
	videoExtensions = map[string]bool{"mp4": true, "avi": true, "mov": true}
	photoExtensions = map[string]bool{"jpg": true, "jpeg": true, "png": true}
)

// multipart parts above this size spill to temp files
const formMemory = 32 << 20

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// allowedFile reports whether name has one of the given extensions.
func allowedFile(name string, allowed map[string]bool) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return false
	}
	return allowed[strings.ToLower(name[i+1:])]
}

// sanitizeFilename keeps the base name and replaces anything outside
// [A-Za-z0-9._-] with an underscore.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	return strings.TrimLeft(clean, ".")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.opts.MaxUploadMB)<<20)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d MB.", s.opts.MaxUploadMB))
			return
		}
		respondError(w, http.StatusBadRequest, errMissingFiles)
		return
	}
	defer r.MultipartForm.RemoveAll()

	videoFile, videoHeader, err := r.FormFile("video")
	if err != nil {
		respondError(w, http.StatusBadRequest, errMissingFiles)
		return
	}
	defer videoFile.Close()
	photoFile, photoHeader, err := r.FormFile("photo")
	if err != nil {
		respondError(w, http.StatusBadRequest, errMissingFiles)
		return
	}
	defer photoFile.Close()

	if !allowedFile(videoHeader.Filename, videoExtensions) || !allowedFile(photoHeader.Filename, photoExtensions) {
		respondError(w, http.StatusBadRequest, errInvalidTypes)
		return
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0755); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	runID := uuid.NewString()
	videoPath := filepath.Join(s.opts.UploadDir, runID+"_"+sanitizeFilename(videoHeader.Filename))
	photoPath := filepath.Join(s.opts.UploadDir, runID+"_"+sanitizeFilename(photoHeader.Filename))

	// The reference photo is only needed for this run.
	defer os.Remove(photoPath)

	if err := saveUpload(videoFile, videoPath); err != nil {
		s.log.Error("Failed to save video upload: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	photoData, err := io.ReadAll(photoFile)
	if err == nil {
		err = os.WriteFile(photoPath, photoData, 0644)
	}
	if err != nil {
		s.log.Error("Failed to save photo upload: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("Run %s: matching %s against %s", runID, videoHeader.Filename, photoHeader.Filename)
	started := time.Now()
	record, err := s.proc.ProcessWithHooks(r.Context(), videoPath, photoPath, s.runHooks(runID))
	if err != nil {
		s.log.Error("Run %s failed: %v", runID, err)
		s.hub.Broadcast(Event{Type: "failed", RunID: runID, Error: err.Error()})
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.Broadcast(Event{Type: "finished", RunID: runID, Frame: record.TotalFrames, Matches: len(record.MatchedFrames)})

	s.saveRun(r, store.Run{
		ID:            runID,
		VideoPath:     videoPath,
		ReferenceID:   utils.HashBytes(photoData),
		ReferencePath: photoHeader.Filename,
		Origin:        "http",
		Record:        *record,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	})

	response := *record
	response.ProcessedVideoPath = "/static/uploads/" + filepath.Base(record.ProcessedVideoPath)
	respondJSON(w, http.StatusOK, response)
}

// runHooks forwards tracker events for one run to the websocket hub.
func (s *Server) runHooks(runID string) tracker.Hooks {
	return tracker.Hooks{
		OnMatch: func(index int, timestamp string, matched []image.Rectangle) {
			s.hub.Broadcast(Event{Type: "match", RunID: runID, Frame: index, Timestamp: timestamp, Faces: len(matched)})
		},
		OnFaceLost: func(index int, timestamp string) {
			s.hub.Broadcast(Event{Type: "face_lost", RunID: runID, Frame: index, Timestamp: timestamp})
		},
	}
}

// saveRun records the run in history. Failures are logged; the client still
// gets its result.
func (s *Server) saveRun(r *http.Request, run store.Run) {
	if s.opts.Store == nil {
		return
	}
	videoID, err := utils.GenerateVideoID(run.VideoPath)
	if err != nil {
		s.log.Warning("Run %s: could not identify video: %v", run.ID, err)
		return
	}
	run.VideoID = videoID
	if err := s.opts.Store.SaveRun(r.Context(), run); err != nil {
		s.log.Warning("Run %s: failed to save history: %v", run.ID, err)
	}
}

func saveUpload(src multipart.File, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}
