package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"folder_to_pdf/internal/controller"
	"folder_to_pdf/internal/converter"
)

const maxRequestBody = 1 << 20 // 1 MB is plenty for a title and a path

type APIErrorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSONError(w http.ResponseWriter, message string, details interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errResponse := APIErrorResponse{
		Error:   message,
		Details: details,
	}
	if err := json.NewEncoder(w).Encode(errResponse); err != nil {
		slog.Error("Failed to write JSON error response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

// ConvertRequest is the body of POST /convert.
type ConvertRequest struct {
	Title  string `json:"title"`
	Folder string `json:"folder"`
}

// ConvertResponse acknowledges a started run.
type ConvertResponse struct {
	RunID      int    `json:"run_id"`
	OutputPath string `json:"output_path"`
}

// OutcomeResponse is the terminal result of the last run.
type OutcomeResponse struct {
	Status     string `json:"status"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Running bool             `json:"running"`
	RunID   int              `json:"run_id,omitempty"`
	Title   string           `json:"title,omitempty"`
	Folder  string           `json:"folder,omitempty"`
	Stage   string           `json:"stage,omitempty"`
	Current int              `json:"current"`
	Total   int              `json:"total"`
	Message string           `json:"message,omitempty"`
	Outcome *OutcomeResponse `json:"outcome,omitempty"`
}

// Server exposes a Controller over HTTP. Run must be running for /status to move.
type Server struct {
	ctrl *controller.Controller

	mu     sync.Mutex
	status StatusResponse
}

func NewServer(ctrl *controller.Controller) *Server {
	return &Server{ctrl: ctrl}
}

// Routes returns the HTTP handler for the API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, "Invalid request method", r.Method+" is not allowed on "+r.URL.Path, http.StatusMethodNotAllowed)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, "Not found", r.URL.Path, http.StatusNotFound)
	})

	r.Post("/convert", s.HandleConvert)
	r.Post("/cancel", s.HandleCancel)
	r.Get("/status", s.HandleStatus)
	return r
}

// Run applies controller events to the status snapshot until ctx is done.
// It is the only goroutine that writes progress and outcomes.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.ctrl.Events():
			s.apply(ev)
		}
	}
}

func (s *Server) apply(ev controller.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev := ev.(type) {
	case controller.ProgressEvent:
		if ev.RunID != s.status.RunID {
			return
		}
		s.status.Stage = ev.Stage.String()
		s.status.Current = ev.Current
		s.status.Total = ev.Total
		s.status.Message = ev.Message
	case controller.OutcomeEvent:
		if ev.RunID != s.status.RunID {
			return
		}
		s.status.Running = false
		outcome := &OutcomeResponse{
			Status:     ev.Status.String(),
			OutputPath: ev.OutputPath,
			Message:    controller.Describe(ev.Outcome),
		}
		if ev.Err != nil {
			outcome.Error = ev.Err.Error()
		}
		s.status.Outcome = outcome
		s.status.Message = outcome.Message
	}
}

func (s *Server) HandleConvert(w http.ResponseWriter, r *http.Request) {
	defer func() {
		io.Copy(io.Discard, r.Body) // Drain any remaining parts of the body
		r.Body.Close()
	}()

	var req ConvertRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		slog.Warn("Failed to parse convert request", "error", err)
		writeJSONError(w, "Invalid JSON body", err.Error(), http.StatusBadRequest)
		return
	}

	if err := (converter.Request{Title: req.Title, Folder: req.Folder}).Validate(); err != nil {
		writeJSONError(w, "Title and folder are required", err.Error(), http.StatusBadRequest)
		return
	}
	if info, err := os.Stat(req.Folder); err != nil || !info.IsDir() {
		writeJSONError(w, "Folder is not a directory", req.Folder, http.StatusBadRequest)
		return
	}

	// Holding mu across Start keeps the state update and the snapshot consistent with
	// concurrent requests and with events of the new run.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl.Running() {
		writeJSONError(w, "A conversion is already running", s.status.RunID, http.StatusConflict)
		return
	}
	state := s.ctrl.State()
	state.SetTitle(req.Title)
	state.SetFolder(req.Folder)

	snapshot, id, err := s.ctrl.Start()
	if err != nil {
		switch {
		case errors.Is(err, controller.ErrBusy):
			writeJSONError(w, "A conversion is already running", s.status.RunID, http.StatusConflict)
		case errors.Is(err, controller.ErrNotReady):
			writeJSONError(w, "Title and folder are required", err.Error(), http.StatusBadRequest)
		default:
			slog.Error("Failed to start conversion", "error", err)
			writeJSONError(w, "Failed to start conversion", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	s.status = StatusResponse{
		Running: true,
		RunID:   id,
		Title:   snapshot.Title,
		Folder:  snapshot.Folder,
		Message: controller.MessageProcessing,
	}
	slog.Info("Conversion started via API", "run", id, "title", snapshot.Title, "folder", snapshot.Folder)
	writeJSON(w, ConvertResponse{RunID: id, OutputPath: snapshot.OutputPath()}, http.StatusAccepted)
}

func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.ctrl.Cancel()
	writeJSON(w, map[string]bool{"cancelled": cancelled}, http.StatusOK)
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.status
	if status.Outcome != nil {
		outcome := *status.Outcome
		status.Outcome = &outcome
	}
	s.mu.Unlock()
	writeJSON(w, status, http.StatusOK)
}
