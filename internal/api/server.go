package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tuner/internal/history"
	"tuner/internal/logger"
	"tuner/internal/pipeline"
	"tuner/internal/supervisor"
)

const defaultEventInterval = 2 * time.Second

// Pipeline is the part of the supervisor the HTTP surface drives.
type Pipeline interface {
	Start(ctx context.Context, cfg pipeline.Config) (string, error)
	Stop(ctx context.Context) error
	Status() supervisor.Snapshot
}

type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
}

type Server struct {
	// EventInterval is the period of the training_status event stream.
	EventInterval time.Duration

	pipeline Pipeline
	history  HistoryLister
	prepare  func(pipeline.Config) pipeline.Config
	log      *log.Logger
}

// StartResponse is returned by POST /api/train/start and /stop.
type StartResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// New builds the server. prepare, if set, adjusts every start request before
// it reaches the pipeline (environment defaults for the Hub repo and token).
func New(p Pipeline, h HistoryLister, prepare func(pipeline.Config) pipeline.Config) *Server {
	return &Server{
		EventInterval: defaultEventInterval,
		pipeline:      p,
		history:       h,
		prepare:       prepare,
		log:           logger.Log,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/train", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/status", s.handleStatus)
		r.Get("/models", s.handleModels)
		r.Get("/history", s.handleHistory)
	})
	r.Get("/api/events", s.handleEvents)
	return r
}

// POST /api/train/start -> run a new pipeline
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg pipeline.Config
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid training config: %v", err))
		return
	}
	if s.prepare != nil {
		cfg = s.prepare(cfg)
	}

	runID, err := s.pipeline.Start(r.Context(), cfg)
	var cerr *pipeline.ConfigurationError
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.As(err, &cerr):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.log.Printf("[API] start failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{Status: "success", Message: "Training started", RunID: runID})
}

// POST /api/train/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{Status: "success", Message: "Training stop signal sent"})
}

// GET /api/train/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

// GET /api/train/models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"models": pipeline.Models()})
}

// GET /api/train/history?limit=N
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]history.Run{"runs": runs})
}

// GET /api/events -> server-sent training_status events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	interval := s.EventInterval
	if interval <= 0 {
		interval = defaultEventInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		data, err := json.Marshal(s.pipeline.Status())
		if err != nil {
			s.log.Printf("[API] encode status event: %v", err)
		} else if _, err := fmt.Fprintf(w, "event: training_status\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Detail: msg})
}
