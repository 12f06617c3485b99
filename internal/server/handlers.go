package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/task"
)

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

// JobResponse acknowledges an accepted submission.
type JobResponse struct {
	Token     task.Token       `json:"token"`
	Requester task.RequesterID `json:"requester"`
}

// QueuedResponse lists a requester's queued tokens.
type QueuedResponse struct {
	Requester task.RequesterID `json:"requester"`
	Tokens    []task.Token     `json:"tokens"`
}

// CancelResponse reports whether a cancel request changed anything.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ErrorResponse carries a failed request's message.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: s.cfg.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"stats": s.svc.Stats(),
			"info":  s.svc.Info(),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) queuedHandler(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterParam(r)
	if err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	tokens := s.svc.Queued(requester)
	if tokens == nil {
		tokens = []task.Token{}
	}
	writeJSON(w, http.StatusOK, QueuedResponse{Requester: requester, Tokens: tokens})
}

// submitHandler enqueues one uploaded image.
func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterParam(r)
	if err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, r, "File too large", http.StatusRequestEntityTooLarge)
		} else {
			writeError(w, r, "Failed to parse form data", http.StatusBadRequest)
		}
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, "No image file provided", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, "Failed to read image data", http.StatusInternalServerError)
		return
	}
	uploadSizeBytes.Observe(float64(len(data)))

	opts, err := formOptions(r)
	if err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	params := s.svc.DefaultParams()
	if err := opts.Apply(&params); err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	token := s.svc.EnqueueData(requester, data, &params)
	if token == task.InvalidToken {
		jobSubmissionsTotal.WithLabelValues("http", "rejected").Inc()
		writeError(w, r, "Job rejected", http.StatusBadRequest)
		return
	}
	jobSubmissionsTotal.WithLabelValues("http", "accepted").Inc()
	slog.Debug("Job submitted", "requester", requester, "token", token, "bytes", len(data),
		"request_id", RequestID(r.Context()))
	writeJSON(w, http.StatusAccepted, JobResponse{Token: token, Requester: requester})
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterParam(r)
	if err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	raw := r.PathValue("token")
	token, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, r, fmt.Sprintf("invalid token %q", raw), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: s.svc.Cancel(requester, task.Token(token))})
}

func (s *Server) cancelAllHandler(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterParam(r)
	if err != nil {
		writeError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: s.svc.CancelAll(requester)})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "too large")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, RequestID: RequestID(r.Context())})
}
