// Package httplog serves notification logs over HTTP and provides a client
// that reads remote logs section by section.
package httplog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/romshark/procflow"
)

// NewServer returns a router serving l:
//
//	GET /info           Info
//	GET /sections/{id}  Section, id is "first,last" or "current"
func NewServer(log *slog.Logger, l procflow.NotificationLog) http.Handler {
	s := &server{log: log, notificationLog: l}
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/info", s.handleInfo)
	r.Get("/sections/{id}", s.handleSection)
	return r
}

type server struct {
	log             *slog.Logger
	notificationLog procflow.NotificationLog
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := Info{SectionSize: s.notificationLog.SectionSize()}
	if rl, ok := s.notificationLog.(*procflow.RecordNotificationLog); ok {
		info.Application, info.PipelineID = rl.Application(), rl.PipelineID()
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *server) handleSection(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, CodeMalformedSectionID, err)
		return
	}
	section, err := s.notificationLog.Section(r.Context(), id)
	switch {
	case errors.Is(err, procflow.ErrMalformedSectionID):
		s.writeError(w, http.StatusBadRequest, CodeMalformedSectionID, err)
		return
	case errors.Is(err, procflow.ErrSectionMisaligned):
		s.writeError(w, http.StatusBadRequest, CodeSectionMisaligned, err)
		return
	case err != nil:
		s.log.Error("reading section",
			slog.String("section.id", id),
			slog.Any("err", err))
		s.writeError(w, http.StatusInternalServerError, "", errors.New("internal error"))
		return
	}
	s.writeJSON(w, http.StatusOK, encodeSection(section))
}

// Error codes of 400 responses.
const (
	CodeMalformedSectionID = "malformed_section_id"
	CodeSectionMisaligned  = "section_misaligned"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *server) writeError(w http.ResponseWriter, status int, code string, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("writing response", slog.Any("err", err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("took", time.Since(start)))
	})
}
