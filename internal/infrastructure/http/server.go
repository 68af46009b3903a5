// Package http provides the HTTP server infrastructure.
// Clean Architecture: Framework/driver layer - outermost circle.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/catalog"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// tryAgain is the only failure text callers see for upstream errors.
const tryAgain = "The tutor is unavailable right now, please try again."

// Asker answers one question.
type Asker interface {
	Ask(ctx context.Context, req entities.QuestionRequest) (*entities.QuestionResponse, error)
}

// Curriculum lists the loaded chapter tables.
type Curriculum interface {
	ports.ChapterCatalog
	Subjects() []catalog.Subject
}

// Scope lists the class levels and languages a session may be opened for.
type Scope struct {
	ClassLevels []int
	Languages   []string
}

func (sc Scope) allows(classLevel int, language string) bool {
	classOK, langOK := false, false
	for _, c := range sc.ClassLevels {
		classOK = classOK || c == classLevel
	}
	for _, l := range sc.Languages {
		langOK = langOK || l == language
	}
	return classOK && langOK
}

// HealthCheck reports an upstream's state for /api/health.
type HealthCheck func() string

// Server is the HTTP server for the tutor API.
type Server struct {
	pipeline   Asker
	sessions   ports.SessionStore
	curriculum Curriculum
	scope      Scope
	gatherer   prometheus.Gatherer
	health     map[string]HealthCheck
	addr       string
	logger     *zap.Logger
}

// NewServer creates a new HTTP server. gatherer may be nil to omit /metrics.
func NewServer(pipeline Asker, sessions ports.SessionStore, curriculum Curriculum, scope Scope, gatherer prometheus.Gatherer,
	health map[string]HealthCheck, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pipeline:   pipeline,
		sessions:   sessions,
		curriculum: curriculum,
		scope:      scope,
		gatherer:   gatherer,
		health:     health,
		addr:       addr,
		logger:     logger,
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, corsMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/subjects", s.handleSubjects).Methods(http.MethodGet)
	api.HandleFunc("/chapters", s.handleChapters).Methods(http.MethodGet)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Generation alone may take a minute.
		WriteTimeout: 120 * time.Second,
	}

	s.logger.Info("coursetutor server starting", zap.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req entities.QuestionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.pipeline.Ask(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type createSessionRequest struct {
	ClassLevel int    `json:"class_level"`
	Subject    string `json:"subject"`
	Language   string `json:"language"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClassLevel <= 0 || strings.TrimSpace(req.Subject) == "" {
		writeError(w, http.StatusBadRequest, "class_level and subject are required")
		return
	}
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if req.Language == "" {
		req.Language = "en"
	}
	if !s.scope.allows(req.ClassLevel, req.Language) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported class level %d or language %q", req.ClassLevel, req.Language))
		return
	}

	sess := entities.ChatSession{
		ID:         uuid.NewString(),
		ClassLevel: req.ClassLevel,
		Subject:    req.Subject,
		Language:   req.Language,
	}
	if err := s.sessions.Create(r.Context(), sess); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	sess.Turns = []entities.ChatTurn{}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Load(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if sess.Turns == nil {
		sess.Turns = []entities.ChatTurn{}
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"subjects": s.curriculum.Subjects()})
}

func (s *Server) handleChapters(w http.ResponseWriter, r *http.Request) {
	classLevel, err := strconv.Atoi(r.URL.Query().Get("class_level"))
	subject := r.URL.Query().Get("subject")
	if err != nil || subject == "" {
		writeError(w, http.StatusBadRequest, "class_level and subject query parameters are required")
		return
	}
	chapters := s.curriculum.Chapters(classLevel, subject)
	if chapters == nil {
		chapters = []entities.Chapter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"class_level": classLevel,
		"subject":     subject,
		"chapters":    chapters,
	})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	upstreams := make(map[string]string, len(s.health))
	for name, check := range s.health {
		state := check()
		upstreams[name] = state
		if state == "open" {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             status,
		"upstreams":          upstreams,
		"curriculum_version": s.curriculum.Version(),
	})
}

// writeDomainError maps the error taxonomy onto status codes. Upstream detail is logged, never returned.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrSessionConflict):
		writeError(w, http.StatusConflict, "session is busy, please try again")
	case errors.Is(err, errs.ErrServiceUnavailable), errors.Is(err, context.DeadlineExceeded):
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, tryAgain)
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, tryAgain)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
