package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/invigil-io/invigil/internal/proctor/service"
	"github.com/invigil-io/invigil/internal/proctor/store"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// maxRequestBody caps request body sizes.  The largest body (an event
// with a description and evidence ref) stays well under 4 KiB.
const maxRequestBody = 4096

type Dependencies struct {
	Logger   *log.Logger
	Addr     string
	Sessions *service.Service
	Reports  *service.Reporter
}

type Server struct {
	httpServer *http.Server
	logger     *log.Logger
	mux        *http.ServeMux
	sessions   *service.Service
	reports    *service.Reporter
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:   d.Logger,
		mux:      mux,
		sessions: d.Sessions,
		reports:  d.Reports,
	}

	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/sessions/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/sessions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/sessions/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /v1/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /v1/sessions/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/sessions/{id}/report", s.handleReport)
	mux.HandleFunc("POST /v1/sessions/{id}/decision", s.handleDecision)
	mux.HandleFunc("POST /v1/events/{id}/review", s.handleReview)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.StudentID, req.ExamID)
	if err != nil {
		s.writeServiceError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Submit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req types.EventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.sessions.Ingest(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeServiceError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	err := s.sessions.Pulse(r.Context(), r.PathValue("id"), req.ObservedStatus)
	if err != nil {
		// A heartbeat for an ended session is Gone, not Conflict: the
		// client should stop pulsing.
		if errors.Is(err, service.ErrStaleSession) {
			writeError(w, http.StatusGone, "session_ended", "session is no longer monitored")
			return
		}
		s.writeServiceError(w, "heartbeat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.BuildReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req types.DecisionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	decision, ok := types.ParseDecision(req.Decision)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_decision", "unknown decision "+req.Decision)
		return
	}

	sess, err := s.sessions.SetDecision(r.Context(), r.PathValue("id"), decision)
	if err != nil {
		s.writeServiceError(w, "decision", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req types.ReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.sessions.Review(r.Context(), r.PathValue("id"), req.Reviewed, req.FalsePositive); err != nil {
		s.writeServiceError(w, "review", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "no such session")
	case errors.Is(err, store.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event_not_found", "no such event")
	case errors.Is(err, service.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "malformed_event", err.Error())
	case errors.Is(err, service.ErrStaleSession):
		writeError(w, http.StatusConflict, "stale_session", "session is not accepting events")
	case errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, service.ErrDecisionAlreadySet):
		writeError(w, http.StatusConflict, "decision_already_set", "decision may be written exactly once")
	case errors.Is(err, service.ErrVerificationFailed):
		writeError(w, http.StatusUnprocessableEntity, "verification_failed", err.Error())
	case errors.Is(err, service.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue_full", "session event queue is full, retry")
	default:
		s.logger.Printf("%s error: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
