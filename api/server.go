// Package api is the operator HTTP surface over the queue and the confirmation gate.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"playbook-dispatcher/commands"
	"playbook-dispatcher/confirm"
	"playbook-dispatcher/dispatcher"
	"playbook-dispatcher/health"
	"playbook-dispatcher/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Callers identify themselves with these headers; authentication is left to
// whatever fronts the service.
const (
	HeaderRequester     = "X-Requester"
	HeaderRequesterName = "X-Requester-Name"
)

type Server struct {
	router *chi.Mux
	queue  *dispatcher.Queue
	gate   *confirm.Gate
}

// NewServer builds the router. ready backs /readyz.
func NewServer(q *dispatcher.Queue, g *confirm.Gate, ready func() bool) *Server {
	s := &Server{router: chi.NewRouter(), queue: q, gate: g}
	s.routes(ready)
	return s
}

func (s *Server) routes(ready func() bool) {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	health.Register(r, ready)
	metrics.Register(r)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queue", s.status)
		r.Get("/requesters/{requester}/requests", s.history)
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", s.submit)
			r.Get("/{id}", s.get)
			r.Delete("/{id}", s.cancel)
		})
		r.Post("/confirmations/{token}", s.resolve)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.RequesterHistory(chi.URLParam(r, "requester")))
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	req, ok := s.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, dispatcher.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type SubmitBody struct {
	Operation  string         `json:"operation"`
	Resource   string         `json:"resource"`
	Priority   string         `json:"priority,omitempty"`
	Origin     string         `json:"origin,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// submit stores the run behind a confirmation token; nothing is queued until
// the token is approved.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	requester := r.Header.Get(HeaderRequester)
	if requester == "" {
		writeError(w, http.StatusUnauthorized, "missing "+HeaderRequester+" header")
		return
	}
	var body SubmitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Operation == "" || body.Resource == "" {
		writeError(w, http.StatusBadRequest, "operation and resource are required")
		return
	}
	prio, err := dispatcher.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	origin := body.Origin
	if origin == "" {
		origin = "api:" + requester
	}
	p := commands.Prompt(s.gate, commands.RunRequest{
		Operation:     body.Operation,
		Resource:      body.Resource,
		Priority:      prio,
		RequesterName: r.Header.Get(HeaderRequesterName),
		Parameters:    body.Parameters,
	}, requester, origin)
	writeJSON(w, http.StatusAccepted, p)
}

type ResolveBody struct {
	Approved bool `json:"approved"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	requester := r.Header.Get(HeaderRequester)
	if requester == "" {
		writeError(w, http.StatusUnauthorized, "missing "+HeaderRequester+" header")
		return
	}
	var body ResolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	out, err := s.gate.Resolve(r.Context(), chi.URLParam(r, "token"), body.Approved, requester)
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if out.Status == confirm.OutcomeFailed {
		code = http.StatusConflict
	}
	writeJSON(w, code, out)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	requester := r.Header.Get(HeaderRequester)
	if requester == "" {
		requester = r.URL.Query().Get("requester")
	}
	req, err := s.queue.Cancel(chi.URLParam(r, "id"), requester)
	switch {
	case errors.Is(err, dispatcher.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatcher.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatcher.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, req)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("api: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("reqId", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("api: request")
	})
}
