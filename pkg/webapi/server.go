// Package webapi exposes the operator surface over HTTP: answering
// escalations, reactivating handed-off conversations, and inspecting queue
// and dispatcher state.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zapflow/pkg/dispatch"
	"zapflow/pkg/escalation"
	"zapflow/pkg/logx"
	"zapflow/pkg/metrics"
	"zapflow/pkg/queue"
	"zapflow/pkg/scoring"
	"zapflow/pkg/store"
)

// Server is the operator HTTP API.
type Server struct {
	store      *store.Store
	queue      *queue.Queue
	protocol   *escalation.Protocol
	dispatcher *dispatch.Dispatcher
	scorer     scoring.Scorer
	logger     *logx.Logger

	http *http.Server
}

// New builds the server on addr with all routes mounted.
func New(addr string, st *store.Store, q *queue.Queue, protocol *escalation.Protocol, d *dispatch.Dispatcher, scorer scoring.Scorer, m *metrics.Metrics) *Server {
	s := &Server{
		store:      st,
		queue:      q,
		protocol:   protocol,
		dispatcher: d,
		scorer:     scorer,
		logger:     logx.NewLogger("webapi"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/escalations", s.handleListEscalations)
		r.Post("/escalations/{id}/respond", s.handleRespond)
		r.Get("/conversations/idle", s.handleIdleConversations)
		r.Post("/conversations/{id}/reactivate", s.handleReactivate)
		r.Get("/deadletters", s.handleDeadLetters)
		r.Get("/knowledge", s.handleKnowledge)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Operator API listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dispatcher.Stats(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.failMsg(w, http.StatusBadRequest, "missing tenant query parameter")
		return
	}
	records, err := s.store.ListPendingEscalations(r.Context(), tenantID)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": records})
}

type respondRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.failMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Answer == "" {
		s.failMsg(w, http.StatusBadRequest, "missing answer")
		return
	}

	if err := s.protocol.Answer(r.Context(), id, req.Answer); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.failMsg(w, http.StatusNotFound, "escalation not found")
			return
		}
		s.fail(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered", "id": id})
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.protocol.Reactivate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.failMsg(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reactivated", "id": id})
}

// idleConversation pairs a stale conversation with its last inbound text and
// the scorer's temperature, so an operator can pick which leads to chase.
type idleConversation struct {
	*store.Conversation
	LastInbound string              `json:"last_inbound"`
	Temperature scoring.Temperature `json:"temperature"`
}

func (s *Server) handleIdleConversations(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.failMsg(w, http.StatusBadRequest, "missing tenant query parameter")
		return
	}
	idle := time.Hour
	if raw := r.URL.Query().Get("idle"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.failMsg(w, http.StatusBadRequest, "invalid idle duration")
			return
		}
		idle = d
	}

	convs, err := s.store.ListIdleConversations(r.Context(), tenantID, time.Now().UTC().Add(-idle))
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]idleConversation, 0, len(convs))
	for _, conv := range convs {
		last, err := s.store.LastInboundContent(r.Context(), conv.ID)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, idleConversation{
			Conversation: conv,
			LastInbound:  last,
			Temperature:  s.scorer.Score([]string{last}),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.failMsg(w, http.StatusBadRequest, "missing tenant query parameter")
		return
	}
	letters, err := s.queue.DeadLetters(r.Context(), tenantID)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.failMsg(w, http.StatusBadRequest, "missing tenant query parameter")
		return
	}
	entries, err := s.store.ListKnowledge(r.Context(), tenantID)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge": entries})
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	s.logger.Error("Request failed: %v", err)
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) failMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
