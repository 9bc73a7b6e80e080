// Package api exposes a small HTTP surface for operators and external
// services: ticket submission and inspection for headless clients, plus a
// health endpoint for load balancers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/crucible-gg/crucible/internal/matchmaker"
	"github.com/crucible-gg/crucible/internal/session"
)

// Server wraps the HTTP listener around the matchmaker and session registries.
type Server struct {
	Name   string
	Logger *logrus.Logger

	Addr       string
	Sessions   *session.Manager
	Matchmaker *matchmaker.Matchmaker

	once   sync.Once
	server *http.Server
}

type ticketRequest struct {
	Mode    string   `json:"mode"`
	Members []string `json:"members"`
	Skill   float64  `json:"skill"`
}

type ticketResponse struct {
	ID          string    `json:"id"`
	PartyID     string    `json:"party_id"`
	Mode        string    `json:"mode"`
	Members     []string  `json:"members"`
	Skill       float64   `json:"skill"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/tickets", func(r chi.Router) {
		r.Post("/", s.handleCreateTicket)
		r.Get("/{ticketID}", s.handleGetTicket)
		r.Delete("/{ticketID}", s.handleDeleteTicket)
	})
	return r
}

// Start launches the HTTP listener and a goroutine that shuts it down when
// the context is cancelled.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	s.once.Do(func() {
		s.server = &http.Server{Addr: s.Addr, Handler: s.router()}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Logger.Printf("[%s] waiting for requests on %v", s.Name, s.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Errorf("[%s] listener error: %s", s.Name, err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		s.Logger.Infof("[%s] listener exited", s.Name)
	}()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.Sessions.Count(),
	})
}

// handleCreateTicket accepts a matchmaking ticket from a headless client. The
// members are opaque identifiers to the matchmaker; tickets created this way
// are not tied to a live party.
func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}
	if req.Mode == "" || len(req.Members) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("mode and members are required"))
		return
	}

	ticket, err := s.Matchmaker.EnqueueTicket(uuid.New().String(), req.Mode, req.Members, req.Skill)
	if err != nil {
		if errors.Is(err, matchmaker.ErrUnknownMode) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(ticket))
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.Matchmaker.QueryStatus(chi.URLParam(r, "ticketID"))
	if err != nil {
		if errors.Is(err, matchmaker.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(ticket))
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.Matchmaker.CancelTicket(chi.URLParam(r, "ticketID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toResponse(ticket))
	case errors.Is(err, matchmaker.ErrTicketNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, matchmaker.ErrAlreadyMatched), errors.Is(err, matchmaker.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func toResponse(ticket matchmaker.Ticket) ticketResponse {
	return ticketResponse{
		ID:          ticket.ID,
		PartyID:     ticket.PartyID,
		Mode:        ticket.Mode,
		Members:     ticket.Members,
		Skill:       ticket.Skill,
		Status:      ticket.Status.String(),
		SubmittedAt: ticket.SubmittedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
