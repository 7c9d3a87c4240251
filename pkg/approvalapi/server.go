// Package approvalapi exposes the approval store over HTTP for human
// reviewers: list pending requests, inspect one, approve or reject, and
// sweep stale requests.
package approvalapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sentire-labs/trustgate/pkg/approval"
)

// Server serves the approvals API.
type Server struct {
	store    approval.Store
	verifier *approval.TokenVerifier // optional; enables signed decisions
	logger   *slog.Logger
}

// New creates a Server. A nil verifier disables the signed-decision path;
// decisions then carry decided-by from the request body.
func New(store approval.Store, verifier *approval.TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, verifier: verifier, logger: logger}
}

// Routes mounts the API on a chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/approvals/pending", s.handlePending)
	r.Get("/approvals/{id}", s.handleGet)
	r.Post("/approvals/{id}/approve", s.decisionHandler(approval.DecisionApprove))
	r.Post("/approvals/{id}/reject", s.decisionHandler(approval.DecisionReject))
	r.Post("/approvals/sweep", s.handleSweep)
	return r
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requests, err := s.store.GetPendingRequests(r.Context(), approval.PendingFilter{
		Domain:       q.Get("domain"),
		WorkflowName: q.Get("workflow"),
		RunID:        q.Get("run_id"),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, approval.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{"request": req}
	if d, err := s.store.GetDecision(r.Context(), req.ID); err == nil {
		resp["decision"] = d
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type decisionBody struct {
	DecidedBy string `json:"decided_by"`
	Notes     string `json:"notes"`
	Token     string `json:"token"`
}

func (s *Server) decisionHandler(kind approval.DecisionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body decisionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}

		var d *approval.Decision
		var err error
		if s.verifier != nil {
			if body.Token == "" {
				s.writeError(w, http.StatusUnauthorized, errors.New("decision token required"))
				return
			}
			d, err = approval.CreateSignedDecision(r.Context(), s.store, s.verifier, body.Token)
		} else {
			d, err = s.store.CreateDecision(r.Context(), &approval.DecisionInput{
				RequestID: id,
				DecidedBy: body.DecidedBy,
				Decision:  kind,
				Notes:     body.Notes,
			})
		}

		switch {
		case errors.Is(err, approval.ErrNotFound):
			s.writeError(w, http.StatusNotFound, err)
		case errors.Is(err, approval.ErrAlreadyDecided):
			s.writeError(w, http.StatusConflict, err)
		case errors.Is(err, approval.ErrExpired):
			s.writeError(w, http.StatusGone, err)
		case errors.Is(err, approval.ErrBadToken), errors.Is(err, approval.ErrInvalidRequest):
			s.writeError(w, http.StatusBadRequest, err)
		case err != nil:
			s.writeError(w, http.StatusInternalServerError, err)
		default:
			s.writeJSON(w, http.StatusCreated, map[string]any{"decision": d})
		}
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ExpireStaleRequests(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"expired": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}
