package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/escrow"
)

// EngineService is the escrow engine surface the handlers call.
type EngineService interface {
	CreateJob(ctx context.Context, caller string, params escrow.CreateParams) (escrow.Job, error)
	AcceptJob(ctx context.Context, caller, jobID string) (escrow.Job, error)
	CompleteJob(ctx context.Context, caller, jobID string) (escrow.Job, error)
	CancelJob(ctx context.Context, caller, jobID string) (escrow.Job, error)
	DisputeJob(ctx context.Context, caller, jobID string) (escrow.Job, error)
	ResolveDispute(ctx context.Context, caller, jobID string) (escrow.Job, error)
	ExtendDeadline(ctx context.Context, caller, jobID string, newDeadline time.Time) (escrow.Job, error)
	GetJob(ctx context.Context, jobID string) (escrow.Job, error)
	AgentJobs(ctx context.Context, agentID string) ([]string, error)
	JobEvents(ctx context.Context, jobID string) ([]escrow.AuditEvent, error)
}

// AuthService issues and verifies caller identities.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// AccountService exposes the custody boundary used by the API.
type AccountService interface {
	Deposit(ctx context.Context, accountID string, amount int64) error
	Balance(ctx context.Context, accountID string) (int64, error)
}

// Server wires the HTTP surface. All invariants live behind the services;
// handlers translate transport only.
type Server struct {
	authService    AuthService
	engine         EngineService
	accountService AccountService
}

type ctxKey string

const callerKey ctxKey = "caller"

// Routes assembles the chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/jobs", s.handleCreateJob)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Get("/jobs/{jobID}/events", s.handleJobEvents)
			r.Post("/jobs/{jobID}/accept", s.handleAcceptJob)
			r.Post("/jobs/{jobID}/complete", s.handleCompleteJob)
			r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
			r.Post("/jobs/{jobID}/dispute", s.handleDisputeJob)
			r.Post("/jobs/{jobID}/resolve", s.handleResolveDispute)
			r.Post("/jobs/{jobID}/deadline", s.handleExtendDeadline)
			r.Get("/agents/{agentID}/jobs", s.handleAgentJobs)
			r.Post("/accounts/deposit", s.handleDeposit)
			r.Get("/accounts/balance", s.handleBalance)
		})
	})

	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeErrorStatus(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, _, err := s.authService.VerifyToken(token)
		if err != nil {
			writeErrorStatus(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, userID)))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(callerKey).(string)
	return id
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:        user.ID,
		Email:     user.Email,
		FullName:  user.FullName,
		Role:      string(user.Role),
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   result.Token,
		"user_id": result.User.ID,
		"role":    result.User.Role,
	})
}

type createJobRequest struct {
	WorkerID        string `json:"worker_id"`
	Amount          int64  `json:"amount"`
	DurationSeconds int64  `json:"duration_seconds"`
	Descriptor      string `json:"descriptor"`
}

type jobResponse struct {
	ID          string  `json:"id"`
	ClientID    string  `json:"client_id"`
	WorkerID    *string `json:"worker_id,omitempty"`
	Amount      int64   `json:"amount"`
	Descriptor  string  `json:"descriptor"`
	Status      string  `json:"status"`
	Deadline    string  `json:"deadline"`
	MaxDeadline string  `json:"max_deadline"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func toJobResponse(job escrow.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		ClientID:    job.Client,
		WorkerID:    job.Worker,
		Amount:      job.Amount,
		Descriptor:  job.Descriptor,
		Status:      string(job.Status),
		Deadline:    job.Deadline.Format(time.RFC3339),
		MaxDeadline: job.MaxDeadline.Format(time.RFC3339),
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.engine.CreateJob(r.Context(), callerID(r), escrow.CreateParams{
		Worker:     req.WorkerID,
		Amount:     req.Amount,
		Duration:   time.Duration(req.DurationSeconds) * time.Second,
		Descriptor: req.Descriptor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) jobAction(action func(ctx context.Context, caller, jobID string) (escrow.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := action(r.Context(), callerID(r), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

func (s *Server) handleAcceptJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(s.engine.AcceptJob)(w, r)
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(s.engine.CompleteJob)(w, r)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(s.engine.CancelJob)(w, r)
}

func (s *Server) handleDisputeJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(s.engine.DisputeJob)(w, r)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	s.jobAction(s.engine.ResolveDispute)(w, r)
}

type extendDeadlineRequest struct {
	Deadline string `json:"deadline"`
}

func (s *Server) handleExtendDeadline(w http.ResponseWriter, r *http.Request) {
	var req extendDeadlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "deadline must be RFC3339")
		return
	}
	job, err := s.engine.ExtendDeadline(r.Context(), callerID(r), chi.URLParam(r, "jobID"), deadline)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

type auditEventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	ActorID   *string         `json:"actor_id,omitempty"`
	Amount    *int64          `json:"amount,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.JobEvents(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, auditEventResponse{
			Seq:       ev.Seq,
			Type:      ev.Type,
			ActorID:   ev.ActorID,
			Amount:    ev.Amount,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentJobs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.AgentJobs(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_ids": ids})
}

type depositRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.accountService.Deposit(r.Context(), callerID(r), req.Amount); err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.accountService.Balance(r.Context(), callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.accountService.Balance(r.Context(), callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain failures onto HTTP statuses. Every abort kind stays
// distinguishable to the caller.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrValidation), errors.Is(err, custody.ErrInvalidAmount):
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeErrorStatus(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrInvalidState):
		writeErrorStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrTiming):
		writeErrorStatus(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, escrow.ErrJobNotFound), errors.Is(err, custody.ErrAccountNotFound), errors.Is(err, auth.ErrUserNotFound):
		writeErrorStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, custody.ErrInsufficientFunds):
		writeErrorStatus(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, custody.ErrTransferRejected):
		writeErrorStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeErrorStatus(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeErrorStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrWeakPassword):
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
	default:
		writeErrorStatus(w, http.StatusInternalServerError, "internal error")
	}
}
