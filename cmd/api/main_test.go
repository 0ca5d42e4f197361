package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/escrow"
)

type stubAuthService struct {
	registerUser *auth.User
	registerErr  error
	loginResult  auth.LoginResult
	loginErr     error
	verifyUserID string
	verifyRole   auth.Role
	verifyErr    error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.registerUser, s.registerErr
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthService) VerifyToken(_ string) (string, auth.Role, error) {
	return s.verifyUserID, s.verifyRole, s.verifyErr
}

type stubEngine struct {
	job       escrow.Job
	err       error
	events    []escrow.AuditEvent
	agentJobs []string

	lastCaller string
	lastJobID  string
	lastParams escrow.CreateParams
}

func (s *stubEngine) CreateJob(_ context.Context, caller string, params escrow.CreateParams) (escrow.Job, error) {
	s.lastCaller, s.lastParams = caller, params
	return s.job, s.err
}

func (s *stubEngine) AcceptJob(_ context.Context, caller, jobID string) (escrow.Job, error) {
	s.lastCaller, s.lastJobID = caller, jobID
	return s.job, s.err
}

func (s *stubEngine) CompleteJob(_ context.Context, caller, jobID string) (escrow.Job, error) {
	s.lastCaller, s.lastJobID = caller, jobID
	return s.job, s.err
}

func (s *stubEngine) CancelJob(_ context.Context, caller, jobID string) (escrow.Job, error) {
	s.lastCaller, s.lastJobID = caller, jobID
	return s.job, s.err
}

func (s *stubEngine) DisputeJob(_ context.Context, caller, jobID string) (escrow.Job, error) {
	s.lastCaller, s.lastJobID = caller, jobID
	return s.job, s.err
}

func (s *stubEngine) ResolveDispute(_ context.Context, caller, jobID string) (escrow.Job, error) {
	s.lastCaller, s.lastJobID = caller, jobID
	return s.job, s.err
}

func (s *stubEngine) ExtendDeadline(_ context.Context, caller, jobID string, _ time.Time) (escrow.Job, error) {
	s.lastCaller, s.lastJobID = caller, jobID
	return s.job, s.err
}

func (s *stubEngine) GetJob(_ context.Context, jobID string) (escrow.Job, error) {
	s.lastJobID = jobID
	return s.job, s.err
}

func (s *stubEngine) AgentJobs(_ context.Context, _ string) ([]string, error) {
	return s.agentJobs, s.err
}

func (s *stubEngine) JobEvents(_ context.Context, jobID string) ([]escrow.AuditEvent, error) {
	s.lastJobID = jobID
	return s.events, s.err
}

type stubAccounts struct {
	balance    int64
	depositErr error
	balanceErr error
}

func (s *stubAccounts) Deposit(_ context.Context, _ string, _ int64) error {
	return s.depositErr
}

func (s *stubAccounts) Balance(_ context.Context, _ string) (int64, error) {
	return s.balance, s.balanceErr
}

func sampleJob(now time.Time) escrow.Job {
	worker := "worker-1"
	return escrow.Job{
		ID:          strings.Repeat("ab", 32),
		Client:      "client-1",
		Worker:      &worker,
		Amount:      1000,
		Descriptor:  strings.Repeat("cd", 32),
		Status:      escrow.StatusFunded,
		Deadline:    now.Add(24 * time.Hour),
		MaxDeadline: now.Add(54 * 24 * time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testServer(engine *stubEngine, accounts *stubAccounts) *Server {
	return &Server{
		authService:    &stubAuthService{verifyUserID: "client-1", verifyRole: auth.RoleClient},
		engine:         engine,
		accountService: accounts,
	}
}

func doRequest(t *testing.T, server *Server, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer token")
	}
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleCreateJob_Success(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine := &stubEngine{job: sampleJob(now)}
	server := testServer(engine, &stubAccounts{})

	rec := doRequest(t, server, http.MethodPost, "/api/jobs",
		`{"worker_id":"worker-1","amount":1000,"duration_seconds":86400,"descriptor":"`+strings.Repeat("cd", 32)+`"}`, true)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if engine.lastCaller != "client-1" {
		t.Fatalf("expected caller from token, got %q", engine.lastCaller)
	}
	if engine.lastParams.Duration != 24*time.Hour {
		t.Fatalf("expected duration 24h, got %s", engine.lastParams.Duration)
	}

	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "funded" || resp.Amount != 1000 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.Deadline != now.Add(24*time.Hour).Format(time.RFC3339) {
		t.Fatalf("unexpected deadline: %s", resp.Deadline)
	}
}

func TestHandleCreateJob_MissingToken(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{})

	rec := doRequest(t, server, http.MethodPost, "/api/jobs", `{"amount":1000}`, false)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCreateJob_InvalidToken(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{})
	server.authService = &stubAuthService{verifyErr: errors.New("expired")}

	rec := doRequest(t, server, http.MethodPost, "/api/jobs", `{"amount":1000}`, true)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCreateJob_InsufficientFunds(t *testing.T) {
	server := testServer(&stubEngine{err: custody.ErrInsufficientFunds}, &stubAccounts{})

	rec := doRequest(t, server, http.MethodPost, "/api/jobs", `{"amount":1000,"duration_seconds":60}`, true)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

func TestJobActions_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", escrow.ErrValidation, http.StatusBadRequest},
		{"unauthorized", escrow.ErrUnauthorized, http.StatusForbidden},
		{"invalid state", escrow.ErrInvalidState, http.StatusConflict},
		{"timing", escrow.ErrTiming, http.StatusUnprocessableEntity},
		{"not found", escrow.ErrJobNotFound, http.StatusNotFound},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := testServer(&stubEngine{err: tc.err}, &stubAccounts{})
			rec := doRequest(t, server, http.MethodPost, "/api/jobs/abc/accept", "", true)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestHandleAcceptJob_PassesIDs(t *testing.T) {
	now := time.Now().UTC()
	engine := &stubEngine{job: sampleJob(now)}
	server := testServer(engine, &stubAccounts{})
	server.authService = &stubAuthService{verifyUserID: "worker-1", verifyRole: auth.RoleWorker}

	rec := doRequest(t, server, http.MethodPost, "/api/jobs/"+strings.Repeat("ab", 32)+"/accept", "", true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if engine.lastCaller != "worker-1" || engine.lastJobID != strings.Repeat("ab", 32) {
		t.Fatalf("unexpected call: caller=%q jobID=%q", engine.lastCaller, engine.lastJobID)
	}
}

func TestHandleExtendDeadline_BadTimestamp(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{})

	rec := doRequest(t, server, http.MethodPost, "/api/jobs/abc/deadline", `{"deadline":"tomorrow"}`, true)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleJobEvents_Success(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	actor := "client-1"
	engine := &stubEngine{events: []escrow.AuditEvent{
		{Seq: 1, Type: escrow.EventJobCreated, ActorID: &actor, Payload: []byte(`{}`), CreatedAt: now},
		{Seq: 2, Type: escrow.EventJobAccepted, Payload: []byte(`{}`), CreatedAt: now},
	}}
	server := testServer(engine, &stubAccounts{})

	rec := doRequest(t, server, http.MethodGet, "/api/jobs/abc/events", "", true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload []auditEventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload) != 2 || payload[0].Seq != 1 || payload[1].Type != escrow.EventJobAccepted {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleAgentJobs_Success(t *testing.T) {
	engine := &stubEngine{agentJobs: []string{"j1", "j2"}}
	server := testServer(engine, &stubAccounts{})

	rec := doRequest(t, server, http.MethodGet, "/api/agents/client-1/jobs", "", true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.JobIDs) != 2 || payload.JobIDs[0] != "j1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleDeposit_Success(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{balance: 2500})

	rec := doRequest(t, server, http.MethodPost, "/api/accounts/deposit", `{"amount":2500}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Balance != 2500 {
		t.Fatalf("expected balance 2500, got %d", payload.Balance)
	}
}

func TestHandleDeposit_NonPositiveAmount(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{depositErr: custody.ErrInvalidAmount})

	rec := doRequest(t, server, http.MethodPost, "/api/accounts/deposit", `{"amount":0}`, true)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDeposit_AccountNotFound(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{depositErr: custody.ErrAccountNotFound})

	rec := doRequest(t, server, http.MethodPost, "/api/accounts/deposit", `{"amount":100}`, true)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{})
	server.authService = &stubAuthService{loginErr: auth.ErrInvalidCredentials}

	rec := doRequest(t, server, http.MethodPost, "/api/auth/login", `{"email":"a@b.c","password":"nope"}`, false)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleRegister_DuplicateEmail(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{})
	server.authService = &stubAuthService{registerErr: auth.ErrDuplicateEmail}

	rec := doRequest(t, server, http.MethodPost, "/api/auth/register",
		`{"email":"a@b.c","full_name":"A","password":"longenough","role":"client"}`, false)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	server := testServer(&stubEngine{}, &stubAccounts{})

	rec := doRequest(t, server, http.MethodGet, "/healthz", "", false)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
