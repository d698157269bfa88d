// Package api exposes the verification service and spend controller over
// HTTP. Every error response is an RFC 7807 problem document.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kpjmd/Kinetix/pkg/api/problem"
	"github.com/kpjmd/Kinetix/pkg/auth"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/spend"
	"github.com/kpjmd/Kinetix/pkg/verification"
)

const maxBodyBytes = 1 << 20

// Verifier is the verification surface the API serves.
type Verifier interface {
	Create(ctx context.Context, req *contracts.CreateVerificationRequest) (*contracts.CreateVerificationResponse, error)
	GetStatus(ctx context.Context, id string) (*contracts.StatusView, error)
	AddEvidence(ctx context.Context, id string, item contracts.Evidence) (*contracts.StatusView, error)
	GetAttestation(ctx context.Context, receiptID string) (*contracts.AttestationView, error)
	IssuerAddress() string
	Platforms() []string
}

// SpendController is the spend surface the API serves.
type SpendController interface {
	Validate(ctx context.Context, req spend.Request) (*spend.Decision, error)
	Report(ctx context.Context) (*spend.Report, error)
	Approvals(ctx context.Context, statuses ...spend.ApprovalStatus) ([]*spend.Approval, error)
	Approve(ctx context.Context, id, approver, note string) (*spend.Approval, error)
	Reject(ctx context.Context, id, approver, reason string) (*spend.Approval, error)
}

// SchemaSource publishes criteria schemas in the manifest.
type SchemaSource interface {
	Schemas() map[string]json.RawMessage
}

// Deps are the server's collaborators. Spend and Approvers may be nil:
// spend routes then answer 404 and approval routes 401.
type Deps struct {
	Verifier  Verifier
	Spend     SpendController
	Schemas   SchemaSource
	Approvers *auth.JWTValidator
	Logger    *slog.Logger
}

// Config tunes the server.
type Config struct {
	Version        string
	Domain         contracts.SigningDomain
	RateLimitRPS   int
	RateLimitBurst int
}

// Server is the HTTP surface.
type Server struct {
	deps    Deps
	cfg     Config
	limiter *IPRateLimiter
	router  chi.Router
	logger  *slog.Logger
}

// NewServer builds the router.
func NewServer(deps Deps, cfg Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = cfg.RateLimitRPS
		}
		s.limiter = NewIPRateLimiter(cfg.RateLimitRPS, burst)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(s.recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		problem.NotFound(w, r, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		problem.Error(w, r, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint")
	})

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/manifest", s.handleManifest)
		r.Post("/verify", s.handleCreate)
		r.Get("/verification/{id}/status", s.handleStatus)
		r.Post("/verification/{id}/evidence", s.handleAddEvidence)
		r.Get("/attestation/{receipt_id}", s.handleGetAttestation)
		r.Post("/attestation/verify", s.handleVerifyReceipt)

		r.Route("/spend", func(r chi.Router) {
			r.Use(s.requireSpend)
			r.Post("/validate", s.handleSpendValidate)
			r.Get("/report", s.handleSpendReport)
			r.Get("/approvals", s.handleListApprovals)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(s.deps.Approvers, auth.RoleSpendApprover))
				r.Post("/approvals/{id}/approve", s.handleApprove)
				r.Post("/approvals/{id}/reject", s.handleReject)
			})
		})
	})
	return r
}

// echoRequestID copies chi's request ID onto the response so problem
// documents and clients can quote it.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				problem.Internal(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireSpend(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Spend == nil {
			problem.NotFound(w, r, "spend controller is not enabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			problem.Error(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
			return nil, false
		}
		problem.BadRequest(w, r, "could not read request body")
		return nil, false
	}
	return body, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		problem.BadRequest(w, r, "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

// writeError maps domain errors to problem responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var inputErr *verification.InputError
	switch {
	case errors.As(err, &inputErr):
		problem.BadRequest(w, r, "invalid input", inputErr.Problems...)
	case errors.Is(err, verification.ErrInvalidInput), errors.Is(err, spend.ErrApproverRequired):
		problem.BadRequest(w, r, err.Error())
	case errors.Is(err, verification.ErrNotFound), errors.Is(err, spend.ErrApprovalNotFound):
		problem.NotFound(w, r, err.Error())
	case errors.Is(err, verification.ErrConflict),
		errors.Is(err, verification.ErrNotScored),
		errors.Is(err, spend.ErrInvalidTransition):
		problem.Conflict(w, r, err.Error())
	default:
		problem.Internal(w, r, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.cfg.Version,
		"timestamp": time.Now().UTC(),
	})
}
