package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kpjmd/Kinetix/pkg/api/problem"
	"github.com/kpjmd/Kinetix/pkg/attestation"
	"github.com/kpjmd/Kinetix/pkg/auth"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/spend"
)

// Manifest describes the service to agents discovering it.
type Manifest struct {
	Service           string                  `json:"service"`
	Version           string                  `json:"version"`
	IssuerAddress     string                  `json:"issuer_address"`
	SigningDomain     contracts.SigningDomain `json:"signing_domain"`
	VerificationTypes map[string]any          `json:"verification_types"`
	Platforms         []string                `json:"platforms"`
	Endpoints         map[string]string       `json:"endpoints"`
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	types := map[string]any{}
	if s.deps.Schemas != nil {
		for vt, schema := range s.deps.Schemas.Schemas() {
			types[vt] = schema
		}
	}
	writeJSON(w, http.StatusOK, Manifest{
		Service:           "Kinetix",
		Version:           s.cfg.Version,
		IssuerAddress:     s.deps.Verifier.IssuerAddress(),
		SigningDomain:     s.cfg.Domain,
		VerificationTypes: types,
		Platforms:         s.deps.Verifier.Platforms(),
		Endpoints: map[string]string{
			"create":             "POST /api/v1/verify",
			"status":             "GET /api/v1/verification/{id}/status",
			"evidence":           "POST /api/v1/verification/{id}/evidence",
			"attestation":        "GET /api/v1/attestation/{receipt_id}",
			"verify_attestation": "POST /api/v1/attestation/verify",
		},
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateVerificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.deps.Verifier.Create(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Verifier.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	var item contracts.Evidence
	if !decodeBody(w, r, &item) {
		return
	}
	view, err := s.deps.Verifier.AddEvidence(r.Context(), chi.URLParam(r, "id"), item)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleGetAttestation(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Verifier.GetAttestation(r.Context(), chi.URLParam(r, "receipt_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// VerifyResponse reports a receipt check. TrustedIssuer is set when the
// receipt was signed by this service's key.
type VerifyResponse struct {
	attestation.Result
	TrustedIssuer bool `json:"trusted_issuer"`
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var opts []attestation.VerifyOption
	if issuer := r.URL.Query().Get("issuer"); issuer != "" {
		opts = append(opts, attestation.WithExpectedIssuer(issuer))
	}
	res := attestation.VerifyJSON(body, opts...)
	writeJSON(w, http.StatusOK, VerifyResponse{
		Result:        res,
		TrustedIssuer: res.Valid && strings.EqualFold(res.Signer, s.deps.Verifier.IssuerAddress()),
	})
}

func (s *Server) handleSpendValidate(w http.ResponseWriter, r *http.Request) {
	var req spend.Request
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.deps.Spend.Validate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSpendReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Spend.Report(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	var statuses []spend.ApprovalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, spend.ApprovalStatus(strings.TrimSpace(st)))
		}
	}
	list, err := s.deps.Spend.Approvals(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*spend.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

type approvalDecision struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

func (s *Server) approvalAction(w http.ResponseWriter, r *http.Request) (string, string, approvalDecision, bool) {
	p, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		problem.Unauthorized(w, r, "")
		return "", "", approvalDecision{}, false
	}
	var body approvalDecision
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return "", "", approvalDecision{}, false
	}
	return chi.URLParam(r, "id"), p.ID, body, true
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, approver, body, ok := s.approvalAction(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Spend.Approve(r.Context(), id, approver, body.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "spend approval granted", "approval_id", id, "approver", approver)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, approver, body, ok := s.approvalAction(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Spend.Reject(r.Context(), id, approver, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "spend approval rejected", "approval_id", id, "approver", approver)
	writeJSON(w, http.StatusOK, a)
}
