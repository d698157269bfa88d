// Package client is a typed Go client for the Kinetix HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kpjmd/Kinetix/pkg/api"
	"github.com/kpjmd/Kinetix/pkg/api/problem"
	"github.com/kpjmd/Kinetix/pkg/contracts"
	"github.com/kpjmd/Kinetix/pkg/spend"
)

// APIError is returned for non-2xx responses. Problem is nil when the body
// was not a problem document.
type APIError struct {
	Status  int
	Problem *problem.Detail
}

func (e *APIError) Error() string {
	if e.Problem != nil && e.Problem.Detail != "" {
		return fmt.Sprintf("kinetix api %d: %s", e.Status, e.Problem.Detail)
	}
	return fmt.Sprintf("kinetix api %d", e.Status)
}

// Client calls a Kinetix server.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var p problem.Detail
		if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Status != 0 {
			apiErr.Problem = &p
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Manifest calls GET /api/v1/manifest.
func (c *Client) Manifest(ctx context.Context) (*api.Manifest, error) {
	var out api.Manifest
	if err := c.do(ctx, http.MethodGet, "/api/v1/manifest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateVerification calls POST /api/v1/verify.
func (c *Client) CreateVerification(ctx context.Context, req *contracts.CreateVerificationRequest) (*contracts.CreateVerificationResponse, error) {
	var out contracts.CreateVerificationResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status calls GET /api/v1/verification/{id}/status.
func (c *Client) Status(ctx context.Context, id string) (*contracts.StatusView, error) {
	var out contracts.StatusView
	if err := c.do(ctx, http.MethodGet, "/api/v1/verification/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitEvidence calls POST /api/v1/verification/{id}/evidence.
func (c *Client) SubmitEvidence(ctx context.Context, id string, item contracts.Evidence) (*contracts.StatusView, error) {
	var out contracts.StatusView
	if err := c.do(ctx, http.MethodPost, "/api/v1/verification/"+url.PathEscape(id)+"/evidence", item, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attestation calls GET /api/v1/attestation/{receipt_id}.
func (c *Client) Attestation(ctx context.Context, receiptID string) (*contracts.AttestationView, error) {
	var out contracts.AttestationView
	if err := c.do(ctx, http.MethodGet, "/api/v1/attestation/"+url.PathEscape(receiptID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyReceipt calls POST /api/v1/attestation/verify with the raw receipt.
func (c *Client) VerifyReceipt(ctx context.Context, raw []byte) (*api.VerifyResponse, error) {
	var out api.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/attestation/verify", raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateSpend calls POST /api/v1/spend/validate.
func (c *Client) ValidateSpend(ctx context.Context, req spend.Request) (*spend.Decision, error) {
	var out spend.Decision
	if err := c.do(ctx, http.MethodPost, "/api/v1/spend/validate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SpendReport calls GET /api/v1/spend/report.
func (c *Client) SpendReport(ctx context.Context) (*spend.Report, error) {
	var out spend.Report
	if err := c.do(ctx, http.MethodGet, "/api/v1/spend/report", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve calls POST /api/v1/spend/approvals/{id}/approve. The client
// token must carry the spend_approver role.
func (c *Client) Approve(ctx context.Context, id, note string) (*spend.Approval, error) {
	var out spend.Approval
	body := map[string]string{"note": note}
	if err := c.do(ctx, http.MethodPost, "/api/v1/spend/approvals/"+url.PathEscape(id)+"/approve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reject calls POST /api/v1/spend/approvals/{id}/reject.
func (c *Client) Reject(ctx context.Context, id, reason string) (*spend.Approval, error) {
	var out spend.Approval
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/api/v1/spend/approvals/"+url.PathEscape(id)+"/reject", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
