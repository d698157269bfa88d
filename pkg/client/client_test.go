package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpjmd/Kinetix/pkg/api/problem"
	"github.com/kpjmd/Kinetix/pkg/spend"
)

func TestDo_DecodesProblem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		problem.NotFound(w, r, "commitment cmt_x not found")
	}))
	defer srv.Close()

	_, err := New(srv.URL).Status(context.Background(), "cmt_x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	require.NotNil(t, apiErr.Problem)
	assert.Equal(t, "commitment cmt_x not found", apiErr.Problem.Detail)
	assert.Contains(t, err.Error(), "404")
}

func TestDo_NonProblemError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Health(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Nil(t, apiErr.Problem)
	assert.Equal(t, "kinetix api 502", err.Error())
}

func TestApprove_SendsTokenAndBody(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(spend.Approval{ID: "apr_1", Status: spend.ApprovalApproved, ApprovedBy: "alice"})
	}))
	defer srv.Close()

	a, err := New(srv.URL+"/", WithToken("tok")).Approve(context.Background(), "apr_1", "fine")
	require.NoError(t, err)
	assert.Equal(t, spend.ApprovalApproved, a.Status)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/v1/spend/approvals/apr_1/approve", gotPath)
	assert.Equal(t, "fine", gotBody["note"])
}

func TestValidateSpend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req spend.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Amount.Equal(decimal.RequireFromString("0.25")))
		_ = json.NewEncoder(w).Encode(spend.Decision{Outcome: spend.OutcomeApproved, Approved: true, USDValue: req.Amount})
	}))
	defer srv.Close()

	d, err := New(srv.URL).ValidateSpend(context.Background(), spend.Request{
		Asset: "usdc", Amount: decimal.RequireFromString("0.25"), Recipient: "0xabc",
	})
	require.NoError(t, err)
	assert.True(t, d.Approved)
}
