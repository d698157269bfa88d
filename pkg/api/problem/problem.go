// Package problem writes RFC 7807 problem detail responses.
package problem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// Detail is an RFC 7807 problem document. Errors carries per-field
// validation messages for 400 responses.
type Detail struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	TraceID  string   `json:"trace_id,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func (p *Detail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// Write sends p with the problem+json content type.
func Write(w http.ResponseWriter, r *http.Request, p *Detail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://kinetix.dev/errors/%d", p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// Error writes a problem with the standard title for status.
func Error(w http.ResponseWriter, r *http.Request, status int, detail string) {
	Write(w, r, &Detail{Status: status, Detail: detail})
}

func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errs ...string) {
	Write(w, r, &Detail{Status: http.StatusBadRequest, Detail: detail, Errors: errs})
}

func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	Error(w, r, http.StatusUnauthorized, detail)
}

func Forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	Error(w, r, http.StatusForbidden, detail)
}

func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, http.StatusNotFound, detail)
}

func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, http.StatusConflict, detail)
}

// TooManyRequests sets Retry-After in seconds.
func TooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	Error(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// Internal logs err and writes a generic 500. err never reaches the client.
func Internal(w http.ResponseWriter, r *http.Request, err error) {
	attrs := []any{"error", err}
	if r != nil {
		attrs = append(attrs, "path", r.URL.Path, "method", r.Method)
	}
	slog.Error("internal server error", attrs...)
	Error(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}
