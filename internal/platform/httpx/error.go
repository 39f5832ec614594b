package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ferncart/api/internal/platform/requestctx"
)

// Error is the JSON error envelope every handler responds with. Code is a
// stable machine-readable identifier, Message is for humans.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an Error, defaulting a zero status to 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    flatten(code, 80),
		Message: flatten(message, 512),
		Status:  status,
	}
}

// WithRequestID overrides the request identifier in the payload.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = flatten(id, 80)
	return e
}

// WithTraceID overrides the trace identifier in the payload.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = flatten(id, 64)
	return e
}

// WithDetails merges additional JSON-serialisable fields into the payload.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = maps.Clone(details)
	return e
}

// WriteError renders err as JSON. Request and trace identifiers fall back to
// the values carried on ctx when not set explicitly.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if id := firstOf(err.RequestID, flatten(middleware.GetReqID(ctx), 80)); id != "" {
		payload["request_id"] = id
	}
	if id := firstOf(err.TraceID, flatten(requestctx.TraceID(ctx), 64)); id != "" {
		payload["trace_id"] = id
	}
	maps.Copy(payload, err.Details)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// flatten collapses newlines and truncates so header-derived values cannot
// break the log or response format.
func flatten(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
