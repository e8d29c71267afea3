// -----------------------------------------------------------------------
// Envelope - Shared response rendering for the REST surface
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/cvforge/internal/apperrors"
)

// OwnerHeader carries the caller's ownership scope. Requests without it
// are unscoped; requests with it only see that owner's jobs.
const OwnerHeader = "X-Owner-Id"

// errorBody is the error half of the response envelope
type errorBody struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Timestamp  time.Time              `json:"timestamp"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Retryable  *bool                  `json:"retryable,omitempty"`
	RetryAfter string                 `json:"retryAfter,omitempty"`
}

// RequireMethod validates the HTTP method, rendering a 405 envelope on
// mismatch.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		MethodNotAllowed(w, r)
		return false
	}
	return true
}

// MethodNotAllowed renders the 405 envelope
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error": errorBody{
			Code:      "METHOD_NOT_ALLOWED",
			Message:   "Method " + r.Method + " is not allowed on this endpoint",
			Timestamp: time.Now().UTC(),
		},
	})
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError renders any error as the standard envelope. Taxonomy errors
// keep their kind, code and hints; everything else becomes a 500.
func WriteError(w http.ResponseWriter, err error) error {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.KindUnknown, "internal error")
	}

	body := errorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Timestamp: time.Now().UTC(),
		Context:   appErr.Context,
		Metadata:  appErr.Metadata,
	}
	if retryable, set := appErr.RetryableOverride(); set {
		body.Retryable = &retryable
	} else if apperrors.IsRetryable(appErr) {
		retryable := true
		body.Retryable = &retryable
	}

	status := apperrors.HTTPStatus(appErr.Kind)
	if appErr.RetryAfter > 0 {
		body.RetryAfter = appErr.RetryAfter.String()
		seconds := int(appErr.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	return WriteJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   body,
	})
}

// Owner returns the caller's ownership scope, or "" when unscoped
func Owner(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}

// PathSegment returns the nth slash-separated segment of the URL path,
// or "" when the path is shorter. /v1/parsing/job-1 has segments
// ["v1", "parsing", "job-1"].
func PathSegment(r *http.Request, n int) string {
	path := r.URL.Path
	start := 0
	for start < len(path) && path[start] == '/' {
		start++
	}
	segment := 0
	for i := start; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if segment == n {
				return path[start:i]
			}
			segment++
			start = i + 1
		}
	}
	return ""
}

// QueryInt parses an integer query parameter with a fallback
func QueryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
