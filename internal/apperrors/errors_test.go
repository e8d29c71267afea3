package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindNotFound, "job not found")
	want := "NOT_FOUND: job not found"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, KindStoreFailure, "failed to save job")

	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
	if KindOf(err) != KindStoreFailure {
		t.Errorf("expected KindStoreFailure, got %s", KindOf(err))
	}
}

func TestKindOfSurvivesFmtWrapping(t *testing.T) {
	inner := New(KindInvalidState, "cannot cancel completed job")
	outer := fmt.Errorf("cancel failed: %w", inner)

	if KindOf(outer) != KindInvalidState {
		t.Errorf("expected KindInvalidState through fmt wrap, got %s", KindOf(outer))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("whatever")) != KindUnknown {
		t.Error("plain errors should classify as KindUnknown")
	}
}

func TestContextAndMetadata(t *testing.T) {
	err := New(KindForbidden, "not your job").
		WithContext("userId", "u1").
		WithContext("jobId", "j1").
		WithMetadata("ownerId", "u2")

	if err.Context["userId"] != "u1" || err.Context["jobId"] != "j1" {
		t.Errorf("context not attached: %+v", err.Context)
	}
	if err.Metadata["ownerId"] != "u2" {
		t.Errorf("metadata not attached: %+v", err.Metadata)
	}
}

func TestCodeOverride(t *testing.T) {
	err := New(KindValidationFailed, "retry budget spent").WithCode("MAX_RETRIES_EXCEEDED")
	if err.Code != "MAX_RETRIES_EXCEEDED" {
		t.Errorf("expected code override, got %s", err.Code)
	}
	if KindOf(err) != KindValidationFailed {
		t.Errorf("code override must not change kind, got %s", KindOf(err))
	}
}

func TestAlreadyLoggedMarker(t *testing.T) {
	err := New(KindDomainFailure, "llm call failed")
	if AlreadyLogged(err) {
		t.Error("fresh error should not be marked logged")
	}

	wrapped := fmt.Errorf("processor: %w", err)
	MarkLogged(wrapped)

	if !AlreadyLogged(wrapped) {
		t.Error("marker should be visible through the wrap")
	}
	if !err.AlreadyLogged() {
		t.Error("marker should be set on the underlying error")
	}
}

func TestRetryAfter(t *testing.T) {
	err := New(KindRateLimited, "slow down").WithRetryAfter(30 * time.Second)
	if err.RetryAfter != 30*time.Second {
		t.Errorf("expected retryAfter 30s, got %v", err.RetryAfter)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidationFailed: http.StatusBadRequest,
		KindNotFound:         http.StatusNotFound,
		KindForbidden:        http.StatusForbidden,
		KindInvalidState:     http.StatusConflict,
		KindRateLimited:      http.StatusTooManyRequests,
		KindStoreFailure:     http.StatusInternalServerError,
		KindBrokerFailure:    http.StatusInternalServerError,
		KindUnknown:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
