package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

type statusErr struct{ status int }

func (e statusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e statusErr) StatusCode() int { return e.status }

func TestCodeOf(t *testing.T) {
	err := New(CodeValidation, "quantity must be positive")
	if CodeOf(err) != CodeValidation {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}

	wrapped := fmt.Errorf("handler: %w", Wrap(CodeTransient, errors.New("conn reset"), "record store"))
	if CodeOf(wrapped) != CodeTransient {
		t.Fatalf("unexpected code through wrap: %s", CodeOf(wrapped))
	}

	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatalf("uncoded error should map to internal")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", New(CodeValidation, "bad input"), false},
		{"domain rule", New(CodeDomainRule, "illegal transition"), false},
		{"transient", New(CodeTransient, "throttled"), true},
		{"timeout", New(CodeTimeout, "deadline"), true},
		{"status 503", statusErr{http.StatusServiceUnavailable}, true},
		{"status 429", statusErr{http.StatusTooManyRequests}, true},
		{"status 400", statusErr{http.StatusBadRequest}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := HTTPStatus(New(CodeValidation, "x")); got != http.StatusBadRequest {
		t.Fatalf("validation status = %d", got)
	}
	if got := HTTPStatus(New(CodeDomainRule, "x")); got != http.StatusConflict {
		t.Fatalf("domain rule status = %d", got)
	}
	if got := HTTPStatus(New(CodeCircuitOpen, "x")); got != http.StatusServiceUnavailable {
		t.Fatalf("circuit open status = %d", got)
	}
	if got := HTTPStatus(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("default status = %d", got)
	}
}
