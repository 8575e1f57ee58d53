package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestIsMatchesOnCode(t *testing.T) {
	expired := New(CodeTokenExpired, "token: expired")
	other := New(CodeTokenExpired, "something else")
	wrapped := fmt.Errorf("verify: %w", expired)

	if !errors.Is(wrapped, other) {
		t.Fatalf("expected code match through wrapping")
	}
	if errors.Is(wrapped, New(CodeTokenRevoked, "")) {
		t.Fatalf("different codes must not match")
	}
	if CodeOf(wrapped) != CodeTokenExpired {
		t.Fatalf("CodeOf = %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Fatalf("unknown errors must map to INTERNAL")
	}
}

func TestRetryKeepsSentinelIntact(t *testing.T) {
	locked := New(CodeLockedOut, "locked")
	err := Retry(locked, 30*time.Second)
	if RetryAfterOf(err) != 30*time.Second {
		t.Fatalf("retry after = %v", RetryAfterOf(err))
	}
	if locked.RetryAfter != 0 {
		t.Fatalf("sentinel was mutated")
	}
	if !errors.Is(err, locked) {
		t.Fatalf("copy should still match sentinel")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidCredentials:      http.StatusUnauthorized,
		CodeTokenRevoked:            http.StatusUnauthorized,
		CodeLockedOut:               http.StatusLocked,
		CodeRateLimited:             http.StatusTooManyRequests,
		CodeInsufficientPermissions: http.StatusForbidden,
		CodePolicyConfig:            http.StatusInternalServerError,
		CodeInternal:                http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
