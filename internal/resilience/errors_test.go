package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped explicit", fmt.Errorf("call: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"eris wrapped", eris.Wrap(NewTransientError(errors.New("x"), 502), "fetch"), true},
		{"plain", errors.New("invalid input"), false},
		{"conn reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"message", errors.New("read tcp: i/o timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("%d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("%d should not be transient", code)
		}
	}
}

func TestUnavailable(t *testing.T) {
	if Unavailable("embedding", nil) != nil {
		t.Fatal("nil error must stay nil")
	}

	err := Unavailable("embedding", context.DeadlineExceeded)
	if !errors.Is(err, ErrCollaboratorUnavailable) {
		t.Error("expected ErrCollaboratorUnavailable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause lost")
	}

	var ce *CollaboratorError
	if !errors.As(eris.Wrap(err, "intake"), &ce) || ce.Collaborator != "embedding" {
		t.Errorf("collaborator not recoverable: %v", err)
	}

	// Rewrapping keeps the original collaborator name.
	again := Unavailable("relevance", err)
	if !errors.As(again, &ce) || ce.Collaborator != "embedding" {
		t.Errorf("rewrap changed collaborator: %v", again)
	}
}
