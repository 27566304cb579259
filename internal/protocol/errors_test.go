package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtocol,
		ErrTransport,
		ErrValidation,
		ErrPrecondition,
		ErrPlacement,
		ErrTimeout,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeOfWrapped(t *testing.T) {
	base := errors.New("dial refused")
	err := fmt.Errorf("depart: %w", Wrap(ErrTransport, base, "teleport %s failed", "player 'bob'"))
	if got := CodeOf(err); got != ErrTransport {
		t.Fatalf("code: got %q want %q", got, ErrTransport)
	}
	if got := ReasonOf(err); got != "teleport player 'bob' failed" {
		t.Fatalf("reason: got %q", got)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Fatalf("foreign error code: got %q", got)
	}
	if CodeOf(nil) != "" || ReasonOf(nil) != "" {
		t.Fatalf("nil error should have empty code and reason")
	}
}
