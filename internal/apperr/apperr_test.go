package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf_UnwrapsChain(t *testing.T) {
	wrapped := fmt.Errorf("route: %w", Broker(409, []byte(`{"errorText":"dup"}`)))

	if got := KindOf(wrapped); got != KindBroker {
		t.Fatalf("expected broker kind, got %q", got)
	}
	var appErr *Error
	if !errors.As(wrapped, &appErr) {
		t.Fatalf("expected *Error in chain")
	}
	if appErr.Status != 409 || string(appErr.Body) != `{"errorText":"dup"}` {
		t.Errorf("broker payload not preserved: %d %s", appErr.Status, appErr.Body)
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Errorf("expected unknown kind for plain error")
	}
	if Is(nil, KindUnknown) {
		t.Errorf("nil error must not match any kind")
	}
}

func TestTimeout_WrapsCause(t *testing.T) {
	err := Timeout("POST /order/placeOrder", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be reachable")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
