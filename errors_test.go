package hybridauth

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestLockedErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("login: %w", &LockedError{Until: time.Now().Add(time.Hour), RemainingMinutes: 42})

	if !errors.Is(err, ErrAccountLocked) {
		t.Fatal("expected errors.Is(err, ErrAccountLocked)")
	}
	var locked *LockedError
	if !errors.As(err, &locked) || locked.RemainingMinutes != 42 {
		t.Fatalf("expected remaining minutes 42, got %+v", locked)
	}
	if !strings.HasSuffix(err.Error(), "retry in 42 minutes") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("locked error must not match invalid credentials")
	}
}
