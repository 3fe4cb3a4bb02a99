package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("confirm", "pending deletion", "abc"))
	if !IsNotFound(err) {
		t.Fatal("expected not-found match through wrapping")
	}
	if IsValidation(err) {
		t.Fatal("not-found must not match validation")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if !IsConflict(Conflict("scan stop", "scan %s already done", "j1")) || IsConflict(err) {
		t.Fatal("conflict matches only its own kind")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("plain errors classify as internal")
	}
}

func TestErrorString(t *testing.T) {
	err := Validation("scan", "roots required")
	if err.Error() != "scan: VALIDATION_ERROR: roots required" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	inner := errors.New("disk gone")
	wrapped := Internal("store", inner)
	if !errors.Is(wrapped, inner) {
		t.Fatal("expected unwrap to reach cause")
	}
}
