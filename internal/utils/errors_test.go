package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorKind(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewAppError("rollback.restore", KindRollbackStep, "restore failed", base))
	if KindOf(err) != KindRollbackStep {
		t.Fatalf("expected rollback kind, got %q", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected error chain to include base error")
	}
	if KindOf(base) != "" {
		t.Fatalf("expected empty kind for plain error")
	}
	if KindOf(nil) != "" {
		t.Fatalf("expected empty kind for nil error")
	}
}

func TestAppErrorMessage(t *testing.T) {
	err := NewAppError("rollback.validate_restoration", KindValidation, "event log not functional", nil)
	if got := err.Error(); got != "rollback.validate_restoration: event log not functional" {
		t.Fatalf("unexpected message %q", got)
	}
	err = NewAppError("kvstore.set", KindPersistence, "write flags", errors.New("conn reset"))
	if got := err.Error(); got != "kvstore.set: write flags: conn reset" {
		t.Fatalf("unexpected message %q", got)
	}
}
