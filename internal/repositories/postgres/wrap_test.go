package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/bookstore/payments/internal/repositories"
)

func TestWrapCategorisesDriverErrors(t *testing.T) {
	if wrap("op", nil) != nil {
		t.Fatalf("expected nil")
	}
	if err := wrap("sessions.take", sql.ErrNoRows); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := wrap("orders.create", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := wrap("orders.create", sql.ErrConnDone); !repositories.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	plain := errors.New("syntax error at or near")
	err := wrap("orders.create", plain)
	if repositories.IsNotFound(err) || repositories.IsConflict(err) || repositories.IsUnavailable(err) {
		t.Fatalf("expected uncategorised error, got %v", err)
	}
	if !errors.Is(err, plain) {
		t.Fatalf("expected cause preserved")
	}
}

func TestWrapKeepsExistingCategory(t *testing.T) {
	inner := wrap("vouchers.update_usage", sql.ErrNoRows)
	outer := wrap("vouchers.update_usage", inner)
	if !repositories.IsNotFound(outer) {
		t.Fatalf("expected not found to survive re-wrapping, got %v", outer)
	}
}
