package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestRunInTx_NoPool(t *testing.T) {
	err := RunInTx(context.Background(), nil, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error without a pool")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "uq_role_org_name"}
	wrapped := fmt.Errorf("insert role: %w", pgErr)

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"any constraint", wrapped, "", true},
		{"matching constraint", wrapped, "uq_role_org_name", true},
		{"other constraint", wrapped, "uq_permission_name", false},
		{"foreign key", &pgconn.PgError{Code: "23503"}, "", false},
		{"plain error", errors.New("boom"), "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
			t.Errorf("%s: IsUniqueViolation = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)) {
		t.Error("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(errors.New("other")) {
		t.Error("unexpected match")
	}
}
