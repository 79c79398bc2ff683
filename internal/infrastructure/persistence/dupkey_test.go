package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

func TestClassifyDuplicateKey(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		wantOK bool
		wantID uint64
	}{
		{
			name: "postgres unique violation",
			err: fmt.Errorf("insert: %w", &pgconn.PgError{
				Code:   "23505",
				Detail: "Key (id)=(1187654321098765432) already exists.",
			}),
			wantOK: true,
			wantID: 1187654321098765432,
		},
		{
			name:   "postgres unique violation without detail",
			err:    &pgconn.PgError{Code: "23505"},
			wantOK: true,
		},
		{
			name:   "postgres foreign key violation",
			err:    &pgconn.PgError{Code: "23503"},
			wantOK: false,
		},
		{
			name:   "sqlite primary key",
			err:    sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey},
			wantOK: true,
		},
		{
			name:   "sqlite foreign key",
			err:    sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey},
			wantOK: false,
		},
		{
			name:   "translated gorm error",
			err:    fmt.Errorf("create: %w", gorm.ErrDuplicatedKey),
			wantOK: true,
		},
		{
			name:   "mysql duplicate entry",
			err:    errors.New("Error 1062 (23000): Duplicate entry '42' for key 'logged_messages.PRIMARY'"),
			wantOK: true,
			wantID: 42,
		},
		{
			name:   "unrelated",
			err:    errors.New("connection refused"),
			wantOK: false,
		},
		{
			name:   "nil",
			err:    nil,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dup, ok := classifyDuplicateKey(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && dup.ID != tt.wantID {
				t.Fatalf("ID = %d, want %d", dup.ID, tt.wantID)
			}
			if ok && !errors.Is(dup, tt.err) {
				t.Fatal("classified error must wrap the driver error")
			}
		})
	}
}
