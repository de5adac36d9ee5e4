package priorauth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	sql  string
	args []interface{}
	err  error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.CommandTag{}, r.err
}

func TestLockUnit_ScopedToTenantSchema(t *testing.T) {
	q := &recordingExecer{}
	if err := lockUnit(context.Background(), q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(q.sql, "pg_advisory_xact_lock($1, hashtext(current_schema()))") {
		t.Errorf("lock must be keyed by the current schema, got %q", q.sql)
	}
	if len(q.args) != 1 || q.args[0] != unitLockClass {
		t.Errorf("unexpected lock args %v", q.args)
	}
}

func TestLockUnit_WrapsFailure(t *testing.T) {
	cause := errors.New("lock timeout")
	err := lockUnit(context.Background(), &recordingExecer{err: cause})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "acquire unit lock") {
		t.Errorf("unexpected message %q", err)
	}
}
