package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestExtractMarker(t *testing.T) {
	query := `--sql 6d4f5660-0f7c-4f73-a1f3-9ab6d5e6c7a3
select 1;`
	marker, body, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker error: %v", err)
	}
	if marker != "6d4f5660-0f7c-4f73-a1f3-9ab6d5e6c7a3" {
		t.Fatalf("unexpected marker %q", marker)
	}
	if body != "select 1;" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestExtractMarkerRejectsUnmarked(t *testing.T) {
	for _, q := range []string{"select 1;", "--sql not-a-uuid\nselect 1;", ""} {
		if _, _, err := extractMarker(q); err == nil {
			t.Fatalf("expected error for %q", q)
		}
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("get image: %w", pgx.ErrNoRows)) {
		t.Fatal("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(fmt.Errorf("boom")) {
		t.Fatal("unexpected match")
	}
}

type recordingDB struct {
	queries []string
	execErr error
}

func (d *recordingDB) Exec(_ context.Context, query string, _ ...any) (pgconn.CommandTag, error) {
	d.queries = append(d.queries, query)
	return pgconn.NewCommandTag("UPDATE 1"), d.execErr
}

func (d *recordingDB) QueryRow(_ context.Context, query string, _ ...any) pgx.Row {
	d.queries = append(d.queries, query)
	return errorRow{err: pgx.ErrNoRows}
}

func (d *recordingDB) Query(_ context.Context, query string, _ ...any) (pgx.Rows, error) {
	d.queries = append(d.queries, query)
	return nil, errors.New("query unsupported")
}

const markedUpdate = `--sql 0b7e2d4a-61c3-4f0e-9d25-7a8c1e3f5b90
update images set status = 'failed';`

func TestSQLRunnerStripsMarker(t *testing.T) {
	db := &recordingDB{}
	r := NewSQLRunner(db, zerolog.Nop())
	if _, err := r.Exec(context.Background(), markedUpdate); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if len(db.queries) != 1 || db.queries[0] != "update images set status = 'failed';" {
		t.Fatalf("backend got %q", db.queries)
	}
	if _, err := r.Exec(context.Background(), "update images set status = 'failed';"); !errors.Is(err, errMissingMarker) {
		t.Fatalf("unmarked query err = %v", err)
	}
	if len(db.queries) != 1 {
		t.Fatal("unmarked query reached the database")
	}
}

func TestSQLRunnerLogLevels(t *testing.T) {
	var buf bytes.Buffer
	db := &recordingDB{}
	r := NewSQLRunner(db, zerolog.New(&buf).Level(zerolog.InfoLevel))
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	r.now = func() time.Time {
		calls++
		if calls%2 == 0 {
			return t0.Add(time.Second)
		}
		return t0
	}

	if _, err := r.Exec(context.Background(), markedUpdate); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"slow":true`) || !strings.Contains(buf.String(), "0b7e2d4a-61c3-4f0e-9d25-7a8c1e3f5b90") {
		t.Fatalf("slow statement not logged at warn: %q", buf.String())
	}

	buf.Reset()
	r.SlowQuery = 0
	var n int
	if err := r.QueryRow(context.Background(), markedUpdate).Scan(&n); !IsNoRows(err) {
		t.Fatalf("Scan err = %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("no-rows must stay below info: %q", buf.String())
	}

	db.execErr = errors.New("deadlock")
	if _, err := r.Exec(context.Background(), markedUpdate); err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("failure not logged at error: %q", buf.String())
	}
}
