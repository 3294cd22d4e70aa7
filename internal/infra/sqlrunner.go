package infra

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SQLExecutor is the query surface repositories depend on. *pgxpool.Pool and
// pgx.Tx satisfy it; SQLRunner additionally requires every query to start
// with a "--sql <uuid>" marker line.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

var markerRegexp = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

var errMissingMarker = errors.New("sql marker missing or invalid")

// DefaultSlowQuery is the duration above which a statement is logged at warn.
const DefaultSlowQuery = 500 * time.Millisecond

// SQLRunner strips the audit marker, runs the statement on DB and logs it
// under the marker so log lines can be traced back to sqlinline.
type SQLRunner struct {
	DB        SQLExecutor
	Logger    zerolog.Logger
	SlowQuery time.Duration
	now       func() time.Time
}

func NewSQLRunner(db SQLExecutor, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{DB: db, Logger: logger, SlowQuery: DefaultSlowQuery, now: time.Now}
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, body, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := r.clock()
	tag, err := r.DB.Exec(ctx, body, args...)
	r.observe(marker, "exec", start, err).Str("tag", tag.String()).Msg("sql: done")
	return tag, err
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	marker, body, err := extractMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	return &loggingRow{row: r.DB.QueryRow(ctx, body, args...), runner: r, marker: marker, start: r.clock()}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, body, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := r.clock()
	rows, err := r.DB.Query(ctx, body, args...)
	if err != nil {
		r.observe(marker, "query", start, err).Msg("sql: done")
		return nil, err
	}
	return &loggingRows{Rows: rows, runner: r, marker: marker, start: start}, nil
}

func (r *SQLRunner) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

// observe picks the level for one finished statement: error on failure
// (except no rows), warn when slow, debug otherwise.
func (r *SQLRunner) observe(marker, op string, start time.Time, err error) *zerolog.Event {
	took := r.clock().Sub(start)
	var ev *zerolog.Event
	switch {
	case err != nil && !IsNoRows(err):
		ev = r.Logger.Error().Err(err)
	case r.SlowQuery > 0 && took > r.SlowQuery:
		ev = r.Logger.Warn().Bool("slow", true)
	default:
		ev = r.Logger.Debug()
	}
	return ev.Str("sql", marker).Str("op", op).Dur("took", took)
}

type loggingRow struct {
	row    pgx.Row
	runner *SQLRunner
	marker string
	start  time.Time
}

func (l *loggingRow) Scan(dest ...any) error {
	err := l.row.Scan(dest...)
	l.runner.observe(l.marker, "query_row", l.start, err).Msg("sql: done")
	return err
}

type loggingRows struct {
	pgx.Rows
	runner *SQLRunner
	marker string
	start  time.Time
	closed bool
}

func (l *loggingRows) Close() {
	l.Rows.Close()
	if l.closed {
		return
	}
	l.closed = true
	l.runner.observe(l.marker, "query", l.start, l.Rows.Err()).Msg("sql: done")
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(...any) error { return e.err }

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// extractMarker splits a marked query into its marker id and the SQL body.
func extractMarker(query string) (string, string, error) {
	first, body, _ := strings.Cut(strings.TrimSpace(query), "\n")
	first = strings.TrimSpace(first)
	if !markerRegexp.MatchString(first) {
		return "", "", errMissingMarker
	}
	return strings.TrimPrefix(first, "--sql "), body, nil
}

var _ SQLExecutor = (*SQLRunner)(nil)
