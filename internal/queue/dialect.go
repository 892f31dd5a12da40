package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	sqlite3 "modernc.org/sqlite"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Open opens a database for one of the supported drivers: "sqlite" (modernc),
// "pgx" (jackc/pgx stdlib) or "postgres" (lib/pq). For sqlite the dsn is a
// file path.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, 0, errors.New("empty dsn")
	}
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialect = DialectSQLite
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, 0, err
		}
		db.SetMaxOpenConns(1) // SQLite single writer
	case "pgx", "postgres":
		dialect = DialectPostgres
		db, err = sql.Open(strings.ToLower(strings.TrimSpace(driver)), dsn)
		if err != nil {
			return nil, 0, err
		}
		db.SetMaxOpenConns(8)
	default:
		return nil, 0, fmt.Errorf("unsupported driver %q (use: sqlite|pgx|postgres)", driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, 0, err
	}
	return db, dialect, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", path)
}

// rebind rewrites ? placeholders to $n for Postgres. Queries in this package
// never contain a literal question mark.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// seqCol is the insertion-order column used to break created_at ties.
func (d Dialect) seqCol() string {
	if d == DialectPostgres {
		return "seq"
	}
	return "rowid"
}

// lineOrder is oldest-created-first with a stable tiebreak.
func (d Dialect) lineOrder() string {
	return "created_at ASC, " + d.seqCol() + " ASC"
}

func (d Dialect) newestFirst() string {
	return "created_at DESC, " + d.seqCol() + " DESC"
}

// claimLock is appended to the candidate subquery of a claim so concurrent
// workers skip rows another transaction already holds.
func (d Dialect) claimLock() string {
	if d == DialectPostgres {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite3.Error
	if errors.As(err, &liteErr) {
		// Extended result codes keep the base code in the low byte.
		const sqliteConstraintBase = 19
		return liteErr.Code()&0xff == sqliteConstraintBase
	}
	return false
}
