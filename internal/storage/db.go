package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/micro-ha/ser-gateway/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	pingTimeout = 5 * time.Second
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type dialect struct {
	driver string
}

func (d dialect) sqlDriver() string {
	if d.driver == DriverPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d dialect) bind(n int) string {
	if d.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d dialect) binds(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.bind(from + i)
	}
	return strings.Join(parts, ", ")
}

func (d dialect) keyColumnType() string {
	if d.driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// columnsQuery lists the columns of one table; an empty result means the table is missing.
func (d dialect) columnsQuery() string {
	if d.driver == DriverPostgres {
		return `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`
	}
	return `SELECT name FROM pragma_table_info(?)`
}

// foldIdent maps an identifier to the form the database compares it in. Quoted
// identifiers are case sensitive on postgres and case insensitive on sqlite.
func (d dialect) foldIdent(ident string) string {
	if d.driver == DriverPostgres {
		return ident
	}
	return strings.ToLower(ident)
}

func quote(ident string) (string, error) {
	if !identifierPattern.MatchString(ident) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, ident)
	}
	return `"` + ident + `"`, nil
}

// DB is one open datasource.
type DB struct {
	name    string
	db      *sql.DB
	dialect dialect
	logger  *zap.SugaredLogger
}

// Open connects to the datasource described by cfg and checks it is reachable.
func Open(ctx context.Context, cfg model.DatasourceConfig, logger *zap.SugaredLogger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := dialect{driver: cfg.Driver}
	if d.driver == "" {
		d.driver = DriverSQLite
	}
	if d.driver != DriverSQLite && d.driver != DriverPostgres {
		return nil, fmt.Errorf("datasource %s: unsupported driver %q", cfg.Name, cfg.Driver)
	}

	db, err := sql.Open(d.sqlDriver(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, cfg.Name, err)
	}
	if d.driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	out := &DB{name: cfg.Name, db: db, dialect: d, logger: logger.With("datasource", cfg.Name)}
	if err := out.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if d.driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
			out.logger.Warnw("enable wal failed", "err", err)
		}
	}
	return out, nil
}

// columns returns the folded column names of table.
func (d *DB) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.columnsQuery(), table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[d.dialect.foldIdent(name)] = true
	}
	return out, rows.Err()
}

func (d *DB) Name() string {
	return d.name
}

func (d *DB) Driver() string {
	return d.dialect.driver
}

// Ping reports ErrStoreUnavailable when the database cannot be reached.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping %s: %v", ErrStoreUnavailable, d.name, err)
	}
	return nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
