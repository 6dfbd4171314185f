package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kac/caldb/internal/logging"
	"github.com/kac/caldb/internal/model"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// Options describes the database behind a SQLStore.
type Options struct {
	Dialect string

	// Path is the SQLite database file.
	Path string

	// MySQL connection parameters.
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// PoolSize caps open connections. Defaults to 5.
	PoolSize int
	Logger   *logging.Logger
}

// SQLStore is a connection pool holding synced events and reservations.
// It is created once per process and shared by the sync engine and the web
// handlers.
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     *logging.Logger
}

// Open connects to the database, checks the connection and applies pending
// schema migrations.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	driverName, dsn, err := dataSource(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", opts.Dialect, err)
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 5
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", opts.Dialect, err)
	}
	if err := migrate(ctx, db, opts.Dialect); err != nil {
		db.Close()
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	log.Debugf("opened %s database (pool size %d)", opts.Dialect, poolSize)

	return &SQLStore{db: db, dialect: opts.Dialect, log: log}, nil
}

func dataSource(opts Options) (string, string, error) {
	switch opts.Dialect {
	case DialectSQLite:
		if opts.Path == "" {
			return "", "", errors.New("sqlite database path is required")
		}
		return "sqlite", opts.Path + "?_pragma=busy_timeout(5000)", nil
	case DialectMySQL:
		port := opts.Port
		if port == 0 {
			port = 3306
		}
		cfg := mysql.NewConfig()
		cfg.User = opts.User
		cfg.Passwd = opts.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(opts.Host, strconv.Itoa(port))
		cfg.DBName = opts.Database
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		cfg.Timeout = 10 * time.Second
		cfg.Params = map[string]string{"charset": "utf8mb4"}
		return "mysql", cfg.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported database dialect %q", opts.Dialect)
	}
}

// DB returns the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns DialectSQLite or DialectMySQL.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// Close closes the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Begin starts a batch on a dedicated connection held until Close.
func (s *SQLStore) Begin(ctx context.Context) (Batch, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlBatch{conn: conn, tx: tx, dialect: s.dialect}, nil
}

const sqliteUpsert = `
	INSERT INTO events (id, summary, description, location, start_time, end_time, all_day, html_link, status, created_at, updated_at, last_synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
		summary = excluded.summary,
		description = excluded.description,
		location = excluded.location,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		all_day = excluded.all_day,
		html_link = excluded.html_link,
		status = excluded.status,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		last_synced = CURRENT_TIMESTAMP
`

const mysqlUpsert = `
	INSERT INTO events (id, summary, description, location, start_time, end_time, all_day, html_link, status, created_at, updated_at, last_synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON DUPLICATE KEY UPDATE
		summary = VALUES(summary),
		description = VALUES(description),
		location = VALUES(location),
		start_time = VALUES(start_time),
		end_time = VALUES(end_time),
		all_day = VALUES(all_day),
		html_link = VALUES(html_link),
		status = VALUES(status),
		created_at = VALUES(created_at),
		updated_at = VALUES(updated_at),
		last_synced = CURRENT_TIMESTAMP
`

type sqlBatch struct {
	conn      *sql.Conn
	tx        *sql.Tx
	dialect   string
	committed bool
}

func (b *sqlBatch) Upsert(ctx context.Context, r model.Record) error {
	query := sqliteUpsert
	if b.dialect == DialectMySQL {
		query = mysqlUpsert
	}
	_, err := b.tx.ExecContext(ctx, query,
		r.ID, r.Summary, r.Description, r.Location,
		timeArg(b.dialect, r.Start), timeArg(b.dialect, r.End), r.AllDay,
		r.HTMLLink, r.Status,
		timeArg(b.dialect, r.CreatedAt), timeArg(b.dialect, r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", r.ID, err)
	}
	return nil
}

func (b *sqlBatch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	b.committed = true
	return nil
}

func (b *sqlBatch) Close() error {
	var rollbackErr error
	if !b.committed {
		if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			rollbackErr = fmt.Errorf("rollback: %w", err)
		}
	}
	return errors.Join(rollbackErr, b.conn.Close())
}

// timeArg converts t for binding. SQLite gets the same text layout as
// CURRENT_TIMESTAMP so that values sort and compare correctly.
func timeArg(dialect string, t time.Time) any {
	if t.IsZero() {
		return nil
	}
	if dialect == DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// eventColumns tolerates NULL text columns, which tables created by the
// earlier Python tools allow.
const eventColumns = `id, COALESCE(summary, ''), COALESCE(description, ''), COALESCE(location, ''),
	start_time, end_time, all_day, COALESCE(html_link, ''), COALESCE(status, ''),
	created_at, updated_at, last_synced`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.Record, error) {
	var r model.Record
	var start, end, created, updated, synced sqlTime
	err := row.Scan(&r.ID, &r.Summary, &r.Description, &r.Location,
		&start, &end, &r.AllDay, &r.HTMLLink, &r.Status,
		&created, &updated, &synced)
	if err != nil {
		return model.Record{}, err
	}
	r.Start = start.Time
	r.End = end.Time
	r.CreatedAt = created.Time
	r.UpdatedAt = updated.Time
	r.LastSynced = synced.Time
	return r, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, ErrNotFound
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return r, nil
}

// List returns up to limit records ordered by start time. A limit of zero or
// less returns every record.
func (s *SQLStore) List(ctx context.Context, limit int) ([]model.Record, error) {
	query := `SELECT ` + eventColumns + ` FROM events ORDER BY start_time ASC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of stored records.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
