package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"invoicerecon/internal/config"
)

// ErrNotFound is returned by the Must* lookups.
var ErrNotFound = errors.New("storage: not found")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to $n for Postgres.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries carries every read and write; DB and Tx both embed it so the same
// methods run inside or outside a transaction.
type queries struct {
	q       querier
	dialect dialect
}

func (s queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

type DB struct {
	queries
	conn *sql.DB
	pool *pgxpool.Pool
}

// Tx is a unit of work opened by DB.WithTx.
type Tx struct {
	queries
	tx *sql.Tx
}

// Open opens (and creates) a sqlite database file.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode = WAL;`, `PRAGMA foreign_keys = ON;`, `PRAGMA busy_timeout = 5000;`} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	db := &DB{queries: queries{q: conn, dialect: dialectSQLite}, conn: conn}
	if err := db.init(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenPostgres connects through a pgx pool wrapped as *sql.DB.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "invoicerecon"

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, err
	}

	conn := stdlib.OpenDBFromPool(pool)
	db := &DB{queries: queries{q: conn, dialect: dialectPostgres}, conn: conn, pool: pool}
	if err := db.init(ctx); err != nil {
		_ = conn.Close()
		pool.Close()
		return nil, err
	}
	return db, nil
}

// OpenFromConfig picks the driver named by DB_DRIVER.
func OpenFromConfig(ctx context.Context, cfg config.Config) (*DB, error) {
	switch cfg.DBDriver {
	case "", "sqlite":
		return Open(cfg.DBPath)
	case "pgx", "postgres":
		if err := cfg.Require("DATABASE_URL", cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER: %s", cfg.DBDriver)
	}
}

func (d *DB) Close() error {
	err := d.conn.Close()
	if d.pool != nil {
		d.pool.Close()
	}
	return err
}

// WithTx runs fn in a transaction, committing only when fn returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{queries: queries{q: sqlTx, dialect: d.dialect}, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
  id TEXT PRIMARY KEY,
  filename TEXT NOT NULL DEFAULT '',
  storage_key TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  source TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  vendor_name TEXT,
  invoice_date TEXT,
  parse_error_summary TEXT,
  deleted INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,

	`CREATE TABLE IF NOT EXISTS document_parse_runs (
  id TEXT PRIMARY KEY,
  document_id TEXT NOT NULL REFERENCES documents(id),
  status TEXT NOT NULL,
  model_id TEXT NOT NULL,
  prompt_version TEXT NOT NULL,
  stats_json TEXT NOT NULL,
  error_detail TEXT,
  started_at TEXT NOT NULL,
  finished_at TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_parse_runs_document ON document_parse_runs(document_id)`,

	`CREATE TABLE IF NOT EXISTS document_page_assets (
  document_id TEXT NOT NULL REFERENCES documents(id),
  page_no INTEGER NOT NULL,
  storage_key TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  byte_size INTEGER NOT NULL,
  mime_type TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (document_id, page_no)
)`,

	`CREATE TABLE IF NOT EXISTS document_parse_pages (
  parse_run_id TEXT NOT NULL REFERENCES document_parse_runs(id),
  page_no INTEGER NOT NULL,
  status TEXT NOT NULL,
  parsed_json TEXT,
  error_summary TEXT,
  step_id TEXT NOT NULL DEFAULT '',
  attempt INTEGER NOT NULL DEFAULT 0,
  started_at TEXT,
  finished_at TEXT,
  PRIMARY KEY (parse_run_id, page_no)
)`,

	`CREATE TABLE IF NOT EXISTS document_line_items (
  id TEXT PRIMARY KEY,
  parse_run_id TEXT NOT NULL REFERENCES document_parse_runs(id),
  line_no INTEGER NOT NULL,
  raw_product_name TEXT,
  raw_spec TEXT,
  product_key TEXT NOT NULL,
  quantity TEXT,
  unit_price TEXT,
  amount TEXT,
  model_confidence REAL,
  system_confidence REAL NOT NULL,
  matched_product_id TEXT,
  UNIQUE (parse_run_id, line_no)
)`,

	`CREATE TABLE IF NOT EXISTS document_diff_items (
  id TEXT PRIMARY KEY,
  parse_run_id TEXT NOT NULL REFERENCES document_parse_runs(id),
  line_item_id TEXT NOT NULL,
  line_no INTEGER NOT NULL,
  classification TEXT NOT NULL,
  reason_code TEXT,
  vendor_name TEXT,
  invoice_date TEXT,
  before_json TEXT NOT NULL,
  after_json TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_diff_items_run ON document_diff_items(parse_run_id)`,

	`CREATE TABLE IF NOT EXISTS product_master (
  id TEXT PRIMARY KEY,
  product_key TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  spec TEXT,
  category TEXT,
  default_unit_price TEXT,
  quality_flag TEXT NOT NULL,
  last_updated_at TEXT NOT NULL,
  last_updated_source TEXT NOT NULL,
  last_updated_source_id TEXT
)`,

	`CREATE TABLE IF NOT EXISTS vendor_prices (
  product_id TEXT NOT NULL REFERENCES product_master(id),
  vendor_name TEXT NOT NULL,
  unit_price TEXT NOT NULL,
  price_updated_on TEXT,
  source_type TEXT NOT NULL,
  source_id TEXT,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (product_id, vendor_name)
)`,

	`CREATE TABLE IF NOT EXISTS update_history (
  idempotency_key TEXT PRIMARY KEY,
  parse_run_id TEXT,
  product_id TEXT NOT NULL,
  field_name TEXT NOT NULL,
  before_json TEXT NOT NULL,
  after_json TEXT NOT NULL,
  source_type TEXT NOT NULL,
  created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_update_history_run ON update_history(parse_run_id, product_id)`,

	`CREATE TABLE IF NOT EXISTS mail_messages (
  id TEXT PRIMARY KEY,
  provider TEXT NOT NULL,
  message_id TEXT NOT NULL,
  subject TEXT NOT NULL DEFAULT '',
  sender TEXT NOT NULL DEFAULT '',
  received_at TEXT NOT NULL DEFAULT '',
  hash TEXT NOT NULL,
  status TEXT NOT NULL,
  raw_key TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE (provider, message_id)
)`,

	`CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`,
}

func (d *DB) init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s queries) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `
INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, formatTime(time.Now()))
	return err
}

func (s queries) GetMetadata(ctx context.Context, key string) (*string, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
