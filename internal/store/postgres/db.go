package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const (
	dbStatementTimeoutDefaultMS = 30000
	dbStatementTimeoutMaxMS     = 3_600_000

	// DefaultQueryTimeout bounds individual watermark queries.
	DefaultQueryTimeout = 30 * time.Second
)

//go:embed migrations/*.up.sql
var migrationFiles embed.FS

type DB struct {
	*sql.DB
}

type Config struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	StatementTimeoutMS int
}

func New(ctx context.Context, cfg Config) (*DB, error) {
	statementTimeoutMS, err := resolveStatementTimeoutMS(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve statement timeout: %w", err)
	}

	connURL := cfg.URL
	if statementTimeoutMS > 0 {
		connURL = appendStatementTimeout(connURL, statementTimeoutMS)
	}

	db, err := sql.Open("postgres", connURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &DB{db}, nil
}

// appendStatementTimeout appends statement_timeout to the connection URL
// so it applies to every pooled connection.
func appendStatementTimeout(url string, timeoutMS int) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "options=-c%20statement_timeout%3D" + strconv.Itoa(timeoutMS)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// RunMigrations applies the embedded *.up.sql files in name order. Applied
// versions are tracked in schema_migrations so each runs at most once.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.runMigrations(ctx, migrationFiles, "migrations")
}

func (db *DB) runMigrations(ctx context.Context, fsys fs.FS, dir string) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, dir+"/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		version := f[strings.LastIndex(f, "/")+1:]

		var exists bool
		if err := db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		slog.Info("migration starting", "version", version)
		migrationStart := time.Now()

		if err := db.applyMigration(ctx, version, string(content)); err != nil {
			return err
		}

		slog.Info("migration completed", "version", version, "elapsed", time.Since(migrationStart).String())
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, version, content string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '10s'"); err != nil {
		return fmt.Errorf("set lock_timeout for migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("exec migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)", version,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func resolveStatementTimeoutMS(cfg Config) (int, error) {
	if cfg.StatementTimeoutMS == 0 {
		return dbStatementTimeoutDefaultMS, nil
	}
	if cfg.StatementTimeoutMS < 0 || cfg.StatementTimeoutMS > dbStatementTimeoutMaxMS {
		return 0, fmt.Errorf("statement timeout %d out of allowed range [0, %d]", cfg.StatementTimeoutMS, dbStatementTimeoutMaxMS)
	}
	return cfg.StatementTimeoutMS, nil
}
