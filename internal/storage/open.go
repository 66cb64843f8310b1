package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	logx "postcast/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

const DefaultSQLitePath = "data/postcast.db"

// NormalizeDriver maps driver aliases to "sqlite" or "postgres".
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "postgresql", "pgx":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// Open connects the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	st, err := Connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if _, err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Connect opens the database without touching the schema.
func Connect(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver, err := NormalizeDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var st *SQLStore
	switch driver {
	case "postgres":
		st, err = openPostgres(ctx, cfg)
	default:
		st, err = openSQLite(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	st.log = log
	return st, nil
}

func openSQLite(ctx context.Context, cfg Config) (*SQLStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// SQLite prefers a single writer; one connection also serializes the
	// conditional updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	return &SQLStore{db: db, dialect: goose.DialectSQLite3, placeholders: false}, nil
}

func openPostgres(ctx context.Context, cfg Config) (*SQLStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return &SQLStore{db: db, dialect: goose.DialectPostgres, placeholders: true}, nil
}

// Migrate applies pending migrations and returns the versions applied.
func (s *SQLStore) Migrate(ctx context.Context) ([]int64, error) {
	dir := "migrations/sqlite"
	if s.dialect == goose.DialectPostgres {
		dir = "migrations/postgres"
	}
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(s.dialect, s.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose up: %w", err)
	}
	applied := make([]int64, 0, len(results))
	for _, r := range results {
		if r != nil && r.Source != nil {
			applied = append(applied, r.Source.Version)
		}
	}
	if len(applied) > 0 {
		s.log.Info("migrations applied", logx.String("dialect", string(s.dialect)), logx.Any("versions", applied))
	}
	return applied, nil
}
