package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Supported drivers
const (
	Postgres = "postgres"
	SQLite   = "sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// containsIgnoreCase returns true if s contains substr (case-insensitive)
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// DB wraps the database connection together with its dialect
type DB struct {
	*sql.DB
	Driver string
}

// New opens a database connection for driver and verifies it with a ping
func New(driver, connectionString string) (*DB, error) {
	if strings.TrimSpace(connectionString) == "" {
		return nil, errors.New("database connection string is required")
	}
	switch driver {
	case Postgres:
		return openPostgres(connectionString)
	case SQLite:
		return openSQLite(connectionString)
	}
	return nil, errors.Errorf("unsupported database driver %q", driver)
}

func openPostgres(connectionString string) (*DB, error) {
	sqlDB, err := sql.Open(Postgres, connectionString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := sqlDB.Ping(); err != nil {
		// Try with SSL disabled if connection fails and SSL mode not specified
		if !containsIgnoreCase(connectionString, "sslmode") {
			log.Warn().Msg("retrying database connection with SSL disabled")
			_ = sqlDB.Close()
			sslDisabledConnection := connectionString
			if strings.Contains(connectionString, "?") {
				sslDisabledConnection += "&sslmode=disable"
			} else {
				sslDisabledConnection += "?sslmode=disable"
			}
			sqlDB, err = sql.Open(Postgres, sslDisabledConnection)
			if err != nil {
				return nil, errors.Wrap(err, "failed to open database")
			}
		}
		if err := sqlDB.Ping(); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Wrap(err, "failed to ping database")
		}
	}

	// Set connection pool settings
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	return &DB{DB: sqlDB, Driver: Postgres}, nil
}

func openSQLite(filePath string) (*DB, error) {
	dsn := filePath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", filePath)
	}
	sqlDB, err := sql.Open(SQLite, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	// SQLite allows a single writer
	sqlDB.SetMaxOpenConns(1)
	return &DB{DB: sqlDB, Driver: SQLite}, nil
}

// Rebind rewrites $N placeholders into the driver's syntax
func (db *DB) Rebind(query string) string {
	if db.Driver != SQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// HealthCheck verifies the database connection is healthy
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// RunMigrations executes the embedded SQL migrations for the connection's dialect
func (db *DB) RunMigrations(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, path.Join("migrations", dialectDir(db.Driver)))
	if err != nil {
		return errors.Wrap(err, "failed to open migrations")
	}
	return db.RunMigrationsFS(ctx, sub)
}

// RunMigrationsFS executes all NNN_name.sql files found at the root of fsys
func (db *DB) RunMigrationsFS(ctx context.Context, fsys fs.FS) error {
	migrations, err := readMigrations(fsys)
	if err != nil {
		return errors.Wrap(err, "failed to read migrations")
	}

	if len(migrations) == 0 {
		log.Info().Msg("no migrations found")
		return nil
	}

	// Ensure migration tracking table exists
	if err := db.createMigrationTable(ctx); err != nil {
		return errors.Wrap(err, "failed to create migration table")
	}

	for _, migration := range migrations {
		applied, err := db.isMigrationApplied(ctx, migration.Number)
		if err != nil {
			return errors.Wrap(err, "failed to check migration status")
		}

		if applied {
			log.Debug().Int("version", migration.Number).Msg("migration already applied, skipping")
			continue
		}

		log.Info().Int("version", migration.Number).Str("name", migration.Name).Msg("applying migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin transaction")
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to execute migration %d", migration.Number)
		}

		// Record migration in tracking table
		if _, err := tx.ExecContext(ctx,
			db.Rebind("INSERT INTO schema_migrations (version, name) VALUES ($1, $2)"),
			migration.Number,
			migration.Name,
		); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "failed to record migration")
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "failed to commit migration")
		}

		log.Info().Int("version", migration.Number).Msg("migration applied")
	}

	return nil
}

// Migration represents a single migration file
type Migration struct {
	Number int
	Name   string
	SQL    string
}

// readMigrations reads all migration files at the root of fsys
func readMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, d := range entries {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".sql") {
			continue
		}

		filename := d.Name()
		// Parse migration number from filename (e.g., "001_conversations.sql" -> 1)
		parts := strings.Split(filename, "_")
		if len(parts) < 2 {
			continue
		}

		number, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		sqlBytes, err := fs.ReadFile(fsys, filename)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read migration file %s", filename)
		}

		migrations = append(migrations, Migration{
			Number: number,
			Name:   strings.TrimSuffix(strings.Join(parts[1:], "_"), ".sql"),
			SQL:    string(sqlBytes),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Number < migrations[j].Number
	})

	return migrations, nil
}

// createMigrationTable creates the table that tracks which migrations have been applied
func (db *DB) createMigrationTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// isMigrationApplied checks if a migration with the given number has been applied
func (db *DB) isMigrationApplied(ctx context.Context, number int) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		db.Rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = $1"),
		number,
	).Scan(&count)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

func dialectDir(driver string) string {
	if driver == SQLite {
		return "sqlite"
	}
	return "postgres"
}
