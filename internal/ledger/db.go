package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/chatsync/internal/ledger/migrations"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// RunMigrations applies the embedded goose migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens the ledger SQLite database, enables WAL so mutations
// are durable before each call returns, runs migrations, and returns a
// ready Repository together with the underlying handle for transactions.
func InitDatabase(ctx context.Context, dsn string) (*sql.DB, *SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger db: %w", err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, nil, fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	if err := RunMigrations(ctx, db); err != nil {
		return nil, nil, fmt.Errorf("failed to run ledger migrations: %w", err)
	}

	return db, NewSQLiteRepository(db), nil
}
