// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/tgcollector/migrations"
)

// Up runs all pending migrations from the embedded filesystem and returns the resulting version.
func Up(ctx context.Context, dsn string) (int64, error) {
	return run(ctx, dsn, func(db *sql.DB) error { return goose.UpContext(ctx, db, ".") })
}

// Down rolls back the most recent migration and returns the resulting version.
func Down(ctx context.Context, dsn string) (int64, error) {
	return run(ctx, dsn, func(db *sql.DB) error { return goose.DownContext(ctx, db, ".") })
}

func run(ctx context.Context, dsn string, apply func(*sql.DB) error) (int64, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, err
	}
	if err := apply(db); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}
