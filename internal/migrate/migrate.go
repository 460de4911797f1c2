// Package migrate applies the embedded SQL migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/taxi-session/migrations"
)

// Directions accepted by Run.
const (
	Up     = "up"
	Down   = "down"
	Status = "status"
)

// Run applies direction to the database at dsn. Down rolls back one version.
func Run(ctx context.Context, dsn, direction string) error {
	var apply func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error
	switch direction {
	case Up:
		apply = goose.UpContext
	case Down:
		apply = goose.DownContext
	case Status:
		apply = goose.StatusContext
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return apply(ctx, db, ".")
}
