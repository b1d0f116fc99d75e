package jobstore

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to date. The pgx pool is bridged to the
// database/sql interface goose expects; the bridged handle shares the
// pool's connections and must not be closed here.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, args ...interface{}) {
	logrus.Infof(strings.TrimSuffix(format, "\n"), args...)
}

func (gooseLogger) Fatalf(format string, args ...interface{}) {
	// Goose propagates the error, so log and let the caller decide.
	logrus.Errorf(strings.TrimSuffix(format, "\n"), args...)
}
