package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"tableauetl/internal/log"
)

// Migrate applies the summary table migrations in fsys with goose.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, fsys fs.FS, logger log.Logger) error {
	logger = log.NewLogger(logger)

	p, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("storage: migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("storage: migrate %s: %w", SummaryTable, err)
	}
	for _, r := range results {
		logger.Info("summary migration applied", log.Fields{
			"version":     r.Source.Version,
			"duration_ms": r.Duration.Milliseconds(),
		})
	}
	return nil
}
