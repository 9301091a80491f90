// Package database opens source and target connections with the configured
// retry policy.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// database/sql drivers for every supported kind.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"tableauetl/internal/backoff"
	"tableauetl/internal/config"
	"tableauetl/internal/log"
)

// Open connects to db and pings it, retrying up to rt.MaxRetryAttempts times
// with rt.RetryDelay between attempts. name labels log lines.
func Open(ctx context.Context, name string, db config.DbConfig, rt config.RuntimeConfig, logger log.Logger) (*sql.DB, error) {
	logger = log.NewLogger(logger).WithFields(log.Fields{log.ModuleField: "database", "database": name})

	dsn, err := db.ConnString(rt.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	var conn *sql.DB
	attempt := 0
	bo := backoff.NewProvider(backoff.ForAttempts(rt.MaxRetryAttempts, rt.RetryDelay))(ctx)
	err = bo.RetryNotify(func() error {
		attempt++
		c, err := sql.Open(db.DriverName(), dsn)
		if err != nil {
			return fmt.Errorf("open: %w: %w", err, backoff.ErrPermanent)
		}
		if err := Ping(ctx, c, rt.ConnectTimeout); err != nil {
			c.Close()
			return err
		}
		conn = c
		return nil
	}, func(err error, next time.Duration) {
		logger.Warn(err, "connection attempt failed", log.Fields{
			"attempt":      attempt,
			"max_attempts": rt.MaxRetryAttempts,
			"retry_in":     next.String(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("database %s: connect after %d attempt(s): %w", name, attempt, err)
	}

	logger.Debug("connected", log.Fields{"driver": db.DriverName(), "attempts": attempt})
	return conn, nil
}

// Ping runs SELECT 1 on db, bounded by timeout when it is positive.
func Ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
