package pgstore

import (
	"context"
	"embed"
	"errors"

	"github.com/bool64/ctxd"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // Registers postgres:// scheme.
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies pending schema migrations, dirty version is forced before retry.
func Migrate(ctx context.Context, databaseURL string, logger ctxd.Logger) (err error) {
	if logger == nil {
		logger = ctxd.NoOpLogger{}
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to open migrations")
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return ctxd.WrapError(ctx, err, "failed to init migrations")
	}

	defer func() {
		srcErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(srcErr, dbErr)
		}
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return ctxd.WrapError(ctx, err, "failed to read schema version")
	}

	if dirty {
		logger.Warn(ctx, "schema is dirty, forcing version", "version", version)

		if err := m.Force(int(version)); err != nil { //nolint:gosec // Versions are small.
			return ctxd.WrapError(ctx, err, "failed to force schema version", "version", version)
		}
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug(ctx, "schema is up to date", "version", version)

			return nil
		}

		return ctxd.WrapError(ctx, err, "failed to migrate schema")
	}

	version, _, _ = m.Version()
	logger.Info(ctx, "schema migrated", "version", version)

	return nil
}
