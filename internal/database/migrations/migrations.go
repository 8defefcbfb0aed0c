package migrations

import (
	"errors"
	"fmt"
	"os"

	"ms-reconcile/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/uptrace/bun"
)

// Options configures the migration runner.
type Options struct {
	// MigrationsDir is the directory containing migration files.
	MigrationsDir string
	// SeedData runs the station seed migrations in addition to schema.
	SeedData bool
}

func DefaultOptions() Options {
	return Options{
		MigrationsDir: "./migrations",
		SeedData:      false,
	}
}

// Runner applies the reconciliation schema: the pending payment ledger, the
// bookings table with its exclusion constraint, customers and stations.
type Runner struct {
	bunDB    *bun.DB
	logger   *logger.Logger
	options  Options
	migrator *migrate.Migrate
}

func NewRunner(bunDB *bun.DB, log *logger.Logger, opts Options) *Runner {
	return &Runner{
		bunDB:   bunDB,
		logger:  log,
		options: opts,
	}
}

func (r *Runner) initialize() error {
	driver, err := postgres.WithInstance(r.bunDB.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	if _, err := os.Stat(r.options.MigrationsDir); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", r.options.MigrationsDir)
	}

	migrator, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", r.options.MigrationsDir),
		"postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	r.migrator = migrator
	return nil
}

// Run applies pending migrations. Schema is migration 1; seed migrations come
// after and only run when SeedData is set.
func (r *Runner) Run() error {
	if r.migrator == nil {
		if err := r.initialize(); err != nil {
			return err
		}
	}

	version, dirty, err := r.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		r.logger.Warn("DATABASE", fmt.Sprintf("Dirty migration at version %d, forcing clean state", version))
		if err := r.migrator.Force(int(version)); err != nil {
			return fmt.Errorf("failed to fix dirty migration: %w", err)
		}
	}

	if r.options.SeedData {
		err = r.migrator.Up()
	} else if version < 1 {
		// Schema only; never walk an already-seeded database back down.
		err = r.migrator.Migrate(1)
	} else {
		err = nil
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if version, _, err := r.migrator.Version(); err == nil {
		r.logger.Info("DATABASE", fmt.Sprintf("Schema at version %d", version))
	}
	return nil
}

// Down rolls everything back. Test and local tooling only.
func (r *Runner) Down() error {
	if r.migrator == nil {
		if err := r.initialize(); err != nil {
			return err
		}
	}
	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// Close frees the migrator's source and database handles.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, databaseErr := r.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("error closing migrator source: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("error closing migrator database: %w", databaseErr)
	}
	return nil
}
