package database

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrator is the part of *migrate.Migrate driven by RunMigration.
type Migrator interface {
	Up() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// MigrationCommands lists what RunMigration understands.
var MigrationCommands = []string{"up", "down", "force", "status"}

// MigrationURL is DSN in the form the golang-migrate mysql driver expects.
func MigrationURL() string {
	return "mysql://" + DSN() + "&multiStatements=true"
}

// NewMigrator opens the SQL files under path against the configured database.
func NewMigrator(path string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+path, MigrationURL())
	if err != nil {
		return nil, fmt.Errorf("failed to initialise migrations: %w", err)
	}
	return m, nil
}

// IsMigrationCommand reports whether RunMigration accepts command.
func IsMigrationCommand(command string) bool {
	for _, c := range MigrationCommands {
		if c == command {
			return true
		}
	}
	return false
}

// RunMigration executes command and returns a one-line report.
//
//	up         apply all pending migrations
//	down [N]   roll back the last N migrations, default 1
//	force N    set version N without running anything, to clear a dirty state
//	status     print the current version
func RunMigration(m Migrator, command string, args []string) (string, error) {
	switch command {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			return "database is up to date", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to apply migrations: %w", err)
		}
		return "migrations applied", nil

	case "down":
		steps := 1
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return "", fmt.Errorf("invalid step count %q", args[0])
			}
			steps = n
		}
		if err := m.Steps(-steps); err != nil {
			return "", fmt.Errorf("failed to roll back %d migration(s): %w", steps, err)
		}
		return fmt.Sprintf("rolled back %d migration(s)", steps), nil

	case "force":
		if len(args) == 0 {
			return "", errors.New("force needs a version")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil || version < 0 {
			return "", fmt.Errorf("invalid version %q", args[0])
		}
		if err := m.Force(version); err != nil {
			return "", fmt.Errorf("failed to force version %d: %w", version, err)
		}
		return fmt.Sprintf("forced version %d", version), nil

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return "no migrations applied", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read version: %w", err)
		}
		if dirty {
			return fmt.Sprintf("version %d (dirty)", version), nil
		}
		return fmt.Sprintf("version %d", version), nil
	}
	return "", fmt.Errorf("unknown command %q", command)
}
