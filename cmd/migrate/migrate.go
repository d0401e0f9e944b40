// Package migrate implements the migrate command: applies or rolls back
// the Metadata Store's Postgres schema (migrations/) using golang-migrate.
package migrate

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // registers the postgres driver
	_ "github.com/golang-migrate/migrate/v4/source/file"       // registers the file source
	"github.com/spf13/cobra"
)

const (
	long = `
Applies or rolls back the Metadata Store's Postgres schema.

Run before starting the server or worker command against a fresh
database, and again whenever a new migration is added to migrations/.
`

	example = `
# apply every pending migration
wheelproxy migrate up --dsn postgres://wheelproxy@localhost/wheelproxy

# roll back the most recently applied migration
wheelproxy migrate down --dsn postgres://wheelproxy@localhost/wheelproxy --steps 1
`
)

// New creates the cobra command for the migrate subcommand.
func New() *cobra.Command {
	var (
		dsn   string
		path  string
		steps int
	)

	cmd := &cobra.Command{
		Use:     "migrate <up|down>",
		Short:   "apply or roll back the metadata store schema",
		Long:    long,
		Example: example,
		Args:    cobra.ExactArgs(1),
		// prevent the usage help to printed to stderr when an error is reported by a subcommand
		SilenceUsage: true,
		// this is needed to prevent cobra to print errors reported by subcommands in the stderr
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("--dsn is required")
			}

			m, err := migrate.New(fmt.Sprintf("file://%s", path), dsn)
			if err != nil {
				return fmt.Errorf("opening migrator %w", err)
			}
			defer func() { _, _ = m.Close() }()

			switch {
			case args[0] == "up" && steps > 0:
				err = m.Steps(steps)
			case args[0] == "up":
				err = m.Up()
			case args[0] == "down" && steps > 0:
				err = m.Steps(-steps)
			case args[0] == "down":
				err = m.Down()
			default:
				return fmt.Errorf("unknown direction %q, expected up or down", args[0])
			}

			if err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("running migration %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN for the metadata store (BUILDS_STORAGE_DSN)")
	cmd.Flags().StringVar(&path, "path", "migrations", "directory containing the migration files")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply or roll back; 0 applies/rolls back all")

	return cmd
}
