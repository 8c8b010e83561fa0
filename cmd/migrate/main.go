package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"xwatch/migrations"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the SQLite state schema",
	Long:          "migrate applies or rolls back the embedded schema migrations of the SQLite seen-item store (state_file ending in .db, .sqlite or .sqlite3).",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func gooseCmd(use, short string, fn func(db *sql.DB, dir string, opts ...goose.OptionsFunc) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			db, err := sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			if err := migrations.Setup(); err != nil {
				return err
			}
			if err := fn(db, "."); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOrDefault("STATE_FILE", "data/seen_items.db"), "path to sqlite database")
	rootCmd.AddCommand(
		gooseCmd("up", "Migrate to the latest version", goose.Up),
		gooseCmd("up-one", "Migrate one version up", goose.UpByOne),
		gooseCmd("down", "Roll back one version", goose.Down),
		gooseCmd("status", "Show migration status", goose.Status),
		gooseCmd("version", "Show current version", goose.Version),
		gooseCmd("reset", "Roll back all migrations", goose.Reset),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
