// Command migrate applies and inspects the Postgres schema through
// internal/migrate, grounded on the teacher's internal/infrastructure/
// migrations/cli.go cobra CLI shape (root command, one subcommand per
// goose operation, RunE returning wrapped errors).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeforge/pipeline-core/internal/config"
	"github.com/codeforge/pipeline-core/internal/migrate"
	"github.com/codeforge/pipeline-core/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply and inspect the pipeline-core Postgres schema",
	}

	root.AddCommand(newUpCommand(), newDownCommand(), newStatusCommand(), newVersionCommand())
	return root
}

func openRunner() (*migrate.Runner, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.NewLogger(logger.Config(cfg.Log))

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port,
		cfg.Database.Database, cfg.Database.SSLMode)

	runner, err := migrate.New(migrate.DialectPostgres, dsn, log)
	if err != nil {
		return nil, fmt.Errorf("open runner: %w", err)
	}
	return runner, nil
}

func newUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner()
			if err != nil {
				return err
			}
			defer r.Close()
			if err := r.Up(cmd.Context()); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			return nil
		},
	}
}

func newDownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner()
			if err != nil {
				return err
			}
			defer r.Close()
			if err := r.Down(cmd.Context()); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List every known migration and whether it has been applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner()
			if err != nil {
				return err
			}
			defer r.Close()
			statuses, err := r.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			for _, s := range statuses {
				state := "pending"
				if s.IsApplied {
					state = "applied"
				}
				fmt.Printf("%-8s %4d  %s\n", state, s.Version, s.Source)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRunner()
			if err != nil {
				return err
			}
			defer r.Close()
			v, err := r.Version(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate version: %w", err)
			}
			fmt.Println(v)
			return nil
		},
	}
}
