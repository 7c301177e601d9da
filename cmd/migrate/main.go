package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"OptionsLedger/internal/config"
	"OptionsLedger/internal/observability"
	"OptionsLedger/internal/persistence"
	"OptionsLedger/internal/projection"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", os.Getenv("OPTL_CONFIG"), "path to the TOML configuration file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config file] <up|down|rebuild-projections>")
		fmt.Fprintln(os.Stderr, "  up   - apply all pending migrations")
		fmt.Fprintln(os.Stderr, "  down - roll back the last migration")
		fmt.Fprintln(os.Stderr, "  rebuild-projections - refold projected balances from the event log")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment:")
		fmt.Fprintln(os.Stderr, "  OPTL_POSTGRES_DSN    - Postgres connection string")
		fmt.Fprintln(os.Stderr, "  OPTL_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")

	// Migrations only need Postgres settings, so the ledger sections are
	// not validated here.
	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
		cfg = *loaded
	}
	if v := os.Getenv("OPTL_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("OPTL_MIGRATIONS_DIR"); v != "" {
		cfg.Postgres.MigrationsDir = v
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, os.DirFS(cfg.Postgres.MigrationsDir), log)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "rebuild-projections":
		head, err := projection.NewProjectionWorker(db, 0, 0, log).RebuildProjections(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("rebuild projections")
		}
		log.Info().Int64("watermark", head).Msg("projections rebuilt")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'rebuild-projections')\n", flag.Arg(0))
		os.Exit(1)
	}
}
