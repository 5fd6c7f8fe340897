package main

import (
	"CandleLedger/internal/config"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/persistence"
	"CandleLedger/migrations"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-config file] <up|down|status>")
	fmt.Fprintln(os.Stderr, "  up     - apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down   - roll back the last migration")
	fmt.Fprintln(os.Stderr, "  status - list migrations and whether they are applied")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  CANDLE_POSTGRES_DSN  - Postgres connection string")
	fmt.Fprintln(os.Stderr, "  CANDLE_MIGRATIONS_DIR - read migrations from disk instead of the embedded set")
}

func main() {
	configPath := flag.String("config", os.Getenv("CANDLE_CONFIG"), "optional config file")
	flag.Usage = usage
	flag.Parse()

	logger := observability.NewLogger("migrate")

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	var files fs.FS = migrations.FS
	if dir := os.Getenv("CANDLE_MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		for _, s := range statuses {
			state := "pending"
			switch {
			case s.Drifted:
				state = "drifted"
			case s.Applied:
				state = "applied"
			}
			fmt.Printf("%-8s %-7s %s\n", s.Version, state, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
}
