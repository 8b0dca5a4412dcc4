package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|rebuild-funding>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println("  rebuild-funding - replay settle.funding_history from the event journal")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  POSTGRES_URL    - Postgres connection string")
	fmt.Println("  MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()
	logger := observability.NewLogger("migrate")

	pgURL := os.Getenv("POSTGRES_URL")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/perpsettle?sslmode=disable"
	}
	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, migrationsDir)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Int("applied", n).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			mark := " "
			if s.Applied {
				mark = "x"
			}
			fmt.Printf("[%s] %s %s\n", mark, s.Version, s.Filename)
		}

	case "rebuild-funding":
		n, err := projection.NewFundingHistory().Rebuild(ctx, db)
		if err != nil {
			logger.Fatal().Err(err).Msg("rebuild funding history")
		}
		logger.Info().Int("rows", n).Msg("funding history rebuilt from event journal")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
