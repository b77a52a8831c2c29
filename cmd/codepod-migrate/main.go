// codepod-migrate manages the PostgreSQL schema for deployments that point
// the session store at postgres. The sqlite and bolt backends migrate
// themselves on open and never need this tool.
//
// Usage:
//
//	codepod-migrate up            # apply all pending migrations
//	codepod-migrate down          # roll back the last migration
//	codepod-migrate down-all      # roll back everything
//	codepod-migrate version       # show the current schema version
//	codepod-migrate force N       # force the version to N (clear dirty state)
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"codepod/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	databaseURL := os.Getenv("CODEPOD_STORE_DSN")
	if databaseURL == "" {
		log.Fatal("CODEPOD_STORE_DSN must be set to a postgres URL")
	}
	migrationsPath := os.Getenv("CODEPOD_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}

	m, err := store.NewMigrator(databaseURL, migrationsPath)
	if err != nil {
		log.Fatalf("failed to open migrator: %v", err)
	}
	defer m.Close()

	switch os.Args[1] {
	case "up":
		if err := m.Up(); err != nil {
			log.Fatalf("up failed: %v", err)
		}
		log.Println("migrations applied")
	case "down":
		if err := m.Down(); err != nil {
			log.Fatalf("down failed: %v", err)
		}
		log.Println("rolled back one migration")
	case "down-all":
		if err := m.DownAll(); err != nil {
			log.Fatalf("down-all failed: %v", err)
		}
		log.Println("rolled back all migrations")
	case "version":
		status, err := m.Version()
		if err != nil {
			log.Fatalf("version failed: %v", err)
		}
		if !status.Applied {
			log.Println("no migrations applied yet")
			return
		}
		log.Printf("version %d (dirty=%v)", status.Version, status.Dirty)
	case "force":
		if len(os.Args) < 3 {
			log.Fatal("usage: codepod-migrate force <version>")
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("invalid version %q", os.Args[2])
		}
		if err := m.Force(version); err != nil {
			log.Fatalf("force failed: %v", err)
		}
		log.Printf("forced version to %d", version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	log.Println("usage: codepod-migrate <up|down|down-all|version|force N>")
}
