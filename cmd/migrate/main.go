package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/yecday/registration/internal/config"
	"github.com/yecday/registration/internal/database"
)

const migrationsDir = "internal/database/migrations"

func main() {
	var (
		command = flag.String("command", "", "Migration command: up, down, version, force, create")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Int("version", -1, "Migration version (for force)")
		name    = flag.String("name", "", "Migration name (for create)")
	)
	flag.Parse()

	if *command == "" {
		fmt.Println("Usage: go run ./cmd/migrate -command [up|down|version|force|create] [options]")
		fmt.Println("Commands:")
		fmt.Println("  up             - Apply all pending migrations")
		fmt.Println("  down           - Roll back migrations (one step by default)")
		fmt.Println("  version        - Show current migration version")
		fmt.Println("  force          - Force set migration version")
		fmt.Println("  create         - Create new migration files")
		fmt.Println("")
		fmt.Println("Options:")
		fmt.Println("  -steps N       - Number of steps for up/down")
		fmt.Println("  -version N     - Version number for force")
		fmt.Println("  -name NAME     - Migration name for create")
		os.Exit(1)
	}

	if *command == "create" {
		if *name == "" {
			log.Fatal("Migration name required for create command")
		}
		if err := createMigration(*name); err != nil {
			log.Fatalf("Failed to create migration: %v", err)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	mg, err := database.NewMigrator(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	defer func() {
		if err := mg.Close(); err != nil {
			log.Printf("Failed to close migrator: %v", err)
		}
	}()

	switch *command {
	case "up":
		if err := mg.Up(*steps); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("Migrations applied")

	case "down":
		if err := mg.Down(*steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("Migrations rolled back")

	case "version":
		v, dirty, err := mg.Version()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current version: %d\n", v)
		if dirty {
			fmt.Println("Database is in dirty state")
		}

	case "force":
		if *version < 0 {
			log.Fatal("Version number required for force command")
		}
		if err := mg.Force(*version); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		fmt.Printf("Migration version forced to %d\n", *version)

	default:
		log.Fatalf("Unknown command: %s", *command)
	}
}

func createMigration(name string) error {
	next := nextMigrationNumber()
	upFile := fmt.Sprintf("%s/%06d_%s.up.sql", migrationsDir, next, name)
	downFile := fmt.Sprintf("%s/%06d_%s.down.sql", migrationsDir, next, name)

	if err := os.WriteFile(upFile, []byte("-- Migration up\n\n"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(downFile, []byte("-- Migration down\n\n"), 0o644); err != nil {
		return err
	}

	fmt.Printf("Created migration files:\n  %s\n  %s\n", upFile, downFile)
	return nil
}

// nextMigrationNumber returns the next migration number based on existing files
func nextMigrationNumber() int {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return 1
	}

	maxNum := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		var num int
		if _, err := fmt.Sscanf(file.Name(), "%d_", &num); err == nil && num > maxNum {
			maxNum = num
		}
	}

	return maxNum + 1
}
