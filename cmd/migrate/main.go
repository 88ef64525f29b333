// cmd/migrate/main.go
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"billing-service/internal/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

var dbURL = flag.String("db-url", "", "PostgreSQL connection URL (defaults to DATABASE_URL)")

func usage() {
	fmt.Fprintf(os.Stderr, "usage: migrate [-db-url URL] up | down [N] | goto V | status\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	_ = godotenv.Load()

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" || flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	m, err := migrations.New(db)
	if err != nil {
		log.Fatalf("Failed to init migrations: %v", err)
	}

	if err := run(m, flag.Args()); err != nil {
		log.Fatal(err)
	}
}

func run(m *migrate.Migrate, args []string) error {
	var err error
	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		steps := 1
		if len(args) > 1 {
			if steps, err = strconv.Atoi(args[1]); err != nil || steps < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
		}
		err = m.Steps(-steps)
	case "goto":
		if len(args) < 2 {
			return fmt.Errorf("goto needs a version")
		}
		v, perr := strconv.ParseUint(args[1], 10, 32)
		if perr != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		err = m.Migrate(uint(v))
	case "status":
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s failed: %w", args[0], err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Println("no migrations applied")
	case err != nil:
		return fmt.Errorf("failed to read version: %w", err)
	default:
		log.Printf("schema version %d (dirty=%t)", version, dirty)
	}
	return nil
}
