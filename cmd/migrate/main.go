package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"orbital/internal/infra"
	"orbital/internal/migrations"
)

func main() {
	var statusOnly bool
	flag.BoolVar(&statusOnly, "status", false, "list pending migrations without applying them")
	flag.Parse()

	_ = godotenv.Load()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(fmt.Errorf("DATABASE_URL is required"))
	}
	logger := infra.NewLogger(os.Getenv("APP_ENV")).With().Str("cmd", "migrate").Logger()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("open database: %w", err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if statusOnly {
		all, err := migrations.All()
		if err != nil {
			exitWithError(err)
		}
		applied, err := migrations.Applied(ctx, db)
		if err != nil {
			exitWithError(err)
		}
		for _, m := range all {
			state := "pending"
			if applied[m.Name] {
				state = "applied"
			}
			fmt.Printf("%-28s %s\n", m.Name, state)
		}
		return
	}

	done, err := migrations.Apply(ctx, db, logger)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("applied %d migration(s)\n", len(done))
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
