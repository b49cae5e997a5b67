// Command migrate applies or rolls back tally's database schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/tally/db/migrations"
	"github.com/coachpo/tally/internal/storage/migrations"
)

const (
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn      = flag.String("database", "", "PostgreSQL DSN (default: TALLY_DB_DSN)")
		dir      = flag.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
		embedded = flag.Bool("embedded", false, "Use the migrations compiled into the binary instead of -path")
		timeout  = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet    = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("TALLY_DB_DSN"))
	}
	if target == "" {
		return errors.New("-database flag or TALLY_DB_DSN is required")
	}
	if !*embedded && strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "tally-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if *embedded {
			return migrations.ApplyEmbedded(ctx, target, dbmigrations.Files, ".", logger)
		}
		return migrations.Apply(ctx, target, *dir, logger)
	case "down":
		if *embedded {
			return errors.New("down requires -path; embedded migrations only apply forward")
		}
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, target, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
