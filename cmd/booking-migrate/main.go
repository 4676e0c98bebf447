// booking-migrate применяет встроенные миграции схемы хранилища саг в PostgreSQL.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/YangTris/Hotel-Microservice/framework/migrations"
)

const dsnEnv = "BOOKING_STORE_POSTGRES_DSN"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	dbURL := flags.String("database-url", os.Getenv(dsnEnv), "PostgreSQL connection string (default $"+dsnEnv+")")
	_ = flags.Parse(os.Args[2:])

	if command == "files" {
		runFiles()
		return
	}

	if *dbURL == "" {
		fmt.Fprintf(os.Stderr, "Error: --database-url or %s is required\n", dsnEnv)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := migrations.Open(*dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	steps, err := stepsArg(flags.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case "up":
		err = runUp(ctx, db, steps)
	case "down":
		if steps == 0 {
			steps = 1
		}
		err = runDown(ctx, db, steps)
	case "status":
		err = runStatus(ctx, db)
	case "version":
		err = runVersion(ctx, db)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Booking saga migration tool")
	fmt.Println()
	fmt.Println("Usage: booking-migrate <command> [flags] [N]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up [N]     - Apply all pending migrations (or N migrations)")
	fmt.Println("  down [N]   - Rollback N migrations (default: 1)")
	fmt.Println("  status     - Show status of all migrations")
	fmt.Println("  version    - Show current migration version")
	fmt.Println("  files      - List embedded migration files")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --database-url - PostgreSQL connection string (default $" + dsnEnv + ")")
}

// stepsArg разбирает необязательный позиционный аргумент N
func stepsArg(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number of steps: %q", args[0])
	}
	return n, nil
}

func runUp(ctx context.Context, db *sql.DB, steps int64) error {
	if err := migrations.RunMigrationsLimited(ctx, db, steps); err != nil {
		return err
	}
	return runVersion(ctx, db)
}

func runDown(ctx context.Context, db *sql.DB, steps int64) error {
	if err := migrations.RollbackMigrations(ctx, db, steps); err != nil {
		return err
	}
	return runVersion(ctx, db)
}

func runStatus(ctx context.Context, db *sql.DB) error {
	statuses, err := migrations.GetMigrationStatus(ctx, db)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATUS\tAPPLIED AT\tSOURCE")
	for _, s := range statuses {
		applied := "-"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Status, applied, s.Name)
	}
	return w.Flush()
}

func runVersion(ctx context.Context, db *sql.DB) error {
	version, err := migrations.GetCurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	fmt.Printf("Current version: %d\n", version)
	return nil
}

func runFiles() {
	files, err := migrations.Files()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, f := range files {
		fmt.Println(f)
	}
}
