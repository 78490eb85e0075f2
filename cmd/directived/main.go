// Package main is the entrypoint for directived, the device-side directive service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/directive-core/internal/config"
	"github.com/morezero/directive-core/internal/server"
	"github.com/morezero/directive-core/pkg/bootstrap"
	"github.com/morezero/directive-core/pkg/db"
)

const usage = `Usage: directived [command]
       directived serve                   Start the directive service (NATS, agents, HTTP health).
       directived migrate up              Run journal database migrations.
       directived migrate down            Not supported; migrations are forward-only.
       directived migrate status          Show migration status.
       directived ensure-db [name]        Create database if missing (default name: directive_test). Uses DATABASE_URL host/user.
       directived clear                   Truncate the journal tables; schema is preserved.
       directived outcomes [namespace]    List recent directive outcomes from the journal.
       directived bootstrap [file]        Print the effective bootstrap config.

Commands:
  serve           (default) Start the directive service.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  ensure-db       Create database (e.g. directive_test) on same host as DATABASE_URL.
  clear           Truncate journal data; schema preserved.
  outcomes        Print the newest outcomes, optionally for one namespace.
  bootstrap       Print the bootstrap config loaded from file, DIRECTIVE_BOOTSTRAP_FILE, or the default.

Environment: COMMS_URL, SUBJECT_PREFIX, DATABASE_URL (journal; required for DB commands), MIGRATION_PATH,
HTTP_ADDR (default :8080), DIRECTIVE_BOOTSTRAP_FILE, LOG_LEVEL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("directived migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := withPool(runMigrateUp); err != nil {
				log.Fatalf("directived migrate up: %v", err)
			}
		case "status":
			if err := withPool(runMigrateStatus); err != nil {
				log.Fatalf("directived migrate status: %v", err)
			}
		case "down":
			if err := withPool(runMigrateDown); err != nil {
				log.Fatalf("directived migrate down: %v", err)
			}
		default:
			log.Fatalf("directived migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := withPool(runClear); err != nil {
			log.Fatalf("directived clear: %v", err)
		}
		return
	case "outcomes":
		namespace := ""
		if len(args) > 1 {
			namespace = args[1]
		}
		err := withPool(func(ctx context.Context, pool *pgxpool.Pool, _ *config.Config) error {
			return runOutcomes(ctx, pool, namespace)
		})
		if err != nil {
			log.Fatalf("directived outcomes: %v", err)
		}
		return
	case "ensure-db":
		dbName := "directive_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("directived ensure-db: %v", err)
		}
		return
	case "bootstrap":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		if err := runBootstrap(file); err != nil {
			log.Fatalf("directived bootstrap: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("directived: %v", err)
	}
}

// withPool loads config, requires DATABASE_URL, and runs fn with a connected pool.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, pool, cfg)
}

func runMigrateUp(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
}

func runMigrateDown(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	return db.MigrationDown(ctx, pool, cfg.MigrationPath)
}

func runClear(ctx context.Context, pool *pgxpool.Pool, _ *config.Config) error {
	if err := db.ClearJournal(ctx, pool); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

func runOutcomes(ctx context.Context, pool *pgxpool.Pool, namespace string) error {
	repo := db.NewRepository(pool)
	outcomes, err := repo.ListOutcomes(ctx, db.OutcomeFilter{Namespace: namespace, Limit: 50})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tMESSAGE ID\tDIRECTIVE\tSTATUS\tREASON")
	for _, o := range outcomes {
		reason := ""
		if o.Reason != nil {
			reason = *o.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s.%s\t%s\t%s\n",
			o.RecordedAt.Local().Format(time.RFC3339), o.MessageID, o.Namespace, o.Name, o.Status, reason)
	}
	return tw.Flush()
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := targetDatabaseURL(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// targetDatabaseURL replaces the database name in base; the query (e.g. sslmode) is kept.
func targetDatabaseURL(base, dbName string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func runBootstrap(file string) error {
	cfg, err := bootstrap.LoadBootstrapConfig(file)
	if err != nil {
		return err
	}
	if _, err := bootstrap.CreateResolvedBootstrap(cfg); err != nil {
		return fmt.Errorf("invalid bootstrap: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
