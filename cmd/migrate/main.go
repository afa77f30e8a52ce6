// Command migrate manages the goal engine schema.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/infrastructure/migration"
	"github.com/crm/backend/migrations"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const defaultMigrationsDir = "migrations"

// command runs against an open migrator with the remaining CLI arguments
type command struct {
	usage string
	args  int
	run   func(m *migration.Migrator, args []string, log *zap.Logger) error
}

var commands = map[string]command{
	"up": {
		usage: "up                    Apply all pending migrations",
		run:   func(m *migration.Migrator, _ []string, _ *zap.Logger) error { return m.Up() },
	},
	"down": {
		usage: "down                  Roll back all migrations",
		run:   func(m *migration.Migrator, _ []string, _ *zap.Logger) error { return m.Down() },
	},
	"step": {
		usage: "step <n>              Apply n migrations (negative rolls back)",
		args:  1,
		run: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			return m.Steps(n)
		},
	},
	"goto": {
		usage: "goto <version>        Migrate to a specific version",
		args:  1,
		run: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return m.GoTo(uint(v))
		},
	},
	"force": {
		usage: "force <version>       Mark a version applied (clears a dirty state)",
		args:  1,
		run: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return m.Force(v)
		},
	},
	"version": {
		usage: "version               Show the applied goal schema version",
		run: func(m *migration.Migrator, _ []string, log *zap.Logger) error {
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			log.Info("Goal schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
			return nil
		},
	},
}

func main() {
	dir := flag.String("path", "", "Migrations directory (default: embedded schema; ./migrations for create/list)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	name, args := args[0], args[1:]

	log, err := logger.New(&logger.Config{
		Level:      *logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// create and list work on the source tree, never on the embedded copy
	switch name {
	case "create":
		createMigration(log, diskDir(*dir), args)
		return
	case "list":
		listMigrations(log, diskDir(*dir))
		return
	}

	cmd, ok := commands[name]
	if !ok {
		log.Error("Unknown command", zap.String("command", name))
		printUsage()
		os.Exit(1)
	}
	if len(args) < cmd.args {
		log.Fatal("Missing argument", zap.String("usage", cmd.usage))
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal("Failed to ping database", zap.Error(err))
	}

	src := migration.Embedded(migrations.FS)
	if *dir != "" {
		src = migration.Directory(*dir)
	}
	m, err := migration.New(db, src, log)
	if err != nil {
		log.Fatal("Failed to create migrator", zap.Error(err))
	}
	defer m.Close()

	if err := cmd.run(m, args, log); err != nil {
		log.Fatal("Migration command failed", zap.String("command", name), zap.Error(err))
	}
}

func createMigration(log *zap.Logger, dir string, args []string) {
	if len(args) < 1 {
		log.Fatal("Migration name required. Usage: migrate create <name> [description]")
	}
	description := ""
	if len(args) > 1 {
		description = args[1]
	}
	mf, err := migration.CreateMigration(dir, args[0], description)
	if err != nil {
		log.Fatal("Failed to create migration", zap.Error(err))
	}
	log.Info("Migration created",
		zap.String("version", mf.Version),
		zap.String("up_file", mf.UpPath),
		zap.String("down_file", mf.DownPath),
	)
}

func listMigrations(log *zap.Logger, dir string) {
	names, err := migration.ListMigrations(dir)
	if err != nil {
		log.Fatal("Failed to list migrations", zap.Error(err))
	}
	log.Info("Available migrations", zap.Int("count", len(names)))
	for _, n := range names {
		fmt.Println("  -", n)
	}
}

func diskDir(dir string) string {
	if dir == "" {
		return defaultMigrationsDir
	}
	return dir
}

func printUsage() {
	fmt.Println("Goal schema migration tool\n\nUsage:\n  migrate [flags] <command> [arguments]\n\nCommands:")
	for _, name := range []string{"up", "down", "step", "goto", "version", "force"} {
		fmt.Println("  " + commands[name].usage)
	}
	fmt.Println(`  create <name> [desc]  Create the next numbered migration file pair
  list                  List migrations in the source tree

Flags:
  -path string          Migrations directory (default: embedded schema)
  -log-level string     Log level: debug, info, warn, error (default: info)

Environment:
  CRM_DATABASE_HOST, CRM_DATABASE_PORT, CRM_DATABASE_USER,
  CRM_DATABASE_PASSWORD, CRM_DATABASE_DBNAME, CRM_DATABASE_SSLMODE`)
}
