package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pursuitworks/govern/pkg/config"
	"github.com/pursuitworks/govern/pkg/crypto"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand. It exists separately from main so
// tests can drive the CLI without spawning a process.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: govern <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve    Run the approval workflow API server (default)")
	_, _ = fmt.Fprintln(w, "  verify   Verify an audit chain or an exported evidence pack")
	_, _ = fmt.Fprintln(w, "  export   Write the evidence pack for a submission to a file")
	_, _ = fmt.Fprintln(w, "  sweep    Run one overdue-step escalation pass and exit")
	_, _ = fmt.Fprintln(w, "  help     Show this message")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from the environment; see config.Load.")
}

// openDatabase connects using the configured driver. SQLite runs with a
// single connection because the modernc driver serializes writers.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

func buildKeyring(cfg *config.Config) (*crypto.MACKeyring, error) {
	if cfg.AuditMasterKey == "" {
		return nil, errors.New("AUDIT_MASTER_KEY is not set; the audit ledger cannot sign entries without it")
	}
	return crypto.NewMACKeyring([]byte(cfg.AuditMasterKey), cfg.AuditKeyVersion)
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
