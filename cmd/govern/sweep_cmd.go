package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pursuitworks/govern/pkg/config"
	"github.com/pursuitworks/govern/pkg/coordinator"
	"github.com/pursuitworks/govern/pkg/ledger"
	"github.com/pursuitworks/govern/pkg/store"
)

// runSweepCmd runs a single overdue-step escalation pass. Useful from
// cron in deployments that run the API server without its background
// loops.
//
// Exit codes:
//
//	0 = sweep completed
//	2 = runtime error
func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var sla time.Duration
	cmd.DurationVar(&sla, "sla", 0, "Step SLA before escalation (overrides APPROVAL_SLA)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if sla > 0 {
		cfg.ApprovalSLA = sla
	}

	keyring, err := buildKeyring(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	db, err := openDatabase(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	st := store.New(db)
	led := ledger.NewSQLLedger(db, keyring)

	sweeper := coordinator.NewCoordinator(st, led, cfg.ApprovalSLA, nil, slog.Default())
	escalated, err := sweeper.SweepOverdue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Escalated %d step(s)\n", escalated)
	return 0
}
