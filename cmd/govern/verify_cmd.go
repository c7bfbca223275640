package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pursuitworks/govern/pkg/audit"
	"github.com/pursuitworks/govern/pkg/config"
	"github.com/pursuitworks/govern/pkg/ledger"
)

// runVerifyCmd checks a hash chain, either live in the database
// (-submission) or inside an exported evidence pack (-pack). Pack
// verification needs no database; only the audit master key.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken or tampered
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		packFile     string
		submissionID string
		jsonOutput   bool
	)
	cmd.StringVar(&packFile, "pack", "", "Path to an exported evidence pack (.zip)")
	cmd.StringVar(&submissionID, "submission", "", "Submission id to verify against the database")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (packFile == "") == (submissionID == "") {
		_, _ = fmt.Fprintln(stderr, "Error: specify exactly one of -pack or -submission")
		return 2
	}

	cfg := config.Load()
	keyring, err := buildKeyring(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var report ledger.ChainReport
	if packFile != "" {
		data, err := os.ReadFile(packFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		pack, err := audit.ImportPack(data)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		report = audit.VerifyPack(keyring, pack)
	} else {
		db, err := openDatabase(cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer func() { _ = db.Close() }()

		led := ledger.NewSQLLedger(db, keyring)
		report, err = led.VerifyChain(context.Background(), submissionID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "Chain verified: %s (%d entries)\n", report.SubmissionID, report.Entries)
	} else {
		_, _ = fmt.Fprintf(stdout, "Chain BROKEN: %s at seq %d: %s\n", report.SubmissionID, report.BrokenAtSequence, report.Reason)
	}

	if !report.Valid {
		return 1
	}
	return 0
}
