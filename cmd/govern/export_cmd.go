package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pursuitworks/govern/pkg/audit"
	"github.com/pursuitworks/govern/pkg/config"
	"github.com/pursuitworks/govern/pkg/ledger"
)

// runExportCmd writes a submission's evidence pack to a local file. The
// pack carries everything an auditor needs to re-verify the chain
// offline with `govern verify -pack`.
//
// Exit codes:
//
//	0 = pack written
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		submissionID string
		outFile      string
	)
	cmd.StringVar(&submissionID, "submission", "", "Submission id to export (REQUIRED)")
	cmd.StringVar(&outFile, "out", "", "Output file (default <submission>-evidence.zip)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if submissionID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -submission is required")
		return 2
	}
	if outFile == "" {
		outFile = submissionID + "-evidence.zip"
	}

	cfg := config.Load()
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

	exporter := audit.NewExporter(ledger.NewSQLLedger(db, keyring))
	data, checksum, err := exporter.BuildPack(context.Background(), submissionID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := os.WriteFile(outFile, data, 0o640); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Pack written to %s\n", outFile)
	_, _ = fmt.Fprintf(stdout, "sha256: %s\n", checksum)
	return 0
}
