// Package audit builds and verifies evidence packs: portable zip
// bundles of a submission's full audit chain, suitable for handing to
// an external reviewer. A pack can be re-verified offline with nothing
// but the MAC keyring; the database is not needed.
package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/pursuitworks/govern/pkg/audit/blob"
	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/crypto"
	"github.com/pursuitworks/govern/pkg/ledger"
)

// PackFormatVersion is the evidence pack layout version. Import accepts
// any pack with the same major version.
const PackFormatVersion = "1.0.0"

const (
	manifestName = "manifest.json"
	entriesName  = "entries.json"
	readmeName   = "README.txt"
)

// Manifest describes an evidence pack's contents.
type Manifest struct {
	FormatVersion string    `json:"format_version"`
	SubmissionID  string    `json:"submission_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	EntryCount    int       `json:"entry_count"`
	// ChainHead is the signature of the last entry at export time.
	ChainHead  string `json:"chain_head"`
	ChainValid bool   `json:"chain_valid"`
}

// Pack is a parsed evidence pack.
type Pack struct {
	Manifest Manifest
	Entries  []contracts.AuditEntry
}

// Exporter builds evidence packs from a live ledger.
type Exporter struct {
	ledger ledger.Ledger
	clock  func() time.Time
}

// NewExporter creates an exporter.
func NewExporter(l ledger.Ledger) *Exporter {
	return &Exporter{ledger: l, clock: time.Now}
}

// WithClock overrides the time source for tests.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// BuildPack bundles the submission's chain into a zip and returns the
// archive with its SHA-256 checksum. The chain is verified first; an
// invalid chain still exports, flagged in the manifest, so the evidence
// of tampering itself can be handed over.
func (e *Exporter) BuildPack(ctx context.Context, submissionID string) ([]byte, string, error) {
	entries, err := e.ledger.Entries(ctx, submissionID)
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", contracts.NotFoundf("audit chain for submission %s", submissionID)
	}
	report, err := e.ledger.VerifyChain(ctx, submissionID)
	if err != nil {
		return nil, "", err
	}

	manifest := Manifest{
		FormatVersion: PackFormatVersion,
		SubmissionID:  submissionID,
		GeneratedAt:   e.clock().UTC(),
		EntryCount:    len(entries),
		ChainHead:     entries[len(entries)-1].Signature,
		ChainValid:    report.Valid,
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: entries encoding failed: %w", err)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: manifest encoding failed: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create(entriesName)
	if err != nil {
		return nil, "", fmt.Errorf("audit: pack write failed: %w", err)
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create(manifestName)
	if err != nil {
		return nil, "", fmt.Errorf("audit: pack write failed: %w", err)
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create(readmeName)
	if err != nil {
		return nil, "", fmt.Errorf("audit: pack write failed: %w", err)
	}
	_, _ = fmt.Fprintf(f, "Audit evidence pack for submission %s\nGenerated at %s\nEntries: %d\n",
		submissionID, manifest.GeneratedAt.Format(time.RFC3339), len(entries))

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("audit: pack close failed: %w", err)
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}

// Publish builds the submission's pack and stores it content-addressed
// under its checksum. Returns the checksum and the storage key.
func (e *Exporter) Publish(ctx context.Context, dst blob.Store, submissionID string) (string, string, error) {
	data, checksum, err := e.BuildPack(ctx, submissionID)
	if err != nil {
		return "", "", err
	}
	key, err := dst.Put(ctx, checksum, data)
	if err != nil {
		return "", "", err
	}
	return checksum, key, nil
}

// ImportPack parses an evidence pack and checks its shape: a compatible
// format version and an entry count matching the manifest. Chain
// verification is separate; see VerifyPack.
func ImportPack(data []byte) (*Pack, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, contracts.Validationf("not a valid evidence pack: %v", err)
	}

	var pack Pack
	var sawManifest, sawEntries bool
	for _, file := range r.File {
		switch file.Name {
		case manifestName:
			if err := readJSON(file, &pack.Manifest); err != nil {
				return nil, err
			}
			sawManifest = true
		case entriesName:
			if err := readJSON(file, &pack.Entries); err != nil {
				return nil, err
			}
			sawEntries = true
		}
	}
	if !sawManifest || !sawEntries {
		return nil, contracts.Validationf("evidence pack is missing %s or %s", manifestName, entriesName)
	}

	if err := checkFormatVersion(pack.Manifest.FormatVersion); err != nil {
		return nil, err
	}
	if len(pack.Entries) != pack.Manifest.EntryCount {
		return nil, contracts.Integrityf("pack manifest declares %d entries, found %d",
			pack.Manifest.EntryCount, len(pack.Entries))
	}
	return &pack, nil
}

// VerifyPack re-verifies an imported pack's chain offline.
func VerifyPack(keyring *crypto.MACKeyring, pack *Pack) ledger.ChainReport {
	return ledger.VerifyDetached(keyring, pack.Manifest.SubmissionID, pack.Entries)
}

func checkFormatVersion(version string) error {
	packVer, err := semver.NewVersion(version)
	if err != nil {
		return contracts.Validationf("pack format version %q is not parseable: %v", version, err)
	}
	supported := semver.MustParse(PackFormatVersion)
	if packVer.Major() != supported.Major() {
		return contracts.Validationf("pack format %s is not compatible with %s", version, PackFormatVersion)
	}
	return nil
}

func readJSON(file *zip.File, v any) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("audit: pack read failed: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("audit: pack read failed: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return contracts.Validationf("corrupt %s in evidence pack: %v", file.Name, err)
	}
	return nil
}
