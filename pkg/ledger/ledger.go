// Package ledger implements the tamper-evident audit ledger: one
// append-only, hash-chained, MAC-signed event log per submission.
//
// Every entry's signature covers the prior entry's signature, the digest
// of the canonicalized payload, and the per-submission sequence number.
// A verified signature therefore transitively attests to the validity of
// every entry before it in that submission's chain. No update or delete
// operation exists anywhere in this package's contract; corrections are
// new compensating entries that reference the original by sequence.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pursuitworks/govern/pkg/canonicalize"
	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/crypto"
)

// AppendRequest describes one entry to append.
type AppendRequest struct {
	SubmissionID string
	Actor        string
	Action       contracts.AuditAction
	Payload      interface{}
	EvidenceRefs []string
	// CompensatesSeq marks this entry as a correction of an earlier one.
	CompensatesSeq uint64
}

// VerifiedEntry pairs an entry with its verification result for export.
type VerifiedEntry struct {
	Entry  contracts.AuditEntry `json:"entry"`
	Valid  bool                 `json:"valid"`
	Reason string               `json:"reason,omitempty"`
}

// ChainReport is the result of walking a submission's full chain.
// BrokenAtSequence localizes the first point of failure so operators can
// find where tampering started; it is zero when the chain is valid.
type ChainReport struct {
	SubmissionID     string `json:"submission_id"`
	Valid            bool   `json:"valid"`
	BrokenAtSequence uint64 `json:"broken_at_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Entries          int    `json:"entries"`
}

// Err maps an invalid report onto the integrity error taxonomy.
func (r ChainReport) Err() error {
	if r.Valid {
		return nil
	}
	return contracts.Integrityf("chain for %s broken at sequence %d: %s",
		r.SubmissionID, r.BrokenAtSequence, r.Reason)
}

// Ledger is the append-only audit log contract.
type Ledger interface {
	// Append creates the next entry in the submission's chain. It must be
	// invoked inside the same transaction as the workflow state mutation
	// it records; SQL implementations expose WithTx for that.
	Append(ctx context.Context, req AppendRequest) (*contracts.AuditEntry, error)
	// Entries returns the submission's chain in sequence order.
	Entries(ctx context.Context, submissionID string) ([]contracts.AuditEntry, error)
	// Entry returns one entry by its ID.
	Entry(ctx context.Context, entryID string) (*contracts.AuditEntry, error)
	// VerifyEntry recomputes digest and signature from stored content.
	VerifyEntry(entry *contracts.AuditEntry) (bool, string)
	// VerifyChain walks the submission's chain and reports the first
	// broken link, if any.
	VerifyChain(ctx context.Context, submissionID string) (ChainReport, error)
	// Export returns the chain with per-entry verification status.
	Export(ctx context.Context, submissionID string) ([]VerifiedEntry, error)
}

// chainHead is the link state read before appending.
type chainHead struct {
	sequence  uint64
	signature string
}

func genesisHead() chainHead {
	return chainHead{sequence: 0, signature: contracts.GenesisHash}
}

// buildEntry canonicalizes the payload, signs the chain link, and fills a
// complete entry. Shared by all backends so memory and SQL chains are
// byte-compatible.
func buildEntry(keyring *crypto.MACKeyring, clock func() time.Time, head chainHead, req AppendRequest) (*contracts.AuditEntry, error) {
	if req.SubmissionID == "" {
		return nil, contracts.Validationf("submission id must not be empty")
	}
	if req.Actor == "" {
		return nil, contracts.Validationf("actor must not be empty")
	}

	canonical, err := canonicalize.JCS(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: payload canonicalization failed: %w", err)
	}
	digest := canonicalize.DigestBytes(canonical)

	sequence := head.sequence + 1
	signature, keyVersion, err := keyring.Sign(head.signature, digest, sequence)
	if err != nil {
		return nil, fmt.Errorf("ledger: signing failed: %w", err)
	}

	return &contracts.AuditEntry{
		EntryID:        uuid.New().String(),
		SubmissionID:   req.SubmissionID,
		Sequence:       sequence,
		Timestamp:      clock().UTC(),
		Actor:          req.Actor,
		Action:         req.Action,
		Payload:        json.RawMessage(canonical),
		Digest:         digest,
		PriorHash:      head.signature,
		Signature:      signature,
		KeyVersion:     keyVersion,
		EvidenceRefs:   req.EvidenceRefs,
		CompensatesSeq: req.CompensatesSeq,
	}, nil
}

// verifyEntry checks digest and signature of a single entry against the
// keyring. Returns false with a reason on the first failed check.
func verifyEntry(keyring *crypto.MACKeyring, entry *contracts.AuditEntry) (bool, string) {
	digest, err := canonicalize.Digest(entry.Payload)
	if err != nil {
		return false, fmt.Sprintf("payload canonicalization failed: %v", err)
	}
	if digest != entry.Digest {
		return false, "payload digest mismatch"
	}

	ok, err := keyring.Verify(entry.Signature, entry.PriorHash, digest, entry.Sequence)
	if err != nil {
		return false, fmt.Sprintf("signature check failed: %v", err)
	}
	if !ok {
		return false, "signature mismatch"
	}
	return true, ""
}

// verifyChain walks entries (assumed sequence-ordered) and localizes the
// first broken link: a gap, a failed entry check, or a prior-hash that
// does not match the preceding signature.
func verifyChain(keyring *crypto.MACKeyring, submissionID string, entries []contracts.AuditEntry) ChainReport {
	report := ChainReport{SubmissionID: submissionID, Valid: true, Entries: len(entries)}

	prior := genesisHead()
	for i := range entries {
		entry := &entries[i]
		if entry.Sequence != prior.sequence+1 {
			report.Valid = false
			report.BrokenAtSequence = entry.Sequence
			report.Reason = fmt.Sprintf("sequence gap: expected %d, got %d", prior.sequence+1, entry.Sequence)
			return report
		}
		if entry.PriorHash != prior.signature {
			report.Valid = false
			report.BrokenAtSequence = entry.Sequence
			report.Reason = "prior hash does not match preceding signature"
			return report
		}
		if ok, reason := verifyEntry(keyring, entry); !ok {
			report.Valid = false
			report.BrokenAtSequence = entry.Sequence
			report.Reason = reason
			return report
		}
		prior = chainHead{sequence: entry.Sequence, signature: entry.Signature}
	}
	return report
}

// VerifyDetached re-verifies a chain that has left the database, such as
// entries imported from an evidence pack. The entries must be in
// sequence order.
func VerifyDetached(keyring *crypto.MACKeyring, submissionID string, entries []contracts.AuditEntry) ChainReport {
	return verifyChain(keyring, submissionID, entries)
}

// exportEntries builds the export view with per-entry verification.
func exportEntries(keyring *crypto.MACKeyring, entries []contracts.AuditEntry) []VerifiedEntry {
	out := make([]VerifiedEntry, 0, len(entries))
	prior := genesisHead()
	for i := range entries {
		entry := entries[i]
		valid, reason := verifyEntry(keyring, &entry)
		if valid && entry.PriorHash != prior.signature {
			valid = false
			reason = "prior hash does not match preceding signature"
		}
		out = append(out, VerifiedEntry{Entry: entry, Valid: valid, Reason: reason})
		prior = chainHead{sequence: entry.Sequence, signature: entry.Signature}
	}
	return out
}
