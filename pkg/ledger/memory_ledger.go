package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/crypto"
)

// MemoryLedger is an in-process Ledger for tests and single-node tooling.
// It produces chains byte-compatible with the SQL backend.
type MemoryLedger struct {
	mu      sync.RWMutex
	keyring *crypto.MACKeyring
	chains  map[string][]contracts.AuditEntry
	byID    map[string]*contracts.AuditEntry
	clock   func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(keyring *crypto.MACKeyring) *MemoryLedger {
	return &MemoryLedger{
		keyring: keyring,
		chains:  make(map[string][]contracts.AuditEntry),
		byID:    make(map[string]*contracts.AuditEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

// Append adds the next entry to the submission's chain.
func (l *MemoryLedger) Append(ctx context.Context, req AppendRequest) (*contracts.AuditEntry, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	head := genesisHead()
	chain := l.chains[req.SubmissionID]
	if n := len(chain); n > 0 {
		head = chainHead{sequence: chain[n-1].Sequence, signature: chain[n-1].Signature}
	}

	entry, err := buildEntry(l.keyring, l.clock, head, req)
	if err != nil {
		return nil, err
	}

	l.chains[req.SubmissionID] = append(chain, *entry)
	stored := &l.chains[req.SubmissionID][len(l.chains[req.SubmissionID])-1]
	l.byID[entry.EntryID] = stored

	out := *entry
	return &out, nil
}

// Entries returns a copy of the submission's chain in sequence order.
func (l *MemoryLedger) Entries(ctx context.Context, submissionID string) ([]contracts.AuditEntry, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.chains[submissionID]
	out := make([]contracts.AuditEntry, len(chain))
	copy(out, chain)
	return out, nil
}

// Entry returns one entry by ID.
func (l *MemoryLedger) Entry(ctx context.Context, entryID string) (*contracts.AuditEntry, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.byID[entryID]
	if !ok {
		return nil, contracts.NotFoundf("audit entry %s", entryID)
	}
	out := *entry
	return &out, nil
}

// VerifyEntry recomputes digest and signature for a single entry.
func (l *MemoryLedger) VerifyEntry(entry *contracts.AuditEntry) (bool, string) {
	return verifyEntry(l.keyring, entry)
}

// VerifyChain walks the submission's chain and localizes the first
// broken link, if any.
func (l *MemoryLedger) VerifyChain(ctx context.Context, submissionID string) (ChainReport, error) {
	entries, err := l.Entries(ctx, submissionID)
	if err != nil {
		return ChainReport{}, err
	}
	return verifyChain(l.keyring, submissionID, entries), nil
}

// Export returns the chain with per-entry verification status.
func (l *MemoryLedger) Export(ctx context.Context, submissionID string) ([]VerifiedEntry, error) {
	entries, err := l.Entries(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	return exportEntries(l.keyring, entries), nil
}

// Tamper overwrites a stored entry in place. Only for tests that assert
// the chain detects mutation; no production code path reaches it.
func (l *MemoryLedger) Tamper(submissionID string, sequence uint64, mutate func(*contracts.AuditEntry)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[submissionID]
	for i := range chain {
		if chain[i].Sequence == sequence {
			mutate(&chain[i])
			return true
		}
	}
	return false
}
