// Package crypto provides the keyed MAC signing used by the audit ledger.
//
// A process-wide master secret never signs anything directly: per-version
// signing keys are derived from it with HKDF-SHA256, and each signature
// records the key version that produced it. Verification uses the version
// recorded on the entry, so historical entries stay verifiable after a
// rotation.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	// SigPrefix identifies the MAC scheme in stored signatures.
	SigPrefix = "hmac-sha256"
	// SigSeparator joins scheme, key version and MAC hex.
	SigSeparator = ":"

	keyInfoFormat = "audit-ledger/v%d"
	macKeySize    = 32
)

var (
	ErrEmptyMasterKey    = errors.New("crypto: master key must not be empty")
	ErrUnknownKeyVer     = errors.New("crypto: unknown key version")
	ErrMalformedSig      = errors.New("crypto: malformed signature")
	ErrUnsupportedScheme = errors.New("crypto: unsupported signature scheme")
)

// MACKeyring derives and holds the versioned HMAC keys for ledger signing.
// The derived keys are read-only at runtime and never exposed through any
// accessor or log line.
type MACKeyring struct {
	mu     sync.RWMutex
	keys   map[int][]byte
	active int
}

// NewMACKeyring derives key versions 1..activeVersion from the master
// secret. activeVersion below 1 is treated as 1.
func NewMACKeyring(master []byte, activeVersion int) (*MACKeyring, error) {
	if len(master) == 0 {
		return nil, ErrEmptyMasterKey
	}
	if activeVersion < 1 {
		activeVersion = 1
	}

	k := &MACKeyring{keys: make(map[int][]byte), active: activeVersion}
	for v := 1; v <= activeVersion; v++ {
		key, err := deriveKey(master, v)
		if err != nil {
			return nil, err
		}
		k.keys[v] = key
	}
	return k, nil
}

func deriveKey(master []byte, version int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(fmt.Sprintf(keyInfoFormat, version)))
	key := make([]byte, macKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: key derivation for v%d failed: %w", version, err)
	}
	return key, nil
}

// ActiveVersion returns the version new signatures are produced with.
func (k *MACKeyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Rotate derives the next key version and makes it active. Prior versions
// remain available for verification.
func (k *MACKeyring) Rotate(master []byte) (int, error) {
	if len(master) == 0 {
		return 0, ErrEmptyMasterKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	next := k.active + 1
	key, err := deriveKey(master, next)
	if err != nil {
		return 0, err
	}
	k.keys[next] = key
	k.active = next
	return next, nil
}

// signingInput binds the chain link: prior signature, payload digest, and
// the per-submission sequence number.
func signingInput(priorHash, digest string, sequence uint64) []byte {
	return []byte(priorHash + "|" + digest + "|" + strconv.FormatUint(sequence, 10))
}

// Sign produces a signature with the active key version, in the form
// "hmac-sha256:<version>:<hex>".
func (k *MACKeyring) Sign(priorHash, digest string, sequence uint64) (string, int, error) {
	k.mu.RLock()
	version := k.active
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return "", 0, fmt.Errorf("%w: v%d", ErrUnknownKeyVer, version)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(signingInput(priorHash, digest, sequence))
	sig := SigPrefix + SigSeparator + strconv.Itoa(version) + SigSeparator + hex.EncodeToString(mac.Sum(nil))
	return sig, version, nil
}

// Verify recomputes the MAC with the key version embedded in the stored
// signature and compares in constant time.
func (k *MACKeyring) Verify(signature, priorHash, digest string, sequence uint64) (bool, error) {
	version, want, err := ParseSignature(signature)
	if err != nil {
		return false, err
	}

	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: v%d", ErrUnknownKeyVer, version)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(signingInput(priorHash, digest, sequence))
	return hmac.Equal(mac.Sum(nil), want), nil
}

// ParseSignature splits a stored signature into key version and MAC bytes.
func ParseSignature(signature string) (int, []byte, error) {
	parts := strings.SplitN(signature, SigSeparator, 3)
	if len(parts) != 3 {
		return 0, nil, ErrMalformedSig
	}
	if parts[0] != SigPrefix {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parts[0])
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil || version < 1 {
		return 0, nil, ErrMalformedSig
	}
	mac, err := hex.DecodeString(parts[2])
	if err != nil || len(mac) != sha256.Size {
		return 0, nil, ErrMalformedSig
	}
	return version, mac, nil
}
