package delivery

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Fingerprint identifies a message for deduplication.
type Fingerprint string

// FingerprintOf hashes the exact message text, whitespace included.
func FingerprintOf(content string) Fingerprint {
	sum := sha3.Sum256([]byte(content))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Short returns a prefix suitable for log lines.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// Scope selects what a delivery key covers.
type Scope string

const (
	// ScopeContent keys on the message text alone, so the same text on two
	// numbers is delivered once.
	ScopeContent Scope = "content"
	// ScopeNumber keys on (number, text).
	ScopeNumber Scope = "number"
)

// ParseScope validates a configured scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeContent, ScopeNumber:
		return Scope(s), nil
	case "":
		return ScopeContent, nil
	}
	return "", fmt.Errorf("unknown dedup scope %q", s)
}

// Key returns the delivery key for a message body received on number.
func (s Scope) Key(number, content string) Fingerprint {
	if s == ScopeNumber {
		return FingerprintOf(number + "\x00" + content)
	}
	return FingerprintOf(content)
}

// Record is the set of keys already handed off for delivery. It only
// grows for the life of the process.
type Record struct {
	seen map[Fingerprint]struct{}
}

func NewRecord() *Record {
	return &Record{seen: make(map[Fingerprint]struct{})}
}

func (r *Record) Has(f Fingerprint) bool {
	_, ok := r.seen[f]
	return ok
}

func (r *Record) Add(f Fingerprint) {
	r.seen[f] = struct{}{}
}

func (r *Record) Len() int {
	return len(r.seen)
}
