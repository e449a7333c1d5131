package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint summarizes the conversation state resident in an engine
// instance: one digest per message, in order. An empty fingerprint means
// no resident context (stateless kinds, or a freshly prepared instance
// with no initial messages).
type Fingerprint []string

// HashMessage digests a single conversation turn. Role and content are
// separated by a newline so ("user", "ab") and ("usera", "b") differ.
func HashMessage(m Message) string {
	h := sha256.Sum256([]byte(m.Role + "\n" + m.Content))
	return hex.EncodeToString(h[:8])
}

// FingerprintMessages digests an ordered message list.
func FingerprintMessages(msgs []Message) Fingerprint {
	if len(msgs) == 0 {
		return nil
	}
	fp := make(Fingerprint, len(msgs))
	for i, m := range msgs {
		fp[i] = HashMessage(m)
	}
	return fp
}

// IsPrefixOf reports whether f is a (possibly empty) prefix of other.
// A resident fingerprint that is a prefix of the incoming request means
// the engine can skip re-ingesting those turns.
func (f Fingerprint) IsPrefixOf(other Fingerprint) bool {
	if len(f) > len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// MatchScore scores f as resident state for a request with fingerprint
// want: the number of turns skipped if f is a prefix, -1 if the resident
// state is unrelated and must be reset first.
func (f Fingerprint) MatchScore(want Fingerprint) int {
	if len(f) == 0 {
		return 0
	}
	if f.IsPrefixOf(want) {
		return len(f)
	}
	return -1
}
