// Package token implements the dual-token bearer credential scheme for
// review cases. Tokens are opaque, URL-safe strings; only their SHA-256
// digests are ever stored.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// EntropyBytes is the number of random bytes in a generated token. 32 bytes
// gives 256 bits of entropy in 43 base64url characters, short enough to
// survive being retyped or relayed through lossy text channels.
const EntropyBytes = 32

// DigestSize is the length in bytes of a stored token digest.
const DigestSize = sha256.Size

// Digest is the stored one-way hash of a token.
type Digest [DigestSize]byte

// Purpose identifies which credential a token is being checked against.
// The closed enum rules out a typo'd purpose string silently selecting the
// wrong digest.
type Purpose int

const (
	// PurposeReview is the credential embedded in the human-facing review
	// URL.
	PurposeReview Purpose = iota

	// PurposeSubmit is the credential used for agent-driven inline
	// submission.
	PurposeSubmit
)

// String returns the wire name of the purpose.
func (p Purpose) String() string {
	switch p {
	case PurposeReview:
		return "review"
	case PurposeSubmit:
		return "submit"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// Generate returns a new bearer token: 256 bits from crypto/rand encoded as
// unpadded base64url.
func Generate() (string, error) {
	var buf [EntropyBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// Hash returns the storage digest for a token. The raw token is never
// persisted.
func Hash(tok string) Digest {
	return sha256.Sum256([]byte(tok))
}

// Verify reports whether tok hashes to the stored digest. The comparison is
// constant time; a mismatch reveals nothing about where it diverged.
func Verify(tok string, stored Digest) bool {
	candidate := Hash(tok)
	return subtle.ConstantTimeCompare(candidate[:], stored[:]) == 1
}

// DigestHolder is implemented by review cases so the token package does not
// depend on the case type. TokenDigest returns the stored digest for a
// purpose, or false if the case carries no credential for it.
type DigestHolder interface {
	TokenDigest(purpose Purpose) (Digest, bool)
}

// VerifyForPurpose checks tok against the case digest selected by purpose.
// A token valid for one purpose never verifies against the other: leaking
// the review URL must not grant inline-submit capability, and vice versa.
func VerifyForPurpose(tok string, holder DigestHolder, purpose Purpose) bool {
	stored, ok := holder.TokenDigest(purpose)
	if !ok {
		return false
	}

	return Verify(tok, stored)
}
