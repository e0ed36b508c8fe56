// Package credential turns the identifiers read from RFID tags into the
// fingerprints stored in the registry. Raw credentials are never stored or
// logged, only their fingerprints.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Credential is the raw identifier read from a tag.
type Credential string

// FromUID returns the Credential for a tag UID as read from a reader. The
// enrolment reader numbers a tag by its whole anticollision frame, a single
// size UID followed by its BCC, so a 4 byte UID gets its BCC appended. The
// bytes are read as one big-endian number and formatted in decimal.
func FromUID(uid []byte) Credential {
	if len(uid) == 4 {
		uid = append(append(make([]byte, 0, 5), uid...), bcc(uid))
	}
	return Credential(new(big.Int).SetBytes(uid).String())
}

// bcc is the ISO 14443-3 block check character, the XOR of the UID bytes.
func bcc(uid []byte) byte {
	var c byte
	for _, b := range uid {
		c ^= b
	}
	return c
}

// Parse returns the Credential for a tag number typed by an operator, it is
// normalised to the form FromUID produces.
func Parse(s string) (Credential, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("invalid tag %q, want a decimal number", s)
	}
	return Credential(n.String()), nil
}

// String redacts the credential so it cannot leak into logs by accident.
func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[redacted]"
}

// Fingerprint returns the lookup key for c.
func (c Credential) Fingerprint() Fingerprint {
	return Of(c)
}

// Fingerprint is the hex encoded SHA-256 of a Credential.
type Fingerprint string

// Of fingerprints c. Every write and read of the registry must go through
// here or lookups will silently miss.
func Of(c Credential) Fingerprint {
	sum := sha256.Sum256([]byte(c))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Short is a truncated fingerprint for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
