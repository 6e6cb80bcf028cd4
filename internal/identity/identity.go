// Package identity provides session identifier generation for the broker.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// IDSize is the size of a SessionID in bytes (128 bits)
	IDSize = 16
)

var (
	// ErrInvalidIDLength is returned when the ID length is incorrect
	ErrInvalidIDLength = errors.New("invalid session ID length: expected 16 bytes")

	// ErrInvalidHexString is returned when the hex string is malformed
	ErrInvalidHexString = errors.New("invalid hex string for session ID")

	// ZeroID represents an uninitialized session ID
	ZeroID = SessionID{}
)

// SessionID is a unique 128-bit identifier for one transport session.
// IDs are generated with crypto/rand and are unique for the lifetime of the
// process; they are never persisted.
type SessionID [IDSize]byte

// NewSessionID generates a new random SessionID.
func NewSessionID() (SessionID, error) {
	var id SessionID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("failed to generate session ID: %w", err)
	}
	return id, nil
}

// MustNewSessionID generates a new SessionID and panics on entropy failure.
// Entropy failure is unrecoverable for the process, so callers on the accept
// path use this form.
func MustNewSessionID() SessionID {
	id, err := NewSessionID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseSessionID parses a SessionID from a hex string.
func ParseSessionID(s string) (SessionID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	bytes, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id SessionID
	copy(id[:], bytes)
	return id, nil
}

// FromBytes creates a SessionID from a byte slice.
func FromBytes(b []byte) (SessionID, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id SessionID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation of the SessionID.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation (first 8 chars).
func (id SessionID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns the SessionID as a byte slice.
func (id SessionID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the SessionID is uninitialized (all zeros).
func (id SessionID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id SessionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SessionID) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
