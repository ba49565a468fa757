package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is a 128-bit entity identifier held as raw bytes. Caches key on the
// raw value; conversion to and from textual UUID form happens only at the
// transport and storage boundaries.
type ID [16]byte

// ZeroID is the absent-ID sentinel.
var ZeroID ID

// NewID returns a fresh random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses a textual UUID into an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ZeroID, fmt.Errorf("model: parse id %q: %w", s, err)
	}
	return ID(u), nil
}

// MustID parses a textual UUID and panics on failure. Test helper.
func MustID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IDFromBytes converts a 16-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return ZeroID, fmt.Errorf("model: id must be 16 bytes, got %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// String renders the canonical lowercase UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText renders the textual UUID form; JSON and map keys use it.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the textual UUID form.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
