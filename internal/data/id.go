package data

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/arcread/arcread/internal/rerr"
)

// idSize is the size of an ID in bytes: SHA-256 digest length.
const idSize = sha256.Size

// ID references content within a repository. It is always rendered as 64
// lowercase hex characters when it addresses an object or appears in JSON.
type ID [idSize]byte

// Hash returns the ID of data, i.e. its SHA-256 digest.
func Hash(data []byte) ID {
	return sha256.Sum256(data)
}

// ParseID converts a hex string into an ID.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, rerr.Wrap(err, "hex.DecodeString")
	}
	if len(b) != idSize {
		return ID{}, rerr.Errorf("invalid length for ID: %d bytes", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// String renders the ID as 64 lowercase hex characters.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero ID.
func (id ID) IsZero() bool {
	var zero ID
	return id == zero
}

// MarshalJSON renders the ID as a hex string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses a hex string into the ID.
func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return rerr.Wrap(err, "Unmarshal")
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IDs is an ordered list of IDs.
type IDs []ID

// IDSet is an unordered set of IDs.
type IDSet map[ID]struct{}

// NewIDSet returns a set containing ids.
func NewIDSet(ids ...ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is a member of the set.
func (s IDSet) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Insert adds id to the set.
func (s IDSet) Insert(id ID) {
	s[id] = struct{}{}
}
