package data

import "fmt"

// BlobType identifies what kind of content a blob holds.
type BlobType uint8

const (
	InvalidBlob BlobType = iota
	DataBlob
	TreeBlob
)

func (t BlobType) String() string {
	switch t {
	case DataBlob:
		return "data"
	case TreeBlob:
		return "tree"
	default:
		return "invalid"
	}
}

// MarshalJSON encodes the BlobType the way the repository's JSON encodings
// spell it: "data" or "tree".
func (t BlobType) MarshalJSON() ([]byte, error) {
	switch t {
	case DataBlob:
		return []byte(`"data"`), nil
	case TreeBlob:
		return []byte(`"tree"`), nil
	default:
		return nil, fmt.Errorf("unknown blob type %d", t)
	}
}

// UnmarshalJSON decodes "data"/"tree" into a BlobType.
func (t *BlobType) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"data"`:
		*t = DataBlob
	case `"tree"`:
		*t = TreeBlob
	default:
		return fmt.Errorf("unknown blob type %s", b)
	}
	return nil
}

// BlobHandle identifies a blob of a given type, used as a lookup key.
type BlobHandle struct {
	ID   ID
	Type BlobType
}

func (h BlobHandle) String() string {
	return fmt.Sprintf("<%s/%s>", h.Type, h.ID.String()[:8])
}
