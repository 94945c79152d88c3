package data

// Config is the repository-wide record stored encrypted at the "config"
// object. ChunkerPolynomial is carried only for completeness with the
// on-disk format; this read-only engine never re-chunks content.
type Config struct {
	Version           uint   `json:"version"`
	ID                string `json:"id"`
	ChunkerPolynomial string `json:"chunker_polynomial"`
}

// MinVersion and MaxVersion bound the config versions this engine accepts.
const (
	MinVersion = 1
	MaxVersion = 2
)

// SupportsCompression reports whether packed blobs and unpacked files may
// use zstd compression under this config version.
func (c Config) SupportsCompression() bool {
	return c.Version >= 2
}
