package crypto

import (
	"crypto/rand"

	"github.com/arcread/arcread/internal/rerr"
	"golang.org/x/crypto/scrypt"
)

// Params are the scrypt cost parameters recorded alongside a key file.
type Params struct {
	N, R, P int
}

// saltSize is the conventional salt length written by this repository
// format; the KDF itself accepts any non-empty salt.
const saltSize = 64

// NewSalt returns a fresh random scrypt salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, rerr.Wrap(err, "rand.Read")
	}
	return salt, nil
}

// KDF derives a Key from password and salt using scrypt with the given
// parameters. N must be a power of two; output is 64 bytes, split into a
// 32-byte encryption key followed by 16-byte MAC K and 16-byte MAC R.
func KDF(params Params, salt []byte, password string) (*Key, error) {
	if len(salt) == 0 {
		return nil, rerr.New("crypto: KDF called with empty salt")
	}

	const keyBytes = aesKeySize + macKeySizeK + macKeySizeR

	derived, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, keyBytes)
	if err != nil {
		return nil, rerr.Wrap(err, "scrypt.Key")
	}

	k := &Key{}
	copy(k.EncryptionKey[:], derived[:aesKeySize])
	copy(k.MACKey.K[:], derived[aesKeySize:aesKeySize+macKeySizeK])
	copy(k.MACKey.R[:], derived[aesKeySize+macKeySizeK:])

	return k, nil
}
