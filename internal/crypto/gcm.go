package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/arcread/arcread/internal/rerr"
)

// SealGCM and OpenGCM are AES-256-GCM helpers used only by the shareable-link
// encoder (an out-of-core collaborator per spec.md's scope): that encoder
// needs an authenticated cipher over a caller-chosen key, unrelated to a
// repository's own Poly1305-AES envelopes.

// SealGCM encrypts plaintext under key with AES-256-GCM, returning
// nonce || ciphertext || tag.
func SealGCM(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, rerr.Wrap(err, "aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, rerr.Wrap(err, "cipher.NewGCM")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, rerr.Wrap(err, "rand.Read")
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenGCM decrypts a nonce || ciphertext || tag envelope produced by SealGCM.
func OpenGCM(key [32]byte, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, rerr.Wrap(err, "aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, rerr.Wrap(err, "cipher.NewGCM")
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, rerr.New("crypto: GCM ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return plaintext, nil
}
