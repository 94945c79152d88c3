// Package crypto implements the repository's authenticated-encryption
// envelope: AES-256-CTR for confidentiality and Poly1305-AES for
// authentication, exactly as restic's internal/crypto does, plus an
// AES-256-GCM utility for the out-of-core shareable-link encoder.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/arcread/arcread/internal/rerr"
	"golang.org/x/crypto/poly1305"
)

const (
	aesKeySize  = 32 // AES-256
	macKeySizeK = 16 // AES-128 subkey for Poly1305-AES
	macKeySizeR = 16 // Poly1305 r
	ivSize      = aes.BlockSize
	macSize     = poly1305.TagSize

	// Extension is the number of bytes a plaintext grows by once sealed
	// into an envelope: 16-byte IV + 16-byte tag.
	Extension = ivSize + macSize
)

// EncryptionKey is the repository's AES-256 data-encryption key.
type EncryptionKey [aesKeySize]byte

// MACKey holds the two Poly1305-AES halves: K (the AES-128 subkey used to
// derive the per-message pad) and R (the polynomial evaluation key).
type MACKey struct {
	K [macKeySizeK]byte
	R [macKeySizeR]byte
}

// Key holds the full master key material for a repository: the
// data-encryption key and the Poly1305-AES MAC key.
type Key struct {
	EncryptionKey
	MACKey
}

// NonceSize returns the IV length used by this envelope format.
func (k *Key) NonceSize() int { return ivSize }

// Overhead returns the tag length appended to every envelope.
func (k *Key) Overhead() int { return macSize }

// Valid reports whether k looks like it was actually populated.
func (k *Key) Valid() bool {
	var zeroEnc EncryptionKey
	var zeroMAC MACKey
	return k.EncryptionKey != zeroEnc && k.MACKey != zeroMAC
}

// Zero overwrites the key material with zero bytes. Called when a
// repository is closed, per spec.md's lifecycle section; Go cannot
// guarantee this prevents all copies from lingering in memory, but it
// removes the primary reference promptly.
func (k *Key) Zero() {
	for i := range k.EncryptionKey {
		k.EncryptionKey[i] = 0
	}
	k.MACKey.K = [macKeySizeK]byte{}
	k.MACKey.R = [macKeySizeR]byte{}
}

// poly1305AESMAC computes the Poly1305-AES tag over msg, using nonce as both
// the AES-ECB block encrypted with K to form the pad, and (after clamping)
// R as the polynomial key, per the Poly1305 specification.
func poly1305AESMAC(msg []byte, nonce []byte, key *MACKey) []byte {
	var polyKey [32]byte // layout expected by golang.org/x/crypto/poly1305: r(16) || s(16)

	block, err := aes.NewCipher(key.K[:])
	if err != nil {
		panic(err)
	}
	block.Encrypt(polyKey[16:], nonce)
	copy(polyKey[:16], key.R[:])

	var tag [16]byte
	poly1305.Sum(&tag, msg, &polyKey)
	return tag[:]
}

func poly1305AESVerify(msg, nonce []byte, key *MACKey, tag []byte) bool {
	var polyKey [32]byte

	block, err := aes.NewCipher(key.K[:])
	if err != nil {
		panic(err)
	}
	block.Encrypt(polyKey[16:], nonce)
	copy(polyKey[:16], key.R[:])

	var m [16]byte
	copy(m[:], tag)
	return poly1305.Verify(&m, msg, &polyKey)
}

// NewRandomNonce returns a fresh random 16-byte IV/nonce.
func NewRandomNonce() []byte {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		panic("unable to read random bytes for nonce: " + err.Error())
	}
	return iv
}

// CiphertextLength returns the size of an envelope wrapping a plaintext of
// plaintextLen bytes.
func CiphertextLength(plaintextLen int) int {
	return plaintextLen + Extension
}

// PlaintextLength returns the size of the plaintext contained in an
// envelope of ciphertextLen bytes (i.e. the inverse of CiphertextLength).
func PlaintextLength(ciphertextLen int) int {
	return ciphertextLen - Extension
}

// Seal encrypts and authenticates plaintext into the envelope format
// IV || ciphertext || tag, appending it to dst and returning the result.
func (k *Key) Seal(dst, plaintext []byte) ([]byte, error) {
	if !k.Valid() {
		return nil, rerr.New("crypto: key is invalid")
	}

	nonce := NewRandomNonce()

	block, err := aes.NewCipher(k.EncryptionKey[:])
	if err != nil {
		return nil, rerr.Wrap(err, "aes.NewCipher")
	}

	out := append(dst, nonce...)
	ctStart := len(out)
	out = append(out, make([]byte, len(plaintext))...)
	stream := cipher.NewCTR(block, nonce)
	stream.XORKeyStream(out[ctStart:], plaintext)

	tag := poly1305AESMAC(out[ctStart:], nonce, &k.MACKey)
	out = append(out, tag...)

	return out, nil
}

// Open verifies and decrypts an envelope of the form IV || ciphertext ||
// tag, appending the plaintext to dst. MAC verification runs via
// poly1305.Verify, whose constant-time comparison does not branch on the
// content of the mismatching bytes.
func (k *Key) Open(dst, envelope []byte) ([]byte, error) {
	if !k.Valid() {
		return nil, rerr.New("crypto: key is invalid")
	}

	if len(envelope) < ivSize+macSize {
		return nil, &AuthenticationFailure{Reason: "ciphertext too short"}
	}

	nonce := envelope[:ivSize]
	rest := envelope[ivSize:]
	ciphertext, tag := rest[:len(rest)-macSize], rest[len(rest)-macSize:]

	if !poly1305AESVerify(ciphertext, nonce, &k.MACKey, tag) {
		return nil, ErrUnauthenticated
	}

	block, err := aes.NewCipher(k.EncryptionKey[:])
	if err != nil {
		return nil, rerr.Wrap(err, "aes.NewCipher")
	}

	start := len(dst)
	dst = append(dst, make([]byte, len(ciphertext))...)
	stream := cipher.NewCTR(block, nonce)
	stream.XORKeyStream(dst[start:], ciphertext)

	return dst, nil
}

// ErrUnauthenticated is returned when envelope verification fails.
var ErrUnauthenticated = &AuthenticationFailure{Reason: "ciphertext verification failed"}

// AuthenticationFailure is the concrete type behind ErrUnauthenticated, kept
// separate from the higher-level rerr.AuthenticationError so crypto does not
// need to know which object (config/key/index/snapshot/blob) is being
// decrypted; callers wrap it with context as they bubble the error up.
type AuthenticationFailure struct {
	Reason string
}

func (e *AuthenticationFailure) Error() string { return e.Reason }
