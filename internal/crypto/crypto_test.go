package crypto

import (
	"bytes"
	"testing"

	"github.com/arcread/arcread/internal/rtest"
)

func testKey(t *testing.T) *Key {
	k := &Key{}
	for i := range k.EncryptionKey {
		k.EncryptionKey[i] = byte(i)
	}
	for i := range k.MACKey.K {
		k.MACKey.K[i] = byte(i + 1)
	}
	for i := range k.MACKey.R {
		k.MACKey.R[i] = byte(i + 2)
	}
	rtest.Assert(t, k.Valid(), "expected key to be valid")
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	k := testKey(t)
	plaintext := []byte("hello world, this is a test message for the envelope")

	sealed, err := k.Seal(nil, plaintext)
	rtest.OK(t, err)
	rtest.Assert(t, len(sealed) == len(plaintext)+Extension, "unexpected envelope length")

	opened, err := k.Open(nil, sealed)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(opened, plaintext), "round-trip plaintext mismatch")
}

func TestOpenDetectsTamperedCiphertext(t *testing.T) {
	k := testKey(t)
	sealed, err := k.Seal(nil, []byte("sensitive content"))
	rtest.OK(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[ivSize] ^= 0x01

	_, err = k.Open(nil, tampered)
	rtest.Assert(t, err == ErrUnauthenticated, "expected ErrUnauthenticated, got %v", err)
}

func TestOpenDetectsTamperedTag(t *testing.T) {
	k := testKey(t)
	sealed, err := k.Seal(nil, []byte("sensitive content"))
	rtest.OK(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	_, err = k.Open(nil, tampered)
	rtest.Assert(t, err == ErrUnauthenticated, "expected ErrUnauthenticated, got %v", err)
}

func TestOpenFlippedIVNeverReproducesPlaintext(t *testing.T) {
	// The MAC covers only the ciphertext, but the IV is also the nonce whose
	// AES-K encryption forms the Poly1305 pad, so a flipped IV makes Open
	// reject the envelope. Whatever the outcome, a flipped IV must never
	// silently reproduce the original plaintext.
	k := testKey(t)
	plaintext := []byte("0123456789abcdef0123456789abcdef")
	sealed, err := k.Seal(nil, plaintext)
	rtest.OK(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[0] ^= 0x01

	opened, err := k.Open(nil, tampered)
	if err != nil {
		// the changed pad makes the MAC fail.
		rtest.Assert(t, err == ErrUnauthenticated, "unexpected error: %v", err)
		return
	}
	rtest.Assert(t, !bytes.Equal(opened, plaintext), "flipped IV must not silently reproduce plaintext")
}

func TestOpenRejectsShortCiphertext(t *testing.T) {
	k := testKey(t)
	_, err := k.Open(nil, make([]byte, 10))
	rtest.Assert(t, err != nil, "expected error for short ciphertext")
}

func TestKDFDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0xAA}, 32)
	params := Params{N: 16384, R: 8, P: 1}

	k1, err := KDF(params, salt, "correct horse")
	rtest.OK(t, err)
	k2, err := KDF(params, salt, "correct horse")
	rtest.OK(t, err)
	rtest.Equals(t, k1, k2)

	k3, err := KDF(params, salt, "battery staple")
	rtest.OK(t, err)
	rtest.Assert(t, *k1 != *k3, "different passwords must derive different keys")
}

func TestGCMRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i * 3)
	}

	plaintext := []byte("share-link payload")
	sealed, err := SealGCM(key, plaintext)
	rtest.OK(t, err)

	opened, err := OpenGCM(key, sealed)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(opened, plaintext), "GCM round-trip mismatch")

	sealed[0] ^= 0xFF
	_, err = OpenGCM(key, sealed)
	rtest.Assert(t, err != nil, "expected error for tampered GCM ciphertext")
}
