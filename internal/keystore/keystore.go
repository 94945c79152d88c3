// Package keystore implements the key-unlock protocol (C4 in spec.md):
// discover key files under keys/, try each against the supplied password,
// and yield the master key from the first one that authenticates.
package keystore

import (
	"context"
	"encoding/json"

	"github.com/arcread/arcread/internal/crypto"
	"github.com/arcread/arcread/internal/data"
	"github.com/arcread/arcread/internal/rerr"
	"github.com/arcread/arcread/internal/store"
)

// Unlock lists keys/, tries each key file against password, and returns the
// master key from the first one whose Data field authenticates. Key files
// that fail to parse or fail to authenticate are recorded and skipped; the
// order keys are tried follows the store's listing order, which is
// unspecified (spec.md §9 Open Questions).
func Unlock(ctx context.Context, st store.Store, password string) (*crypto.Key, error) {
	var names []string
	err := st.List(ctx, store.KeysPrefix, func(key string) error {
		names = append(names, store.TrimPrefix(key, store.KeysPrefix))
		return nil
	})
	if err != nil {
		return nil, &rerr.TransportError{Key: store.KeysPrefix, Cause: err}
	}

	if len(names) == 0 {
		return nil, &rerr.NoKeysError{}
	}

	var lastErr error
	for _, name := range names {
		master, err := tryKey(ctx, st, name, password)
		if err != nil {
			lastErr = err
			continue
		}
		return master, nil
	}

	return nil, &rerr.BadPasswordError{Cause: lastErr}
}

func tryKey(ctx context.Context, st store.Store, name, password string) (*crypto.Key, error) {
	raw, err := st.Get(ctx, store.KeyObjectKey(name))
	if err != nil {
		return nil, &rerr.TransportError{Key: name, Cause: err}
	}

	var kf data.KeyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, &rerr.FormatError{Message: "key file " + name + ": " + err.Error()}
	}

	if kf.KDF != "scrypt" {
		return nil, &rerr.FormatError{Message: "key file " + name + ": unsupported KDF " + kf.KDF}
	}

	userKey, err := crypto.KDF(crypto.Params{N: kf.N, R: kf.R, P: kf.P}, kf.Salt, password)
	if err != nil {
		return nil, err
	}

	// The key file's Data payload is its own authenticated envelope,
	// distinct from the object body that carries it (spec.md §4.4): a
	// wrong password fails Poly1305 verification here, before any JSON
	// parsing of the decrypted payload is attempted.
	plaintext, err := userKey.Open(nil, kf.Data)
	if err != nil {
		return nil, &rerr.AuthenticationError{Context: "key " + name}
	}

	var mk data.MasterKeyJSON
	if err := json.Unmarshal(plaintext, &mk); err != nil {
		return nil, &rerr.FormatError{Message: "master key " + name + ": " + err.Error()}
	}

	master := &crypto.Key{}
	if len(mk.Encrypt) != len(master.EncryptionKey) ||
		len(mk.MAC.K) != len(master.MACKey.K) ||
		len(mk.MAC.R) != len(master.MACKey.R) {
		return nil, &rerr.FormatError{Message: "master key " + name + ": wrong field lengths"}
	}
	copy(master.EncryptionKey[:], mk.Encrypt)
	copy(master.MACKey.K[:], mk.MAC.K)
	copy(master.MACKey.R[:], mk.MAC.R)

	if !master.Valid() {
		return nil, &rerr.FormatError{Message: "master key " + name + ": invalid (all-zero) key material"}
	}

	return master, nil
}
