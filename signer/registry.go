// Package signer dispatches decoded wire-protocol requests against the key
// registry: it composes magic-byte validation, high-watermark checks, BLS
// signing, and signature recording, and exposes the callback hooks a status
// UI installs to observe watermark refusals and signing activity.
package signer

import (
	"fmt"

	"github.com/russignol/signer/bls"
)

// KeyEntry is one (alias, secret key) pair handed to the registry at
// startup. Decryption of key material happens upstream; the registry never
// touches the filesystem.
type KeyEntry struct {
	Alias     string
	SecretKey bls.SecretKey
}

type registryEntry struct {
	alias     string
	secretKey bls.SecretKey
	publicKey bls.PublicKey
}

// Registry maps public key hashes to their signing material. It is
// populated once at construction and read-only afterward, so lookups need
// no locking.
type Registry struct {
	entries map[bls.PublicKeyHash]registryEntry
}

// NewRegistry derives the public key and hash for each entry and freezes
// the resulting mapping for the process lifetime.
func NewRegistry(keys []KeyEntry) *Registry {
	entries := make(map[bls.PublicKeyHash]registryEntry, len(keys))
	for _, k := range keys {
		pk := k.SecretKey.PublicKey()
		entries[pk.Hash()] = registryEntry{
			alias:     k.Alias,
			secretKey: k.SecretKey,
			publicKey: pk,
		}
	}
	return &Registry{entries: entries}
}

// lookup returns the registry entry for pkh.
func (r *Registry) lookup(pkh bls.PublicKeyHash) (registryEntry, error) {
	e, ok := r.entries[pkh]
	if !ok {
		return registryEntry{}, errKeyNotFound(pkh.ToB58Check())
	}
	return e, nil
}

// Contains reports whether pkh is registered.
func (r *Registry) Contains(pkh bls.PublicKeyHash) bool {
	_, ok := r.entries[pkh]
	return ok
}

// PublicKey returns the public key registered for pkh.
func (r *Registry) PublicKey(pkh bls.PublicKeyHash) (bls.PublicKey, error) {
	e, err := r.lookup(pkh)
	if err != nil {
		return bls.PublicKey{}, err
	}
	return e.publicKey, nil
}

// Alias returns the alias registered for pkh, or "" if unknown.
func (r *Registry) Alias(pkh bls.PublicKeyHash) string {
	return r.entries[pkh].alias
}

// Keys lists every registered public key hash.
func (r *Registry) Keys() []bls.PublicKeyHash {
	out := make([]bls.PublicKeyHash, 0, len(r.entries))
	for pkh := range r.entries {
		out = append(out, pkh)
	}
	return out
}

// Len returns the number of registered keys.
func (r *Registry) Len() int { return len(r.entries) }

// Error is the signer-level failure type: unknown keys and policy refusals.
type Error struct {
	Kind   string
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case "key_not_found":
		return fmt.Sprintf("signer: key not found: %s", e.Detail)
	case "not_authorized":
		return fmt.Sprintf("signer: operation not authorized: %s", e.Detail)
	default:
		return "signer: error"
	}
}

func errKeyNotFound(pkh string) *Error {
	return &Error{Kind: "key_not_found", Detail: pkh}
}

func errNotAuthorized(detail string) *Error {
	return &Error{Kind: "not_authorized", Detail: detail}
}
