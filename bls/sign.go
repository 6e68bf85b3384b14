package bls

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"golang.org/x/crypto/blake2b"
)

// blake2b256 computes the unkeyed Blake2b-256 digest of data.
func blake2b256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// withWatermark prepends an optional watermark prefix ahead of the payload
// that actually gets signed. The request handler passes no prefix: the
// operation's magic byte and chain id are already part of the payload.
func withWatermark(msg, watermarkPrefix []byte) []byte {
	if len(watermarkPrefix) == 0 {
		return msg
	}
	out := make([]byte, 0, len(watermarkPrefix)+len(msg))
	out = append(out, watermarkPrefix...)
	out = append(out, msg...)
	return out
}

// Sign produces a consensus signature over msg (optionally prefixed by
// watermarkPrefix) using the ordinary signing domain separation tag.
func Sign(sk SecretKey, msg, watermarkPrefix []byte) Signature {
	toSign := withWatermark(msg, watermarkPrefix)
	var sig blst.P2Affine
	sig.Sign(&sk.inner, toSign, sigDST)
	return Signature{inner: sig}
}

// Verify checks a consensus signature produced by Sign.
func Verify(pk PublicKey, sig Signature, msg, watermarkPrefix []byte) bool {
	toVerify := withWatermark(msg, watermarkPrefix)
	return sig.inner.Verify(true, &pk.inner, true, toVerify, sigDST)
}

// PopProve produces a proof of possession for sk, optionally binding an
// auxiliary message. The request handler always passes nil.
func PopProve(sk SecretKey, msg []byte) Signature {
	var sig blst.P2Affine
	sig.Sign(&sk.inner, msg, popDST)
	return Signature{inner: sig}
}

// PopVerify checks a proof of possession produced by PopProve.
func PopVerify(pk PublicKey, proof Signature, msg []byte) bool {
	return proof.inner.Verify(true, &pk.inner, true, msg, popDST)
}

// DeterministicNonce derives a deterministic 32-byte nonce for msg under sk,
// computed as HMAC-SHA256(key=sk's little-endian bytes, msg).
func DeterministicNonce(sk SecretKey, msg []byte) [32]byte {
	skBytes := sk.Bytes()
	mac := hmac.New(sha256.New, skBytes[:])
	mac.Write(msg)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// DeterministicNonceHash returns the Blake2b-256 digest of the deterministic
// nonce for msg under sk, letting a caller attest to the nonce value without
// revealing it.
func DeterministicNonceHash(sk SecretKey, msg []byte) [32]byte {
	nonce := DeterministicNonce(sk, msg)
	return blake2b256(nonce[:])
}

// GenerateKey derives a (hash, public key, secret key) triple from seed, or
// from 32 bytes of crypto/rand output when seed is nil. The same modular
// reduction fallback as SecretKeyFromBytes applies, so any 32-byte seed
// produces a valid key.
func GenerateKey(seed *[32]byte) (PublicKeyHash, PublicKey, SecretKey, error) {
	var seedBytes [SecretKeySize]byte
	if seed != nil {
		seedBytes = *seed
	} else if _, err := rand.Read(seedBytes[:]); err != nil {
		return PublicKeyHash{}, PublicKey{}, SecretKey{}, fmt.Errorf("bls: generate key: %w", err)
	}

	sk, err := SecretKeyFromBytes(seedBytes[:])
	if err != nil {
		return PublicKeyHash{}, PublicKey{}, SecretKey{}, err
	}
	pk := sk.PublicKey()
	return pk.Hash(), pk, sk, nil
}
