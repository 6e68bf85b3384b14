// Package bls implements the BLS12-381 MinPk-with-Proof-of-Possession
// primitives used by the signer: secret/public key and signature types, the
// signing and proof-of-possession operations, deterministic nonce
// derivation, and the canonical base58check text encoding shared by every
// key and signature type.
//
// Keys and signatures wrap github.com/supranational/blst's min_pk bindings
// directly (48-byte compressed G1 public keys, 96-byte compressed G2
// signatures), the same scheme used throughout the retrieval pack's own BLS
// adapters.
package bls

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	blst "github.com/supranational/blst/bindings/go"
	"golang.org/x/crypto/blake2b"
)

// Domain separation tags. The two MUST NOT be interchanged: ordinary
// consensus signatures use sigDST, proof-of-possession uses popDST.
var (
	sigDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")
	popDST = []byte("BLS_POP_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")
)

// Base58check prefixes, bit-exact against the reference implementation.
var (
	chainIDPrefix = []byte{0x57, 0x52, 0x00}       // "Net"
	pkhPrefix     = []byte{0x06, 0xa1, 0xa6}       // "tz4"
	pkPrefix      = []byte{0x06, 0x95, 0x87, 0xcc} // "BLpk"
	skPrefix      = []byte{0x03, 0x96, 0xc0, 0x28} // "BLsk"
	sigPrefix     = []byte{0x28, 0x79, 0x34, 0xcf} // "BLsig"
)

// curveOrder is r, the scalar field order of BLS12-381.
var curveOrder, _ = new(big.Int).SetString(
	"73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)

// Error is the structured error type for every BLS decode/validation
// failure. No BLS operation panics on attacker-controlled input.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bls: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("bls: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind string, err error) *Error { return &Error{Kind: kind, Err: err} }

func invalidLength(kind string, expected, actual int) *Error {
	return newErr(kind, fmt.Errorf("invalid length: expected %d, got %d", expected, actual))
}

// SecretKey is a 32-byte BLS12-381 scalar, canonically stored little-endian.
type SecretKey struct {
	inner blst.SecretKey
}

// SecretKeySize is the canonical byte length of a secret key.
const SecretKeySize = 32

// SecretKeyFromBytes constructs a SecretKey from its canonical 32-byte
// little-endian encoding.
//
// Strict validation is attempted first. Legacy key material may encode a
// scalar >= the curve order r; OCaml's reference implementation accepts
// such values by reducing modulo r. To stay compatible with those on-disk
// keys, a strict-decode failure triggers exactly this reduction: interpret
// the little-endian bytes as an integer, reduce mod r, re-encode
// little-endian padded to 32 bytes, and retry. Any other input shape fails
// outright; reduction is not attempted unconditionally, only on the
// specific out-of-range failure.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	if len(b) != SecretKeySize {
		return SecretKey{}, invalidLength("invalid_key_length", SecretKeySize, len(b))
	}

	var sk blst.SecretKey
	if sk.FromLEndian(b) != nil {
		return SecretKey{inner: sk}, nil
	}

	// Out of range: reduce the little-endian scalar modulo r and retry.
	keyInt := new(big.Int).SetBytes(reversedCopy(b))
	keyInt.Mod(keyInt, curveOrder)
	reducedBE := keyInt.Bytes()
	reducedLE := make([]byte, SecretKeySize)
	// Right-align the big-endian bytes (leading zeros restored), then
	// reverse into the little-endian layout FromLEndian expects.
	copy(reducedLE[SecretKeySize-len(reducedBE):], reducedBE)
	reverse(reducedLE)

	var sk2 blst.SecretKey
	if sk2.FromLEndian(reducedLE) == nil {
		return SecretKey{}, newErr("invalid_secret_key", fmt.Errorf("scalar invalid after modular reduction"))
	}
	return SecretKey{inner: sk2}, nil
}

// reversedCopy returns a reversed copy of b without mutating the input.
func reversedCopy(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// reverse reverses b in place.
func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// Bytes returns the canonical 32-byte little-endian encoding.
func (sk SecretKey) Bytes() [SecretKeySize]byte {
	le := sk.inner.ToLEndian()
	var out [SecretKeySize]byte
	copy(out[:], le)
	return out
}

// PublicKey derives the public key for this secret key via scalar
// multiplication of the G1 generator.
func (sk SecretKey) PublicKey() PublicKey {
	var pk blst.P1Affine
	pk.From(&sk.inner)
	return PublicKey{inner: pk}
}

// ToB58Check encodes the secret key with the BLsk prefix.
func (sk SecretKey) ToB58Check() string {
	b := sk.Bytes()
	return Encode(skPrefix, b[:])
}

// SecretKeyFromB58Check decodes a BLsk-prefixed secret key.
func SecretKeyFromB58Check(s string) (SecretKey, error) {
	payload, err := Decode(s, skPrefix)
	if err != nil {
		return SecretKey{}, err
	}
	return SecretKeyFromBytes(payload)
}

// PublicKeySize is the compressed G1 encoding length.
const PublicKeySize = 48

// PublicKey is a compressed G1 point, the MinPk public key.
type PublicKey struct {
	inner blst.P1Affine
}

// PublicKeyFromBytes decodes a compressed 48-byte G1 point. Subgroup
// membership is checked at verification time (the group-check flags passed
// to Verify/PopVerify), matching blst's own deferred-validation design.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, invalidLength("invalid_key_length", PublicKeySize, len(b))
	}
	var pk blst.P1Affine
	if pk.Uncompress(b) == nil {
		return PublicKey{}, newErr("invalid_public_key", fmt.Errorf("bad compressed encoding"))
	}
	return PublicKey{inner: pk}, nil
}

// Bytes returns the 48-byte compressed encoding.
func (pk PublicKey) Bytes() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	copy(out[:], pk.inner.Compress())
	return out
}

// Hash returns the 20-byte public key hash (tz4 address material): a plain,
// unkeyed Blake2b-160 digest of the compressed public key.
func (pk PublicKey) Hash() PublicKeyHash {
	b := pk.Bytes()
	return HashBytes(b[:])
}

// ToB58Check encodes the public key with the BLpk prefix.
func (pk PublicKey) ToB58Check() string {
	b := pk.Bytes()
	return Encode(pkPrefix, b[:])
}

// PublicKeyFromB58Check decodes a BLpk-prefixed public key.
func PublicKeyFromB58Check(s string) (PublicKey, error) {
	payload, err := Decode(s, pkPrefix)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKeyFromBytes(payload)
}

// PublicKeyHashSize is the digest length of a public key hash.
const PublicKeyHashSize = 20

// PublicKeyHash is the 20-byte tz4 address material.
type PublicKeyHash [PublicKeyHashSize]byte

// HashBytes computes the unkeyed Blake2b-160 digest over the concatenation
// of its arguments, used for public-key-hash derivation.
func HashBytes(data ...[]byte) PublicKeyHash {
	h, err := blake2b.New(PublicKeyHashSize, nil)
	if err != nil {
		// blake2b.New only fails for out-of-range sizes/keys; 20 bytes and a
		// nil key are always valid, so this is unreachable in practice.
		panic(err)
	}
	for _, d := range data {
		h.Write(d)
	}
	var out PublicKeyHash
	copy(out[:], h.Sum(nil))
	return out
}

// PublicKeyHashFromBytes wraps a 20-byte slice as a PublicKeyHash.
func PublicKeyHashFromBytes(b []byte) (PublicKeyHash, error) {
	if len(b) != PublicKeyHashSize {
		return PublicKeyHash{}, invalidLength("invalid_key_length", PublicKeyHashSize, len(b))
	}
	var out PublicKeyHash
	copy(out[:], b)
	return out, nil
}

// ToB58Check encodes the hash with the tz4 prefix.
func (h PublicKeyHash) ToB58Check() string {
	return Encode(pkhPrefix, h[:])
}

// PublicKeyHashFromB58Check decodes a tz4-prefixed hash.
func PublicKeyHashFromB58Check(s string) (PublicKeyHash, error) {
	payload, err := Decode(s, pkhPrefix)
	if err != nil {
		return PublicKeyHash{}, err
	}
	return PublicKeyHashFromBytes(payload)
}

// SignatureSize is the compressed G2 encoding length.
const SignatureSize = 96

// Signature is a compressed G2 point.
type Signature struct {
	inner blst.P2Affine
}

// SignatureFromBytes decodes a compressed 96-byte G2 point.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != SignatureSize {
		return Signature{}, invalidLength("invalid_signature", SignatureSize, len(b))
	}
	var sig blst.P2Affine
	if sig.Uncompress(b) == nil {
		return Signature{}, newErr("invalid_signature", fmt.Errorf("bad compressed encoding"))
	}
	return Signature{inner: sig}, nil
}

// Bytes returns the 96-byte compressed encoding.
func (s Signature) Bytes() [SignatureSize]byte {
	var out [SignatureSize]byte
	copy(out[:], s.inner.Compress())
	return out
}

// ToB58Check encodes the signature with the BLsig prefix.
func (s Signature) ToB58Check() string {
	b := s.Bytes()
	return Encode(sigPrefix, b[:])
}

// SignatureFromB58Check decodes a BLsig-prefixed signature.
func SignatureFromB58Check(str string) (Signature, error) {
	payload, err := Decode(str, sigPrefix)
	if err != nil {
		return Signature{}, err
	}
	return SignatureFromBytes(payload)
}

// ChainIDSize is the number of significant chain-identifier bytes.
const ChainIDSize = 4

// ChainID is a 4-byte consensus chain identifier, stored in memory as 32
// bytes (4 significant bytes followed by zero padding) so it fits the same
// fixed-size-key shape the watermark store indexes by.
type ChainID [32]byte

// ChainIDFromWireBytes builds a ChainID from the 4 significant wire bytes.
func ChainIDFromWireBytes(b [ChainIDSize]byte) ChainID {
	var c ChainID
	copy(c[:ChainIDSize], b[:])
	return c
}

// WireBytes returns the 4 significant bytes.
func (c ChainID) WireBytes() [ChainIDSize]byte {
	var out [ChainIDSize]byte
	copy(out[:], c[:ChainIDSize])
	return out
}

// ToB58Check encodes the chain ID with the Net prefix.
func (c ChainID) ToB58Check() string {
	w := c.WireBytes()
	return Encode(chainIDPrefix, w[:])
}

// ChainIDFromB58Check decodes a Net-prefixed chain ID.
func ChainIDFromB58Check(s string) (ChainID, error) {
	payload, err := Decode(s, chainIDPrefix)
	if err != nil {
		return ChainID{}, err
	}
	if len(payload) != ChainIDSize {
		return ChainID{}, invalidLength("invalid_chain_id", ChainIDSize, len(payload))
	}
	var b [ChainIDSize]byte
	copy(b[:], payload)
	return ChainIDFromWireBytes(b), nil
}

// checksum computes the 4-byte double-SHA256 base58check checksum.
func checksum(data []byte) [4]byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	var out [4]byte
	copy(out[:], second[:4])
	return out
}
