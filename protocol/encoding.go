package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/russignol/signer/bls"
)

func readByte(r *bytes.Reader) (byte, error) {
	return r.ReadByte()
}

// encodeRawPKH writes a public key hash as its family tag (the BLS family,
// 0x03) followed by the 20-byte digest.
func encodeRawPKH(buf *bytes.Buffer, pkh bls.PublicKeyHash) {
	buf.WriteByte(pkhFamilyTag)
	buf.Write(pkh[:])
}

func decodeRawPKH(r *bytes.Reader) (bls.PublicKeyHash, error) {
	tag, err := readByte(r)
	if err != nil {
		return bls.PublicKeyHash{}, errTooShort(1, 0)
	}
	if tag != pkhFamilyTag {
		return bls.PublicKeyHash{}, &Error{Kind: "pkh_decode", Detail: "unsupported key family tag"}
	}
	var b [bls.PublicKeyHashSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return bls.PublicKeyHash{}, errTooShort(bls.PublicKeyHashSize, r.Len())
	}
	pkh, err := bls.PublicKeyHashFromBytes(b[:])
	if err != nil {
		return bls.PublicKeyHash{}, &Error{Kind: "pkh_decode", Detail: err.Error(), Err: err}
	}
	return pkh, nil
}

// encodeVersionedPKH writes the versioned PKH union:
// [outer family tag][raw pkh][version byte].
func encodeVersionedPKH(buf *bytes.Buffer, v VersionedPKH) error {
	buf.WriteByte(pkhFamilyTag)
	encodeRawPKH(buf, v.PKH)
	buf.WriteByte(v.Version)
	return nil
}

func decodeVersionedPKH(r *bytes.Reader) (VersionedPKH, error) {
	outer, err := readByte(r)
	if err != nil {
		return VersionedPKH{}, errTooShort(1, 0)
	}
	if outer != pkhFamilyTag {
		return VersionedPKH{}, &Error{Kind: "pkh_decode", Detail: "unsupported versioned key family tag"}
	}
	pkh, err := decodeRawPKH(r)
	if err != nil {
		return VersionedPKH{}, err
	}
	version, err := readByte(r)
	if err != nil {
		return VersionedPKH{}, errTooShort(1, 0)
	}
	return VersionedPKH{PKH: pkh, Version: version}, nil
}

func encodePK(buf *bytes.Buffer, pk bls.PublicKey) {
	buf.WriteByte(pkhFamilyTag)
	b := pk.Bytes()
	buf.Write(b[:])
}

func decodePK(r *bytes.Reader) (bls.PublicKey, error) {
	tag, err := readByte(r)
	if err != nil {
		return bls.PublicKey{}, errTooShort(1, 0)
	}
	if tag != pkhFamilyTag {
		return bls.PublicKey{}, &Error{Kind: "pk_decode", Detail: "unsupported key family tag"}
	}
	var b [bls.PublicKeySize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return bls.PublicKey{}, errTooShort(bls.PublicKeySize, r.Len())
	}
	pk, err := bls.PublicKeyFromBytes(b[:])
	if err != nil {
		return bls.PublicKey{}, &Error{Kind: "pk_decode", Detail: err.Error(), Err: err}
	}
	return pk, nil
}

// encodeOptionalPK writes a non-trailing optional public key: 0x00 for None,
// or 0xFF followed by the tagged public key encoding.
func encodeOptionalPK(buf *bytes.Buffer, pk *bls.PublicKey) {
	if pk == nil {
		buf.WriteByte(0x00)
		return
	}
	buf.WriteByte(0xFF)
	encodePK(buf, *pk)
}

func decodeOptionalPK(r *bytes.Reader) (*bls.PublicKey, error) {
	tag, err := readByte(r)
	if err != nil {
		return nil, errTooShort(1, 0)
	}
	switch tag {
	case 0x00:
		return nil, nil
	case 0xFF:
		pk, err := decodePK(r)
		if err != nil {
			return nil, err
		}
		return &pk, nil
	default:
		return nil, errInvalidFormat("invalid optional public key tag: 0x%02X", tag)
	}
}

// encodeOptionalSignature writes a trailing optional signature: if sig is
// nil, nothing is written at all (the field's absence is inferred from
// reaching end-of-message); otherwise a 0xFF marker precedes the 96-byte
// compressed signature.
func encodeOptionalSignature(buf *bytes.Buffer, sig *bls.Signature) {
	if sig == nil {
		return
	}
	buf.WriteByte(0xFF)
	b := sig.Bytes()
	buf.Write(b[:])
}

// decodeOptionalSignature reads a trailing optional signature. Running out
// of bytes before the marker is read means the field was omitted, which is
// valid, not an error.
func decodeOptionalSignature(r *bytes.Reader) (*bls.Signature, error) {
	if r.Len() == 0 {
		return nil, nil
	}
	tag, err := readByte(r)
	if err != nil {
		return nil, nil
	}
	if tag != 0xFF {
		return nil, errInvalidFormat("invalid optional signature marker: 0x%02X", tag)
	}
	var b [bls.SignatureSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, errTooShort(bls.SignatureSize, r.Len())
	}
	sig, err := bls.SignatureFromBytes(b[:])
	if err != nil {
		return nil, &Error{Kind: "signature_decode", Detail: err.Error(), Err: err}
	}
	return &sig, nil
}

// encodeBytes writes a 4-byte big-endian length prefix followed by data.
func encodeBytes(buf *bytes.Buffer, data []byte) error {
	if len(data) > MaxDataLen {
		return errDataTooLarge(len(data))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
	return nil
}

func decodeBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errTooShort(4, r.Len())
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n > MaxDataLen {
		return nil, errDataTooLarge(n)
	}
	if n > r.Len() {
		return nil, errTooShort(n, r.Len())
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errIO(err)
	}
	return out, nil
}

// encodePKHList writes a list of public key hashes prefixed by the total
// byte size of the encoded list (not the element count), matching the
// reference protocol's framing.
func encodePKHList(buf *bytes.Buffer, keys []bls.PublicKeyHash) error {
	var inner bytes.Buffer
	for _, k := range keys {
		encodeRawPKH(&inner, k)
	}
	return encodeBytes(buf, inner.Bytes())
}

func decodePKHList(r *bytes.Reader) ([]bls.PublicKeyHash, error) {
	data, err := decodeBytes(r)
	if err != nil {
		return nil, err
	}
	inner := bytes.NewReader(data)
	var out []bls.PublicKeyHash
	for inner.Len() > 0 {
		pkh, err := decodeRawPKH(inner)
		if err != nil {
			return nil, err
		}
		out = append(out, pkh)
	}
	return out, nil
}
