// Package protocol implements the length-framed binary wire protocol spoken
// between a baker daemon and this signer: the eight request shapes, their
// tagged-union responses, and the BSON-backed error envelope. The outer
// 2-byte socket length prefix is the server package's concern; this package
// only encodes and decodes the payload that sits inside that frame.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/russignol/signer/bls"
)

// MaxDataLen bounds every length-prefixed byte field embedded in a request,
// matching the uint16 socket frame's own implicit 65535-byte ceiling.
const MaxDataLen = 65535

// Request tag bytes, bit-exact against the reference implementation.
const (
	TagSign                        byte = 0x00
	TagPublicKey                   byte = 0x01
	TagAuthorizedKeys              byte = 0x02
	TagDeterministicNonce          byte = 0x03
	TagDeterministicNonceHash      byte = 0x04
	TagSupportsDeterministicNonces byte = 0x05
	TagKnownKeys                   byte = 0x06
	TagBlsProveRequest             byte = 0x07
)

// Result envelope tags.
const (
	resultOk    byte = 0x00
	resultError byte = 0x01
)

// pkhFamilyTag is the only public-key-hash family this signer speaks: BLS.
const pkhFamilyTag byte = 0x03

// Error is the structured error type for every framing, decode, or
// unknown-tag failure.
type Error struct {
	Kind     string
	Tag      byte
	Expected int
	Actual   int
	Size     int
	Max      int
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case "unknown_tag":
		return fmt.Sprintf("protocol: unknown request tag: 0x%02X", e.Tag)
	case "invalid_format":
		return fmt.Sprintf("protocol: invalid message format: %s", e.Detail)
	case "message_too_short":
		return fmt.Sprintf("protocol: message too short: expected at least %d, got %d", e.Expected, e.Actual)
	case "pkh_decode":
		return fmt.Sprintf("protocol: failed to decode public key hash: %s", e.Detail)
	case "pk_decode":
		return fmt.Sprintf("protocol: failed to decode public key: %s", e.Detail)
	case "signature_decode":
		return fmt.Sprintf("protocol: failed to decode signature: %s", e.Detail)
	case "data_too_large":
		return fmt.Sprintf("protocol: data payload too large: size %d exceeds maximum %d", e.Size, e.Max)
	case "io":
		return fmt.Sprintf("protocol: io error: %v", e.Err)
	default:
		return "protocol: error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

func errUnknownTag(tag byte) *Error   { return &Error{Kind: "unknown_tag", Tag: tag} }
func errInvalidFormat(f string, a ...any) *Error {
	return &Error{Kind: "invalid_format", Detail: fmt.Sprintf(f, a...)}
}
func errTooShort(expected, actual int) *Error {
	return &Error{Kind: "message_too_short", Expected: expected, Actual: actual}
}
func errDataTooLarge(size int) *Error { return &Error{Kind: "data_too_large", Size: size, Max: MaxDataLen} }
func errIO(err error) *Error          { return &Error{Kind: "io", Err: err} }

// VersionedPKH pairs a public key hash with the client-supplied version
// byte carried alongside Sign/DeterministicNonce/DeterministicNonceHash
// requests. The core carries the version but never interprets it.
type VersionedPKH struct {
	PKH     bls.PublicKeyHash
	Version uint8
}

// Request is implemented by every decoded request shape.
type Request interface {
	Tag() byte
}

// SignRequest asks the signer to produce a consensus (or deterministic
// nonce, via the sibling request types) signature over Data.
type SignRequest struct {
	PKH       VersionedPKH
	Data      []byte
	Signature *bls.Signature // optional client authentication signature, ignored by this core
}

// Tag implements Request.
func (SignRequest) Tag() byte { return TagSign }

// PublicKeyRequest asks for the public key matching PKH.
type PublicKeyRequest struct{ PKH bls.PublicKeyHash }

// Tag implements Request.
func (PublicKeyRequest) Tag() byte { return TagPublicKey }

// AuthorizedKeysRequest asks whether request authentication is enabled.
type AuthorizedKeysRequest struct{}

// Tag implements Request.
func (AuthorizedKeysRequest) Tag() byte { return TagAuthorizedKeys }

// DeterministicNonceRequest asks for a deterministic nonce derived from Data.
type DeterministicNonceRequest struct {
	PKH       VersionedPKH
	Data      []byte
	Signature *bls.Signature
}

// Tag implements Request.
func (DeterministicNonceRequest) Tag() byte { return TagDeterministicNonce }

// DeterministicNonceHashRequest asks for the hash of a deterministic nonce.
type DeterministicNonceHashRequest struct {
	PKH       VersionedPKH
	Data      []byte
	Signature *bls.Signature
}

// Tag implements Request.
func (DeterministicNonceHashRequest) Tag() byte { return TagDeterministicNonceHash }

// SupportsDeterministicNoncesRequest asks whether PKH can derive deterministic nonces.
type SupportsDeterministicNoncesRequest struct{ PKH bls.PublicKeyHash }

// Tag implements Request.
func (SupportsDeterministicNoncesRequest) Tag() byte { return TagSupportsDeterministicNonces }

// KnownKeysRequest asks for the full list of keys the signer holds.
type KnownKeysRequest struct{}

// Tag implements Request.
func (KnownKeysRequest) Tag() byte { return TagKnownKeys }

// BlsProveRequest asks for a proof of possession of PKH's secret key.
// OverridePK is an implementation hook for test vectors; production clients
// never set it and this core only accepts and ignores it.
type BlsProveRequest struct {
	PKH        bls.PublicKeyHash
	OverridePK *bls.PublicKey
}

// Tag implements Request.
func (BlsProveRequest) Tag() byte { return TagBlsProveRequest }

// Response is implemented by every encodable response shape.
type Response interface {
	isResponse()
}

// SignatureResponse carries a 96-byte BLS signature, returned for both Sign
// and BlsProveRequest requests.
type SignatureResponse struct{ Signature bls.Signature }

func (SignatureResponse) isResponse() {}

// PublicKeyResponse carries a 48-byte BLS public key.
type PublicKeyResponse struct{ PublicKey bls.PublicKey }

func (PublicKeyResponse) isResponse() {}

// AuthorizedKeysResponse answers whether request authentication is enabled.
// Keys is nil when authentication is not required (this core's only mode).
type AuthorizedKeysResponse struct{ Keys []bls.PublicKeyHash }

func (AuthorizedKeysResponse) isResponse() {}

// NonceResponse carries a deterministic nonce.
type NonceResponse struct{ Nonce [32]byte }

func (NonceResponse) isResponse() {}

// NonceHashResponse carries the hash of a deterministic nonce.
type NonceHashResponse struct{ Hash [32]byte }

func (NonceHashResponse) isResponse() {}

// BoolResponse carries a single boolean payload.
type BoolResponse struct{ Value bool }

func (BoolResponse) isResponse() {}

// KnownKeysResponse carries the full list of keys the signer holds.
type KnownKeysResponse struct{ Keys []bls.PublicKeyHash }

func (KnownKeysResponse) isResponse() {}

// ErrorResponse carries a human-readable failure message, wrapped on the
// wire in a BSON generic-error document inside a one-element trace list.
type ErrorResponse struct{ Message string }

func (ErrorResponse) isResponse() {}

// ---------------------------------------------------------------------------
// Request encoding
// ---------------------------------------------------------------------------

// EncodeRequest serializes req to its wire form (tag byte followed by its
// payload), without the outer 2-byte socket length prefix.
func EncodeRequest(req Request) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(req.Tag())

	switch r := req.(type) {
	case SignRequest:
		if err := encodeVersionedPKH(&buf, r.PKH); err != nil {
			return nil, err
		}
		if err := encodeBytes(&buf, r.Data); err != nil {
			return nil, err
		}
		encodeOptionalSignature(&buf, r.Signature)
	case PublicKeyRequest:
		encodeRawPKH(&buf, r.PKH)
	case AuthorizedKeysRequest:
	case DeterministicNonceRequest:
		if err := encodeVersionedPKH(&buf, r.PKH); err != nil {
			return nil, err
		}
		if err := encodeBytes(&buf, r.Data); err != nil {
			return nil, err
		}
		encodeOptionalSignature(&buf, r.Signature)
	case DeterministicNonceHashRequest:
		if err := encodeVersionedPKH(&buf, r.PKH); err != nil {
			return nil, err
		}
		if err := encodeBytes(&buf, r.Data); err != nil {
			return nil, err
		}
		encodeOptionalSignature(&buf, r.Signature)
	case SupportsDeterministicNoncesRequest:
		encodeRawPKH(&buf, r.PKH)
	case KnownKeysRequest:
	case BlsProveRequest:
		encodeRawPKH(&buf, r.PKH)
		encodeOptionalPK(&buf, r.OverridePK)
	default:
		return nil, errInvalidFormat("unknown request type %T", req)
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a request payload (without its outer length prefix).
func DecodeRequest(data []byte) (Request, error) {
	r := bytes.NewReader(data)
	tag, err := readByte(r)
	if err != nil {
		return nil, errTooShort(1, len(data))
	}

	switch tag {
	case TagSign:
		pkh, payload, sig, err := decodeSignPayload(r)
		if err != nil {
			return nil, err
		}
		return SignRequest{PKH: pkh, Data: payload, Signature: sig}, nil
	case TagPublicKey:
		pkh, err := decodeRawPKH(r)
		if err != nil {
			return nil, err
		}
		return PublicKeyRequest{PKH: pkh}, nil
	case TagAuthorizedKeys:
		return AuthorizedKeysRequest{}, nil
	case TagDeterministicNonce:
		pkh, payload, sig, err := decodeSignPayload(r)
		if err != nil {
			return nil, err
		}
		return DeterministicNonceRequest{PKH: pkh, Data: payload, Signature: sig}, nil
	case TagDeterministicNonceHash:
		pkh, payload, sig, err := decodeSignPayload(r)
		if err != nil {
			return nil, err
		}
		return DeterministicNonceHashRequest{PKH: pkh, Data: payload, Signature: sig}, nil
	case TagSupportsDeterministicNonces:
		pkh, err := decodeRawPKH(r)
		if err != nil {
			return nil, err
		}
		return SupportsDeterministicNoncesRequest{PKH: pkh}, nil
	case TagKnownKeys:
		return KnownKeysRequest{}, nil
	case TagBlsProveRequest:
		pkh, err := decodeRawPKH(r)
		if err != nil {
			return nil, err
		}
		overridePK, err := decodeOptionalPK(r)
		if err != nil {
			return nil, err
		}
		return BlsProveRequest{PKH: pkh, OverridePK: overridePK}, nil
	default:
		return nil, errUnknownTag(tag)
	}
}

func decodeSignPayload(r *bytes.Reader) (VersionedPKH, []byte, *bls.Signature, error) {
	pkh, err := decodeVersionedPKH(r)
	if err != nil {
		return VersionedPKH{}, nil, nil, err
	}
	payload, err := decodeBytes(r)
	if err != nil {
		return VersionedPKH{}, nil, nil, err
	}
	sig, err := decodeOptionalSignature(r)
	if err != nil {
		return VersionedPKH{}, nil, nil, err
	}
	return pkh, payload, sig, nil
}

// ---------------------------------------------------------------------------
// Response encoding
// ---------------------------------------------------------------------------

// EncodeResponse serializes resp to its wire form: a leading result tag
// (Ok/Error) followed by the untagged payload whose shape the client infers
// from the request it originally sent.
func EncodeResponse(resp Response) ([]byte, error) {
	var buf bytes.Buffer

	if e, ok := resp.(ErrorResponse); ok {
		buf.WriteByte(resultError)
		if err := encodeErrorTrace(&buf, e.Message); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	buf.WriteByte(resultOk)
	switch r := resp.(type) {
	case SignatureResponse:
		b := r.Signature.Bytes()
		buf.Write(b[:])
	case PublicKeyResponse:
		encodePK(&buf, r.PublicKey)
	case AuthorizedKeysResponse:
		if r.Keys == nil {
			buf.WriteByte(0x00)
		} else {
			buf.WriteByte(0x01)
			if err := encodePKHList(&buf, r.Keys); err != nil {
				return nil, err
			}
		}
	case NonceResponse:
		buf.Write(r.Nonce[:])
	case NonceHashResponse:
		buf.Write(r.Hash[:])
	case BoolResponse:
		if r.Value {
			buf.WriteByte(0xFF)
		} else {
			buf.WriteByte(0x00)
		}
	case KnownKeysResponse:
		if err := encodePKHList(&buf, r.Keys); err != nil {
			return nil, err
		}
	default:
		return nil, errInvalidFormat("unknown response type %T", resp)
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses a response payload. req is the original request, used
// to determine the shape of an Ok payload (the wire form itself is untagged).
func DecodeResponse(data []byte, req Request) (Response, error) {
	r := bytes.NewReader(data)
	resultTag, err := readByte(r)
	if err != nil {
		return nil, errTooShort(1, len(data))
	}

	if resultTag == resultError {
		msg, err := decodeErrorTrace(r)
		if err != nil {
			return nil, err
		}
		return ErrorResponse{Message: msg}, nil
	}
	if resultTag != resultOk {
		return nil, errInvalidFormat("invalid result tag: 0x%02X", resultTag)
	}

	switch req.(type) {
	case SignRequest, BlsProveRequest:
		var b [bls.SignatureSize]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, errTooShort(bls.SignatureSize, r.Len())
		}
		sig, err := bls.SignatureFromBytes(b[:])
		if err != nil {
			return nil, &Error{Kind: "signature_decode", Detail: err.Error(), Err: err}
		}
		return SignatureResponse{Signature: sig}, nil
	case PublicKeyRequest:
		pk, err := decodePK(r)
		if err != nil {
			return nil, err
		}
		return PublicKeyResponse{PublicKey: pk}, nil
	case AuthorizedKeysRequest:
		tag, err := readByte(r)
		if err != nil {
			return nil, errTooShort(1, 0)
		}
		switch tag {
		case 0x00:
			return AuthorizedKeysResponse{Keys: nil}, nil
		case 0x01:
			keys, err := decodePKHList(r)
			if err != nil {
				return nil, err
			}
			return AuthorizedKeysResponse{Keys: keys}, nil
		default:
			return nil, errInvalidFormat("invalid AuthorizedKeys union tag: 0x%02X", tag)
		}
	case DeterministicNonceRequest:
		var b [32]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, errTooShort(32, r.Len())
		}
		return NonceResponse{Nonce: b}, nil
	case DeterministicNonceHashRequest:
		var b [32]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, errTooShort(32, r.Len())
		}
		return NonceHashResponse{Hash: b}, nil
	case SupportsDeterministicNoncesRequest:
		tag, err := readByte(r)
		if err != nil {
			return nil, errTooShort(1, 0)
		}
		return BoolResponse{Value: tag != 0x00}, nil
	case KnownKeysRequest:
		keys, err := decodePKHList(r)
		if err != nil {
			return nil, err
		}
		return KnownKeysResponse{Keys: keys}, nil
	default:
		return nil, errInvalidFormat("unknown request type %T for response decode", req)
	}
}

// ---------------------------------------------------------------------------
// BSON error envelope
// ---------------------------------------------------------------------------

// encodeErrorTrace builds the innermost BSON generic-error document first,
// then wraps it in the two length-prefixed layers the reference protocol
// expects: an outer "trace" (list) byte length, then the single item's own
// byte length, then the BSON bytes themselves.
func encodeErrorTrace(buf *bytes.Buffer, message string) error {
	doc := bson.M{"kind": "generic", "error": message}
	bsonBytes, err := bson.Marshal(doc)
	if err != nil {
		return errInvalidFormat("bson serialization error: %v", err)
	}
	itemLen := len(bsonBytes)
	totalLen := itemLen + 4

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(totalLen))
	buf.Write(lenBuf[:])
	binary.BigEndian.PutUint32(lenBuf[:], uint32(itemLen))
	buf.Write(lenBuf[:])
	buf.Write(bsonBytes)
	return nil
}

// decodeErrorTrace reads the trace's total byte length, then walks however
// many length-prefixed items it contains, concatenating every decodable
// item's "error" field with "; ". If no item yields a message, the whole
// trace (framing included) is rendered as a string instead.
func decodeErrorTrace(r *bytes.Reader) (string, error) {
	traceBytes, err := decodeBytes(r)
	if err != nil {
		return "", err
	}

	tr := bytes.NewReader(traceBytes)
	var msgs []string
	for tr.Len() >= 4 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(tr, lenBuf[:]); err != nil {
			break
		}
		itemLen := int(binary.BigEndian.Uint32(lenBuf[:]))
		if itemLen < 0 || itemLen > tr.Len() {
			break
		}
		item := make([]byte, itemLen)
		if _, err := io.ReadFull(tr, item); err != nil {
			break
		}

		if msg, ok := decodeErrorItem(item); ok {
			msgs = append(msgs, msg)
		}
	}

	if len(msgs) == 0 {
		return string(traceBytes), nil
	}
	return strings.Join(msgs, "; "), nil
}

// decodeErrorItem extracts the "error" field from one trace item, trying
// BSON first and JSON second. Items that yield no message are dropped; the
// lossy whole-trace rendering in decodeErrorTrace only applies when every
// item was dropped.
func decodeErrorItem(item []byte) (string, bool) {
	var doc bson.M
	if err := bson.Unmarshal(item, &doc); err == nil {
		if msg, ok := doc["error"].(string); ok {
			return msg, true
		}
	}
	var jdoc map[string]any
	if err := json.Unmarshal(item, &jdoc); err == nil {
		if msg, ok := jdoc["error"].(string); ok {
			return msg, true
		}
	}
	return "", false
}
